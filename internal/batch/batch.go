// Package batch runs the label pipeline over an ordered list of documents.
package batch

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/toricodesthings/label-crop-service/internal/canvas"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
	"github.com/toricodesthings/label-crop-service/internal/pipeline"
	"github.com/toricodesthings/label-crop-service/internal/raster"
	"github.com/toricodesthings/label-crop-service/internal/types"
)

// Status is an item's place in its lifecycle. Pending is the zero value for
// an item not yet claimed; Done and Failed are terminal.
type Status int

const (
	Pending Status = iota
	Processing
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Processing:
		return "processing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Terminal reports whether s is Done or Failed.
func (s Status) Terminal() bool { return s == Done || s == Failed }

// RasterSource produces the first-page raster of a document.
type RasterSource interface {
	Acquire(ctx context.Context, id string) (*raster.Buffer, error)
}

// Item is one input's state: a Processing update or its terminal result.
type Item struct {
	Index    int
	Total    int
	SourceID string
	Name     string
	Status   Status
	Canvas   *canvas.Canvas
	Err      error
	Result   pipeline.Result
}

// Orchestrator runs documents through the pipeline one at a time.
type Orchestrator struct {
	Source  RasterSource
	Options types.CropOptions
	// Progress is called with (completed, total) after each item is yielded.
	Progress func(done, total int)
	Log      logrus.FieldLogger
}

// Updates processes ids sequentially, in order. Each id yields a Processing
// update when the pipeline claims it and then exactly one Done or Failed
// item. Stop ranging, or cancel ctx, to abandon the rest; cancellation is
// observed between items.
func (o *Orchestrator) Updates(ctx context.Context, ids []string, profile marketplace.Profile) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		total := len(ids)
		for i, id := range ids {
			if ctx.Err() != nil {
				o.logger().WithField("remaining", total-i).Info("batch cancelled")
				return
			}
			item := Item{Index: i, Total: total, SourceID: id, Name: filepath.Base(id), Status: Processing}
			if !yield(item) {
				return
			}
			more := yield(o.process(ctx, item, profile))
			if o.Progress != nil {
				o.Progress(i+1, total)
			}
			if !more {
				return
			}
		}
	}
}

// Run is Updates without the Processing updates: one terminal item per id.
func (o *Orchestrator) Run(ctx context.Context, ids []string, profile marketplace.Profile) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for it := range o.Updates(ctx, ids, profile) {
			if !it.Status.Terminal() {
				continue
			}
			if !yield(it) {
				return
			}
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, item Item, profile marketplace.Profile) (out Item) {
	log := o.logger().WithFields(logrus.Fields{
		"index":       item.Index,
		"source":      item.Name,
		"marketplace": profile.Marketplace,
	})
	defer func() {
		if r := recover(); r != nil {
			out = item
			out.Status = Failed
			out.Canvas = nil
			out.Err = fmt.Errorf("panic while processing %s: %v", item.Name, r)
			log.WithField("panic", r).Error("label processing panicked")
		}
	}()

	buf, err := o.Source.Acquire(ctx, item.SourceID)
	if err != nil {
		item.Status = Failed
		item.Err = labelerr.Rasterization("acquire "+item.Name, err)
		log.WithError(item.Err).Warn("label failed")
		return item
	}

	res, err := pipeline.Process(buf, profile, o.Options, log)
	item.Result = res
	if err != nil {
		item.Status = Failed
		item.Err = err
		log.WithError(err).Warn("label failed")
		return item
	}
	item.Status = Done
	item.Canvas = res.Canvas
	log.WithField("cropped", res.Canvas.Cropped).Info("label done")
	return item
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Item]) []Item {
	var out []Item
	for it := range seq {
		out = append(out, it)
	}
	return out
}

// Summary counts terminal states.
func Summary(items []Item) (done, failed int) {
	for _, it := range items {
		switch it.Status {
		case Done:
			done++
		case Failed:
			failed++
		}
	}
	return done, failed
}

// Canvases returns the canvases of successful items in input order.
func Canvases(items []Item) []*canvas.Canvas {
	var out []*canvas.Canvas
	for _, it := range items {
		if it.Status == Done && it.Canvas != nil {
			out = append(out, it.Canvas)
		}
	}
	return out
}

// Report converts an item to its JSON form.
func (it Item) Report() types.LabelReport {
	r := types.LabelReport{
		Index:  it.Index,
		Name:   it.Name,
		Status: it.Status.String(),
	}
	if it.Canvas != nil {
		r.Cropped = it.Canvas.Cropped
	}
	if it.Status == Done {
		hints := it.Result.Hints
		r.Hints = &hints
		r.Box = it.Result.Box
		r.AreaFraction = it.Result.AreaFraction
	}
	if it.Err != nil {
		msg := it.Err.Error()
		r.Error = &msg
		r.ErrorKind = labelerr.KindOf(it.Err).String()
	}
	return r
}

// NewReport summarizes a finished batch.
func NewReport(batchID string, profile marketplace.Profile, items []Item, ignored []string) types.BatchReport {
	done, failed := Summary(items)
	rep := types.BatchReport{
		Success:     done > 0,
		BatchID:     batchID,
		Marketplace: string(profile.Marketplace),
		Total:       len(items),
		Done:        done,
		Failed:      failed,
		Ignored:     ignored,
		Labels:      make([]types.LabelReport, 0, len(items)),
	}
	for _, it := range items {
		rep.Labels = append(rep.Labels, it.Report())
	}
	if done == 0 {
		msg := "no label could be processed"
		rep.Error = &msg
	}
	return rep
}
