package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/toricodesthings/label-crop-service/internal/batch"
	"github.com/toricodesthings/label-crop-service/internal/export"
	"github.com/toricodesthings/label-crop-service/internal/extractor"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/logging"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
)

type options struct {
	marketplace string
	out         string
	pngDir      string
	report      string
	scale       float64
	logLevel    string
	files       []string
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "labelcrop: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "labelcrop: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: labelcrop [flags] <file> [file...]\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.marketplace, "marketplace", string(marketplace.Flipkart), "Marketplace name or profile code (A-E)")
	flag.StringVar(&opts.out, "o", "", "Output PDF path (default: <marketplace>-<name>-label.pdf)")
	flag.StringVar(&opts.pngDir, "png-dir", "", "Also write each label canvas as PNG into this directory")
	flag.StringVar(&opts.report, "report", "", "Write the JSON batch report to this path")
	flag.Float64Var(&opts.scale, "scale", 3, "PDF render scale (DPI = 72*scale)")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return options{}, fmt.Errorf("no input files")
	}
	opts.files = flag.Args()
	return opts, nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	profile, err := marketplace.Lookup(opts.marketplace)
	if err != nil {
		return err
	}
	log := logging.New(opts.logLevel, "text")

	// Unsupported files are skipped up front, like the server does.
	var paths, ignored []string
	for _, f := range opts.files {
		if err := sniff(f); err != nil {
			if !errors.Is(err, labelerr.ErrUnsupportedInput) {
				return err
			}
			ignored = append(ignored, f)
			fmt.Fprintf(stdout, "skipping %s: %v\n", f, err)
			continue
		}
		paths = append(paths, f)
	}
	if len(ignored) > 0 {
		fmt.Fprintf(stdout, "warning: %d file(s) skipped\n", len(ignored))
	}

	batchID := uuid.NewString()
	o := &batch.Orchestrator{
		Source: &extractor.FileSource{RenderScale: opts.scale, Log: log},
		Log:    log.WithField("batch", batchID),
	}

	var items []batch.Item
	for it := range o.Updates(ctx, paths, profile) {
		if !it.Status.Terminal() {
			fmt.Fprintf(stdout, "[%d/%d] %s: %s\n", it.Index+1, it.Total, it.Name, it.Status)
			continue
		}
		status := it.Status.String()
		if it.Err != nil {
			status += " (" + it.Err.Error() + ")"
		}
		fmt.Fprintf(stdout, "[%d/%d] %s: %s\n", it.Index+1, it.Total, it.Name, status)
		items = append(items, it)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled after %d of %d files", len(items), len(paths))
	}

	if opts.pngDir != "" {
		if err := writePNGs(opts.pngDir, profile, items); err != nil {
			return err
		}
	}
	if opts.report != "" {
		if err := writeReport(opts.report, batchID, profile, items, ignored); err != nil {
			return err
		}
	}

	canvases := batch.Canvases(items)
	if len(canvases) == 0 {
		return fmt.Errorf("no label could be processed")
	}
	out := opts.out
	if out == "" {
		out = export.FileName(profile, firstDone(items), len(canvases))
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := export.WritePDF(f, profile.Target, canvases); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	done, failed := batch.Summary(items)
	log.WithFields(logrus.Fields{"done": done, "failed": failed, "out": out}).Info("batch written")
	fmt.Fprintf(stdout, "wrote %s (%d label(s), %d failed)\n", out, done, failed)
	return nil
}

// sniff classifies a file by its leading bytes only.
func sniff(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, 3072)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	_, err = extractor.Classify(head[:n])
	return err
}

func firstDone(items []batch.Item) string {
	for _, it := range items {
		if it.Status == batch.Done {
			return it.Name
		}
	}
	return ""
}

func writePNGs(dir string, profile marketplace.Profile, items []batch.Item) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, it := range items {
		if it.Status != batch.Done {
			continue
		}
		base := strings.TrimSuffix(it.Name, filepath.Ext(it.Name))
		p := filepath.Join(dir, fmt.Sprintf("%s-%s-label.png", profile.Marketplace, base))
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		if err := export.EncodePNG(f, it.Canvas.Image); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(path, batchID string, profile marketplace.Profile, items []batch.Item, ignored []string) error {
	b, err := json.MarshalIndent(batch.NewReport(batchID, profile, items, ignored), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
