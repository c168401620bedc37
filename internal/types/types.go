package types

import (
	"github.com/toricodesthings/label-crop-service/internal/bounds"
	"github.com/toricodesthings/label-crop-service/internal/locator"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
)

type CropOptions struct {
	QRScoreThreshold float64 `json:"qrScoreThreshold"`
	MinAreaFraction  float64 `json:"minAreaFraction"`

	// Preview-only knobs
	PreviewMaxWidth  int `json:"previewMaxWidth"`  // default 900
	PreviewMaxHeight int `json:"previewMaxHeight"` // default 1200
}

type ExtractRequest struct {
	DocumentURLs []string    `json:"documentUrls"`
	Marketplace  string      `json:"marketplace"`
	Options      CropOptions `json:"options"`
}

type LabelReport struct {
	Index        int            `json:"index"`
	Name         string         `json:"name"`
	Status       string         `json:"status"` // "done" | "failed"
	Cropped      bool           `json:"cropped"`
	AreaFraction float64        `json:"areaFraction,omitempty"`
	Hints        *locator.Hints `json:"hints,omitempty"`
	Box          *bounds.Box    `json:"box,omitempty"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	Error        *string        `json:"error,omitempty"`
}

type BatchReport struct {
	Success     bool          `json:"success"`
	BatchID     string        `json:"batchId"`
	Marketplace string        `json:"marketplace"`
	Total       int           `json:"total"`
	Done        int           `json:"done"`
	Failed      int           `json:"failed"`
	Ignored     []string      `json:"ignored,omitempty"` // parts that were not renderable documents
	Labels      []LabelReport `json:"labels"`
	Error       *string       `json:"error,omitempty"`
}

type MarketplacesResult struct {
	Success      bool                  `json:"success"`
	Default      string                `json:"default"`
	Marketplaces []marketplace.Profile `json:"marketplaces"`
}
