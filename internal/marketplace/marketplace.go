// Package marketplace holds the fixed table of label target profiles.
package marketplace

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	MMPerInch = 25.4
	PtPerMM   = 2.83465
	ExportDPI = 300
)

type Marketplace string

const (
	Flipkart Marketplace = "flipkart"
	Meesho   Marketplace = "meesho"
	Amazon   Marketplace = "amazon"
	Myntra   Marketplace = "myntra"
	Snapdeal Marketplace = "snapdeal"
)

// Target is a physical label size at a fixed resolution.
type Target struct {
	WidthMM  float64 `json:"widthMm"`
	HeightMM float64 `json:"heightMm"`
	DPI      int     `json:"dpi"`
}

// PixelSize is the canvas size in pixels: round(mm / 25.4 * dpi).
func (t Target) PixelSize() (w, h int) {
	w = int(math.Round(t.WidthMM / MMPerInch * float64(t.DPI)))
	h = int(math.Round(t.HeightMM / MMPerInch * float64(t.DPI)))
	return w, h
}

// PointSize is the page size in PDF points.
func (t Target) PointSize() (w, h float64) {
	return t.WidthMM * PtPerMM, t.HeightMM * PtPerMM
}

// Validate rejects non-positive sizes and resolutions.
func (t Target) Validate() error {
	if t.WidthMM <= 0 || t.HeightMM <= 0 || t.DPI <= 0 {
		return fmt.Errorf("invalid target %gx%gmm@%d", t.WidthMM, t.HeightMM, t.DPI)
	}
	return nil
}

// Padding is added around detected content: max(Min, Fraction*extent).
type Padding struct {
	Min      float64 `json:"min"`
	Fraction float64 `json:"fraction"`
}

func (p Padding) For(extent float64) float64 {
	return math.Max(p.Min, extent*p.Fraction)
}

var (
	// Wide padding keeps the barcode quiet zone on carriers that print close
	// to the label edge.
	widePadding     = Padding{Min: 15, Fraction: 0.03}
	standardPadding = Padding{Min: 10, Fraction: 0.02}
)

// Profile is a marketplace's label target and detection padding.
type Profile struct {
	Marketplace Marketplace `json:"marketplace"`
	Code        string      `json:"code"`
	Title       string      `json:"title"`
	Note        string      `json:"note"`
	Target      Target      `json:"target"`
	Padding     Padding     `json:"padding"`
}

var profiles = map[Marketplace]Profile{
	Flipkart: {
		Marketplace: Flipkart,
		Code:        "A",
		Title:       "Flipkart Label Crop",
		Note:        "Optimized 100×148 mm layout with generous padding for barcodes.",
		Target:      Target{WidthMM: 100, HeightMM: 148, DPI: ExportDPI},
		Padding:     widePadding,
	},
	Meesho: {
		Marketplace: Meesho,
		Code:        "B",
		Title:       "Meesho Label Crop",
		Note:        "Tuned for 100×150 mm tickets with tighter aspect tolerance.",
		Target:      Target{WidthMM: 100, HeightMM: 150, DPI: ExportDPI},
		Padding:     standardPadding,
	},
	Amazon: {
		Marketplace: Amazon,
		Code:        "C",
		Title:       "Amazon Label Crop",
		Note:        "Sized at 102×152 mm with extra bleed for FNSKU clarity.",
		Target:      Target{WidthMM: 102, HeightMM: 152, DPI: ExportDPI},
		Padding:     standardPadding,
	},
	Myntra: {
		Marketplace: Myntra,
		Code:        "D",
		Title:       "Myntra Label Crop",
		Note:        "Standard 100×152 mm format for thermal printing.",
		Target:      Target{WidthMM: 100, HeightMM: 152, DPI: ExportDPI},
		Padding:     standardPadding,
	},
	Snapdeal: {
		Marketplace: Snapdeal,
		Code:        "E",
		Title:       "Snapdeal Label Crop",
		Note:        "A6 sized 105×148 mm layout for standard shipping labels.",
		Target:      Target{WidthMM: 105, HeightMM: 148, DPI: ExportDPI},
		Padding:     standardPadding,
	},
}

// Lookup accepts a marketplace name or its profile code, case-insensitively.
func Lookup(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := profiles[Marketplace(key)]; ok {
		return p, nil
	}
	for _, p := range profiles {
		if strings.EqualFold(p.Code, key) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("unknown marketplace %q", name)
}

// MustLookup is Lookup for names known to be valid. It panics otherwise.
func MustLookup(name string) Profile {
	p, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return p
}

// All returns every profile ordered by code.
func All() []Profile {
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
