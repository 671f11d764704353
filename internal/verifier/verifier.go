// Package verifier decides where a classified item belongs and flags bins the
// user is standing next to that would be the wrong place for it.
package verifier

import (
	"fmt"

	"github.com/example/wastesense/internal/geo"
)

// DefaultViolationRadiusMeters is the proximity at which a mismatched bin
// counts as a wrong-disposal event.
const DefaultViolationRadiusMeters = 30.0

// WasteCategory is the label produced by the classifier. Comparison is exact
// and case-sensitive.
type WasteCategory string

const (
	Organic WasteCategory = "Organic"
	Plastic WasteCategory = "Plastic"
	Glass   WasteCategory = "Glass"
	Metal   WasteCategory = "Metal"
	EWaste  WasteCategory = "E-Waste"
	Battery WasteCategory = "Battery"
)

// KnownCategories lists the labels the default model emits, in model order.
var KnownCategories = []WasteCategory{Battery, Plastic, EWaste, Organic, Metal, Glass}

// Bin is a disposal point.
type Bin struct {
	Name     string        `json:"name"`
	Type     WasteCategory `json:"type"`
	Location geo.Position  `json:"location"`
}

// Violation is a mismatched bin within the violation radius.
type Violation struct {
	Bin            Bin     `json:"bin"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Result is the outcome of a verification. Suggestion is nil when no bin in
// the catalog accepts the predicted category.
type Result struct {
	Suggestion *Bin        `json:"suggestion"`
	Violations []Violation `json:"violations"`
}

// Config tunes the verifier.
type Config struct {
	ViolationRadiusMeters float64
}

// Verifier holds no mutable state and may be shared between goroutines.
type Verifier struct {
	radius float64
}

// New builds a verifier. A non-positive radius falls back to the default.
func New(cfg Config) *Verifier {
	radius := cfg.ViolationRadiusMeters
	if radius <= 0 {
		radius = DefaultViolationRadiusMeters
	}
	return &Verifier{radius: radius}
}

// Radius returns the active violation radius in meters.
func (v *Verifier) Radius() float64 {
	return v.radius
}

// Verify returns the first bin accepting predicted (list order is the
// tie-break) and every bin closer than the violation radius whose type differs
// from predicted. An empty catalog is rejected with geo.ErrInvalidInput rather
// than reported as "no match", since it always means a misconfigured catalog.
func (v *Verifier) Verify(user geo.Position, predicted WasteCategory, bins []Bin) (Result, error) {
	if err := user.Validate(); err != nil {
		return Result{}, err
	}
	if predicted == "" {
		return Result{}, fmt.Errorf("%w: predicted category is empty", geo.ErrInvalidInput)
	}
	if len(bins) == 0 {
		return Result{}, fmt.Errorf("%w: bin catalog is empty", geo.ErrInvalidInput)
	}

	result := Result{Violations: []Violation{}}
	for i := range bins {
		bin := bins[i]
		if result.Suggestion == nil && bin.Type == predicted {
			suggestion := bin
			result.Suggestion = &suggestion
		}
		if bin.Type == predicted {
			continue
		}
		if d := geo.Distance(user, bin.Location); d < v.radius {
			result.Violations = append(result.Violations, Violation{Bin: bin, DistanceMeters: d})
		}
	}
	return result, nil
}
