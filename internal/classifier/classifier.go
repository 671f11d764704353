// Package classifier talks to the remote waste classification service.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/wastesense/internal/verifier"
)

// ErrService marks failures of the remote service: unreachable, non-success
// status, or a malformed answer.
var ErrService = errors.New("classification service error")

// Prediction is the classifier's answer for one image.
type Prediction struct {
	WasteType            verifier.WasteCategory `json:"waste_type"`
	Confidence           float64                `json:"confidence"`
	ODPUnits             float64                `json:"odp_units"`
	OzoneProtectionScore float64                `json:"ozone_protection_score"`
	CO2Kg                float64                `json:"co2_kg,omitempty"`
	Toxicity             float64                `json:"toxicity,omitempty"`
	Action               string                 `json:"action"`
	Value                *string                `json:"value"`
}

// Client exposes the subset of the classification service used by a scan.
type Client interface {
	Classify(ctx context.Context, image []byte, filename string) (*Prediction, error)
}

// Validate checks the fields the scan flow depends on.
func (p *Prediction) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: empty prediction", ErrService)
	}
	if p.WasteType == "" {
		return fmt.Errorf("%w: prediction without waste_type", ErrService)
	}
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrService, p.Confidence)
	}
	return nil
}

// Impact is the environmental profile of a category.
type Impact struct {
	ODPUnits             float64
	CO2Kg                float64
	Toxicity             float64
	Action               string
	Value                string
	OzoneProtectionScore float64
}

var impacts = map[verifier.WasteCategory]Impact{
	verifier.Battery: {ODPUnits: 0.002, CO2Kg: 0.8, Toxicity: 8, Action: "Drop at CECB Hazard Kiosk", Value: "₹45 cobalt", OzoneProtectionScore: 99.8},
	verifier.Plastic: {ODPUnits: 0.0005, CO2Kg: 3.5, Toxicity: 5, Action: "Recycle at Plastic Collection Point", Value: "₹12 plastic pellets", OzoneProtectionScore: 99.95},
	verifier.EWaste:  {ODPUnits: 0.001, CO2Kg: 1.2, Toxicity: 7, Action: "Hand over to E-Waste Recycler", Value: "₹80 copper/gold", OzoneProtectionScore: 99.9},
	verifier.Organic: {ODPUnits: 0.0001, CO2Kg: 0.3, Toxicity: 2, Action: "Compost or Biogas Unit", Value: "Free compost", OzoneProtectionScore: 99.99},
	verifier.Metal:   {ODPUnits: 0.0002, CO2Kg: 0.9, Toxicity: 4, Action: "Metal Scrap Vendor", Value: "₹30 scrap metal", OzoneProtectionScore: 99.98},
	verifier.Glass:   {ODPUnits: 0.0001, CO2Kg: 0.5, Toxicity: 3, Action: "Glass Recycling Center", Value: "₹15 glass cullet", OzoneProtectionScore: 99.99},
}

// ImpactFor returns the reference impact of category; unknown categories get
// a zero impact with action "Unknown".
func ImpactFor(category verifier.WasteCategory) Impact {
	if impact, ok := impacts[category]; ok {
		return impact
	}
	return Impact{Action: "Unknown", Value: "0"}
}

// FillImpact completes impact fields the service left empty.
func (p *Prediction) FillImpact() {
	impact := ImpactFor(p.WasteType)
	if p.Action == "" {
		p.Action = impact.Action
	}
	if p.Value == nil && impact.Value != "" {
		value := impact.Value
		p.Value = &value
	}
	if p.ODPUnits == 0 {
		p.ODPUnits = impact.ODPUnits
	}
	if p.OzoneProtectionScore == 0 {
		p.OzoneProtectionScore = impact.OzoneProtectionScore
	}
	if p.CO2Kg == 0 {
		p.CO2Kg = impact.CO2Kg
	}
	if p.Toxicity == 0 {
		p.Toxicity = impact.Toxicity
	}
}
