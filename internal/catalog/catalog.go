// Package catalog supplies the bin list active for a session: a fixed campus
// catalog or a synthetic one placed around the user's live position.
package catalog

import (
	"fmt"
	"strings"

	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/verifier"
)

// Mode selects which catalog and map view are active.
type Mode string

const (
	ModeCampus Mode = "campus"
	ModeGlobal Mode = "global"
)

// ParseMode accepts "campus"/"demo" and "global", case-insensitively.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "campus", "demo":
		return ModeCampus, nil
	case "global":
		return ModeGlobal, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", geo.ErrInvalidInput, raw)
	}
}

// Toggle flips between campus and global.
func (m Mode) Toggle() Mode {
	if m == ModeGlobal {
		return ModeCampus
	}
	return ModeGlobal
}

// Label is the human readable name of the mode.
func (m Mode) Label() string {
	if m == ModeGlobal {
		return "Global"
	}
	return "Campus (Kalinga University)"
}

// View is the map framing for a mode.
type View struct {
	Center geo.Position `json:"center"`
	Zoom   int          `json:"zoom"`
}

var campusBins = []verifier.Bin{
	{Name: "Organic Bin (Hostel Mess)", Type: verifier.Organic, Location: geo.Position{Latitude: 21.1645, Longitude: 81.7757}},
	{Name: "Plastic Bin (Canteen)", Type: verifier.Plastic, Location: geo.Position{Latitude: 21.1640, Longitude: 81.7758}},
	{Name: "Glass Bin (Library Gate)", Type: verifier.Glass, Location: geo.Position{Latitude: 21.1643, Longitude: 81.7753}},
	{Name: "Metal Bin (Admin Block)", Type: verifier.Metal, Location: geo.Position{Latitude: 21.1639, Longitude: 81.7754}},
	{Name: "E-Waste Bin (Computer Lab)", Type: verifier.EWaste, Location: geo.Position{Latitude: 21.1646, Longitude: 81.7752}},
	{Name: "Battery Bin (Parking)", Type: verifier.Battery, Location: geo.Position{Latitude: 21.1641, Longitude: 81.7760}},
}

type globalOffset struct {
	name       string
	category   verifier.WasteCategory
	dLat, dLng float64
}

// placeholder layout until a real bin registry exists
var globalOffsets = []globalOffset{
	{"Organic Bin", verifier.Organic, 0.002, 0.002},
	{"Plastic Bin", verifier.Plastic, -0.002, -0.002},
	{"E-Waste Bin", verifier.EWaste, 0.001, -0.001},
}

// Provider maps a mode (and, for global mode, the user position) to bins.
type Provider struct{}

// NewProvider returns the built-in provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Bins returns a fresh copy of the catalog active for mode. Global mode needs
// the user's position.
func (p *Provider) Bins(mode Mode, user *geo.Position) ([]verifier.Bin, error) {
	switch mode {
	case ModeCampus:
		out := make([]verifier.Bin, len(campusBins))
		copy(out, campusBins)
		return out, nil
	case ModeGlobal:
		if user == nil {
			return nil, fmt.Errorf("%w: global mode needs the user position", geo.ErrInvalidInput)
		}
		if err := user.Validate(); err != nil {
			return nil, err
		}
		out := make([]verifier.Bin, 0, len(globalOffsets))
		for _, o := range globalOffsets {
			out = append(out, verifier.Bin{
				Name:     o.name,
				Type:     o.category,
				Location: geo.Offset(*user, o.dLat, o.dLng),
			})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", geo.ErrInvalidInput, mode)
	}
}

// View returns the map framing for mode. Once the user is located the map
// recentres on them.
func (p *Provider) View(mode Mode, user *geo.Position) View {
	if user != nil {
		if mode == ModeGlobal {
			return View{Center: *user, Zoom: 13}
		}
		return View{Center: *user, Zoom: 17}
	}
	if mode == ModeGlobal {
		return View{Center: geo.Position{Latitude: 20.5937, Longitude: 78.9629}, Zoom: 5}
	}
	return View{Center: geo.Position{Latitude: 21.1642, Longitude: 81.7756}, Zoom: 17}
}
