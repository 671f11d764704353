package catalog

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/verifier"
)

const (
	dimensions  = 2
	minChildren = 2
	maxChildren = 8
	// point bins are indexed as tiny boxes
	tolerance = 1e-7
)

// NearbyBin is a bin annotated with its distance from a query point.
type NearbyBin struct {
	verifier.Bin
	DistanceMeters float64 `json:"distance_meters"`
}

type binItem struct {
	bin   verifier.Bin
	order int
	rect  rtreego.Rect
}

func (b *binItem) Bounds() rtreego.Rect {
	return b.rect
}

// Index is an R-tree over one catalog, used to list the bins around the user
// for the map. It is safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	tree *rtreego.Rtree
	size int
}

// NewIndex indexes bins. Bins with invalid locations are rejected.
func NewIndex(bins []verifier.Bin) (*Index, error) {
	idx := &Index{tree: rtreego.NewTree(dimensions, minChildren, maxChildren)}
	for i, bin := range bins {
		if err := bin.Location.Validate(); err != nil {
			return nil, fmt.Errorf("bin %q: %w", bin.Name, err)
		}
		pt := rtreego.Point{bin.Location.Latitude, bin.Location.Longitude}
		idx.tree.Insert(&binItem{bin: bin, order: i, rect: pt.ToRect(tolerance)})
		idx.size++
	}
	return idx, nil
}

// Size reports the number of indexed bins.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}

// Within returns the bins whose haversine distance from center is at most
// radiusMeters, closest first. Ties keep catalog order.
func (x *Index) Within(center geo.Position, radiusMeters float64) ([]NearbyBin, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil, fmt.Errorf("%w: radius %v", geo.ErrInvalidInput, radiusMeters)
	}

	dLat := radiusMeters / geo.EarthRadiusMeters * 180 / math.Pi
	dLng := 360.0
	if c := math.Cos(center.Latitude * math.Pi / 180); c > 1e-9 {
		dLng = math.Min(dLat/c, 360)
	}
	dLat = math.Max(dLat, tolerance)
	dLng = math.Max(dLng, tolerance)

	var hits []rtreego.Spatial
	x.mu.RLock()
	for _, span := range longitudeSpans(center.Longitude, dLng) {
		bounds, err := rtreego.NewRect(
			rtreego.Point{center.Latitude - dLat, span[0]},
			[]float64{2 * dLat, math.Max(span[1]-span[0], tolerance)},
		)
		if err != nil {
			x.mu.RUnlock()
			return nil, fmt.Errorf("invalid radius search: %w", err)
		}
		hits = append(hits, x.tree.SearchIntersect(bounds)...)
	}
	x.mu.RUnlock()

	seen := make(map[*binItem]bool, len(hits))
	items := make([]*binItem, 0, len(hits))
	for _, hit := range hits {
		item, ok := hit.(*binItem)
		if !ok || seen[item] {
			continue
		}
		seen[item] = true
		if geo.Distance(center, item.bin.Location) <= radiusMeters {
			items = append(items, item)
		}
	}
	return rank(center, items), nil
}

// longitudeSpans covers lng±dLng as one or two [min, max] ranges, splitting
// where the window crosses the antimeridian.
func longitudeSpans(lng, dLng float64) [][2]float64 {
	if dLng >= 180 {
		return [][2]float64{{-180, 180}}
	}
	lo, hi := lng-dLng, lng+dLng
	switch {
	case lo < -180:
		return [][2]float64{{lo + 360, 180}, {-180, hi}}
	case hi > 180:
		return [][2]float64{{lo, 180}, {-180, hi - 360}}
	default:
		return [][2]float64{{lo, hi}}
	}
}

// Nearest returns up to k bins closest to center.
func (x *Index) Nearest(center geo.Position, k int) ([]NearbyBin, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []NearbyBin{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.size == 0 {
		return []NearbyBin{}, nil
	}
	// the tree ranks by planar degree distance, so over-fetch and re-rank on
	// the sphere
	fetch := k * 2
	if fetch > x.size {
		fetch = x.size
	}
	hits := x.tree.NearestNeighbors(fetch, rtreego.Point{center.Latitude, center.Longitude})

	items := make([]*binItem, 0, len(hits))
	for _, hit := range hits {
		if item, ok := hit.(*binItem); ok {
			items = append(items, item)
		}
	}
	ranked := rank(center, items)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

func rank(center geo.Position, items []*binItem) []NearbyBin {
	sort.SliceStable(items, func(i, j int) bool {
		di := geo.Distance(center, items[i].bin.Location)
		dj := geo.Distance(center, items[j].bin.Location)
		if di != dj {
			return di < dj
		}
		return items[i].order < items[j].order
	})
	out := make([]NearbyBin, 0, len(items))
	for _, item := range items {
		out = append(out, NearbyBin{Bin: item.bin, DistanceMeters: geo.Distance(center, item.bin.Location)})
	}
	return out
}
