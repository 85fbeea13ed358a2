// Package expire implements the tile-expiry engine of §4.3: a quadkey-indexed
// set of dirty tiles at a fixed max zoom, rasterised from geometries, rolled
// up across zoom levels, merged across outputs, and emitted sorted.
package expire

import (
	"sort"

	"github.com/tilefeeder/osm2pg/internal/quadkey"
	"github.com/tilefeeder/osm2pg/internal/reproject"
)

// Mode selects how a polygon's interior is expired.
type Mode int

const (
	// ModeBoundaryOnly expires only tiles the outline touches.
	ModeBoundaryOnly Mode = iota
	// ModeFullArea additionally fills the polygon's interior.
	ModeFullArea
	// ModeHybrid picks ModeBoundaryOnly or ModeFullArea per-geometry based
	// on Config.FullAreaLimit.
	ModeHybrid
)

// Config parameterises a Set's rasterisation behaviour.
type Config struct {
	Mode          Mode
	FullAreaLimit float64 // bounding-box side (tile units) above which hybrid mode drops to boundary-only
	BufferTiles   float64 // default expiry buffer, in tile units

	// MaxBBoxSideM is a zoom-independent hybrid cutoff, in Web Mercator
	// metres: a polygon whose bounding box exceeds it on either side drops
	// to ModeBoundaryOnly even if FullAreaLimit's tile-space check would
	// have allowed a full-area fill. Zero disables this check.
	MaxBBoxSideM float64
}

// DefaultBuffer is §4.3's default point/line buffer of 0.1 tile.
const DefaultBuffer = 0.1

// lineStepFraction is the 0.4-tile-width stepping increment §4.3 specifies
// for from_line_segment; changing it would desynchronise downstream tile
// caches that assume this exact raster granularity (see §9's design note).
const lineStepFraction = 0.4

// Set is an unordered set of quadkeys at a fixed MaxZoom, plus a MinZoom used
// only at emission time for zoom rollup.
type Set struct {
	r             reproject.Reprojector
	maxZoom       uint32
	minZoom       uint32
	maxPerGeom    int
	mapWidth      int64
	dirty         map[quadkey.Quadkey]struct{}
}

// NewSet constructs an expiry Set. maxTilesPerGeometry <= 0 disables the cap.
func NewSet(r reproject.Reprojector, minZoom, maxZoom uint32, maxTilesPerGeometry int) *Set {
	if maxTilesPerGeometry <= 0 {
		maxTilesPerGeometry = int(^uint(0) >> 1) // effectively unbounded
	}
	return &Set{
		r:          r,
		maxZoom:    maxZoom,
		minZoom:    minZoom,
		maxPerGeom: maxTilesPerGeometry,
		mapWidth:   int64(1) << maxZoom,
		dirty:      make(map[quadkey.Quadkey]struct{}),
	}
}

// Len reports how many quadkeys are currently dirty.
func (s *Set) Len() int { return len(s.dirty) }

// Clone returns a new, empty Set with the same Reprojector and zoom/cap
// configuration as s — for the stage-2 worker pool, where each worker needs
// its own dirty-tile accumulator that still rasterises against the same
// projection and budget (§5: "each worker gets a clone of the output").
func (s *Set) Clone() *Set {
	return NewSet(s.r, s.minZoom, s.maxZoom, s.maxPerGeom)
}

// normaliseX wraps a tile x index modulo map width, so that geometries
// crossing the antimeridian still land on valid tile indices (§4.3's
// "Normalisation").
func (s *Set) normaliseX(x int64) int64 {
	w := s.mapWidth
	x %= w
	if x < 0 {
		x += w
	}
	return x
}

// expireTile inserts quadkey(maxZoom, x, y), skipping once the geometry's
// per-call budget has been spent. FromGeometry resets geomCount to 0 once
// per top-level call and threads the same counter through every part of a
// multi-geometry or collection; Set.dirty itself has no cap, only
// ResourceExhausted-recoverable per-geometry guarding does (§7).
func (s *Set) expireTile(x, y int64, geomCount *int) {
	if *geomCount >= s.maxPerGeom {
		return
	}
	x = s.normaliseX(x)
	if y < 0 || y >= s.mapWidth {
		return
	}
	q := quadkey.Encode(quadkey.Tile{Zoom: s.maxZoom, X: uint32(x), Y: uint32(y)})
	if _, exists := s.dirty[q]; !exists {
		s.dirty[q] = struct{}{}
	}
	*geomCount++
}

// Merge unions other's quadkeys into s and empties other.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for q := range other.dirty {
		s.dirty[q] = struct{}{}
	}
	other.dirty = make(map[quadkey.Quadkey]struct{})
}

// GetTiles returns the sorted, deduplicated list of dirty quadkeys at
// MaxZoom.
func (s *Set) GetTiles() []quadkey.Quadkey {
	out := make([]quadkey.Quadkey, 0, len(s.dirty))
	for q := range s.dirty {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rollup expands a sorted list of max-zoom quadkeys into ancestors down to
// minZoom, suppressing adjacent duplicates at each zoom step. Returns
// tiles sorted by zoom ascending then quadkey ascending. Within one zoom
// this is not (x, y) order: a quadkey ranks y's bit above x's at each
// level. pipeline.Rollup re-sorts by (zoom, x, y) for the expiry file.
func Rollup(sorted []quadkey.Quadkey, minZoom, maxZoom uint32) []quadkey.Tile {
	if len(sorted) == 0 {
		return nil
	}
	if minZoom == maxZoom {
		out := make([]quadkey.Tile, len(sorted))
		for i, q := range sorted {
			out[i] = quadkey.Decode(q, maxZoom)
		}
		return out
	}

	byZoom := make([][]quadkey.Tile, maxZoom-minZoom+1)
	for dz := uint32(0); dz <= maxZoom-minZoom; dz++ {
		zoom := maxZoom - dz
		var lastAncestor quadkey.Quadkey
		hasLast := false
		for _, q := range sorted {
			anc := q.Ancestor(dz)
			if hasLast && anc == lastAncestor {
				continue
			}
			lastAncestor = anc
			hasLast = true
			byZoom[dz] = append(byZoom[dz], quadkey.Decode(anc, zoom))
		}
	}

	var out []quadkey.Tile
	for dz := int(maxZoom - minZoom); dz >= 0; dz-- {
		out = append(out, byZoom[dz]...)
	}
	return out
}
