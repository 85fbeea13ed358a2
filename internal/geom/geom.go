// Package geom assembles OSM node/way/relation references into geometry
// values (point, linestring, polygon, multipolygon), reprojecting through a
// reproject.Reprojector and applying the validity policy of §7: anything
// that would come out degenerate is dropped (returned as a nil geometry)
// rather than written.
//
// Geometry values are represented with github.com/paulmach/orb's plain data
// types (orb.Point, orb.LineString, orb.Polygon, orb.MultiPolygon, ...)
// rather than a bespoke struct tree — the same choice the rest of the
// ecosystem's OSM/GIS tooling makes (see MeKo-Christian-WaterColorMap and
// mumuon-tile-service in the retrieval pack), so downstream code that wants
// GeoJSON, WKT, or planar operations over these values isn't limited to
// what this package exposes.
package geom

import (
	"errors"
	"math"

	"github.com/paulmach/orb"

	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/reproject"
)

// ErrNoLocation is returned by PointFromNode when the node carries no valid
// location; callers drop the primitive rather than treating this as fatal.
var ErrNoLocation = errors.New("geom: node has no valid location")

// LocationLookup resolves a node id to its location, as the Middle does.
type LocationLookup interface {
	GetNode(id int64) (osm.Location, bool)
}

// Builder assembles geometries from OSM primitives, reprojecting every
// coordinate through r on the way in.
type Builder struct {
	r       reproject.Reprojector
	splitAt float64
}

// defaultSplitAt returns the §4.2 default: 1.0 target-SRS units for a
// lat/lon target, 100,000 (meters) otherwise.
func defaultSplitAt(r reproject.Reprojector) float64 {
	if r.TargetIsLatLon() {
		return 1.0
	}
	return 100000.0
}

// NewBuilder returns a Builder. splitAt <= 0 selects the §4.2 default for
// r's target SRS.
func NewBuilder(r reproject.Reprojector, splitAt float64) *Builder {
	if splitAt <= 0 {
		splitAt = defaultSplitAt(r)
	}
	return &Builder{r: r, splitAt: splitAt}
}

func (b *Builder) project(loc osm.Location) (orb.Point, bool) {
	if !loc.Valid {
		return orb.Point{}, false
	}
	p, err := b.r.TargetProject(loc.Lon, loc.Lat)
	if err != nil {
		return orb.Point{}, false
	}
	return orb.Point{p.X, p.Y}, true
}

// PointFromNode produces a point geometry, or nil if the location is
// invalid or fails to reproject.
func (b *Builder) PointFromNode(loc osm.Location) orb.Geometry {
	p, ok := b.project(loc)
	if !ok {
		return nil
	}
	return p
}

// resolvedPoints looks up and projects each node id in order, dropping
// invalid locations and consecutive duplicates.
func (b *Builder) resolvedPoints(nodeIDs []int64, lookup LocationLookup) []orb.Point {
	points := make([]orb.Point, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		loc, ok := lookup.GetNode(id)
		if !ok {
			continue
		}
		p, ok := b.project(loc)
		if !ok {
			continue
		}
		if n := len(points); n > 0 && points[n-1] == p {
			continue
		}
		points = append(points, p)
	}
	return points
}

func dist(a, b orb.Point) float64 {
	dx, dy := a[0]-b[0], a[1]-b[1]
	return math.Sqrt(dx*dx + dy*dy)
}

func interpolate(a, b orb.Point, frac float64) orb.Point {
	return orb.Point{
		a[0] + (b[0]-a[0])*frac,
		a[1] + (b[1]-a[1])*frac,
	}
}

// splitLine walks points accumulating Euclidean length and splits whenever
// adding the next segment would exceed splitAt, per §4.2.
func splitLine(points []orb.Point, splitAt float64) orb.MultiLineString {
	if len(points) < 2 {
		return nil
	}
	if splitAt <= 0 {
		return orb.MultiLineString{orb.LineString(points)}
	}

	var out orb.MultiLineString
	current := orb.LineString{points[0]}
	length := 0.0

	for i := 1; i < len(points); i++ {
		a, b := points[i-1], points[i]
		segLen := dist(a, b)
		for segLen > 0 && length+segLen > splitAt {
			remaining := splitAt - length
			frac := remaining / segLen
			split := interpolate(a, b, frac)
			current = append(current, split)
			out = append(out, current)
			current = orb.LineString{split}
			a = split
			segLen = dist(a, b)
			length = 0
		}
		current = append(current, b)
		length += segLen
	}
	if len(current) >= 2 {
		out = append(out, current)
	}
	return out
}

// LineFromWay resolves the way's node locations and splits by projected
// length, returning an empty multilinestring if fewer than two distinct
// points remain.
func (b *Builder) LineFromWay(w *osm.Way, lookup LocationLookup) orb.MultiLineString {
	points := b.resolvedPoints(w.Nodes, lookup)
	if len(points) < 2 {
		return nil
	}
	return splitLine(points, b.splitAt)
}

// signedArea computes twice the signed area of a closed ring via the
// shoelace formula; positive for counter-clockwise rings. Hand-rolled
// rather than taken from orb/planar: the validity policy needs the raw
// signed value (to detect zero-area degenerate rings), not just an
// orientation enum.
func signedArea(ring []orb.Point) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		a, b := ring[i], ring[i+1]
		sum += a[0]*b[1] - b[0]*a[1]
	}
	return sum
}

// closeRing appends a copy of the first point if the ring isn't already
// closed.
func closeRing(points []orb.Point) []orb.Point {
	if len(points) == 0 {
		return points
	}
	if points[0] != points[len(points)-1] {
		points = append(points, points[0])
	}
	return points
}

// validRing reports whether a closed ring has at least 4 points and
// non-zero area, per §4.2's validity policy.
func validRing(ring []orb.Point) bool {
	if len(ring) < 4 {
		return false
	}
	return math.Abs(signedArea(ring)) > 1e-12
}

// PolygonFromWay requires a closed way with >= 4 distinct nodes after
// dedup; returns nil otherwise.
func (b *Builder) PolygonFromWay(w *osm.Way, lookup LocationLookup) orb.Geometry {
	if !w.IsClosed() {
		return nil
	}
	points := b.resolvedPoints(w.Nodes, lookup)
	points = closeRing(points)
	if !validRing(points) {
		return nil
	}
	return orb.Polygon{orb.Ring(points)}
}

// MultiLineFromRelation yields one linestring per way member that resolves
// to at least two points, in member order — the relation analogue of
// LineFromWay.
func (b *Builder) MultiLineFromRelation(rel *osm.Relation, ways map[int64]*osm.Way, lookup LocationLookup) orb.Geometry {
	var out orb.MultiLineString
	for _, m := range rel.WayMembers() {
		w, ok := ways[m.Ref]
		if !ok {
			continue
		}
		points := b.resolvedPoints(w.Nodes, lookup)
		if len(points) < 2 {
			continue
		}
		out = append(out, orb.LineString(points))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
