package geom

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/tilefeeder/osm2pg/internal/osm"
)

// endpointEpsilon is the tolerance used to decide whether two way endpoints
// denote "the same location" for ring assembly.
//
// §9's open question on this leaves the equality predicate unresolved
// deliberately; this repository resolves it as epsilon rather than bitwise
// equality (see DESIGN.md), because coordinates that started out identical
// in OSM (shared node id) can pick up ULP-level differences once they pass
// through a reprojection step, and a bitwise check would silently fail to
// close rings that are geometrically closed.
const endpointEpsilon = 1e-7

func endpointsEqual(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) <= endpointEpsilon && math.Abs(a[1]-b[1]) <= endpointEpsilon
}

// chain is a partially-assembled ring: an open or closed polyline built by
// merging way segments that share endpoints.
type chain struct {
	points []orb.Point
	closed bool
}

func (c *chain) first() orb.Point { return c.points[0] }
func (c *chain) last() orb.Point  { return c.points[len(c.points)-1] }

// reversed returns a copy of c's points in reverse order.
func reversed(points []orb.Point) []orb.Point {
	out := make([]orb.Point, len(points))
	for i, p := range points {
		out[len(points)-1-i] = p
	}
	return out
}

// assembleRings merges a set of open way segments into closed rings by
// repeatedly joining chains that share an endpoint, per §4.2(ii)-(iii). Any
// segment that never closes into a ring is dropped (recoverable per §7:
// the resulting multipolygon is just missing that ring).
func assembleRings(segments [][]orb.Point) []orb.Ring {
	var chains []*chain
	for _, seg := range segments {
		if len(seg) < 2 {
			continue
		}
		c := &chain{points: append([]orb.Point(nil), seg...)}
		if endpointsEqual(c.first(), c.last()) {
			c.closed = true
		}
		chains = append(chains, c)
	}

	var rings []orb.Ring

	for len(chains) > 0 {
		cur := chains[0]
		chains = chains[1:]

		if cur.closed {
			if validRing(cur.points) {
				rings = append(rings, orb.Ring(cur.points))
			}
			continue
		}

		merged := false
		for i, other := range chains {
			switch {
			case endpointsEqual(cur.last(), other.first()):
				cur.points = append(cur.points, other.points[1:]...)
			case endpointsEqual(cur.last(), other.last()):
				cur.points = append(cur.points, reversed(other.points)[1:]...)
			case endpointsEqual(cur.first(), other.last()):
				cur.points = append(append([]orb.Point(nil), other.points...), cur.points[1:]...)
			case endpointsEqual(cur.first(), other.first()):
				cur.points = append(reversed(other.points), cur.points[1:]...)
			default:
				continue
			}
			chains = append(chains[:i:i], chains[i+1:]...)
			merged = true
			break
		}

		if endpointsEqual(cur.first(), cur.last()) {
			cur.closed = true
		}

		if merged || cur.closed {
			chains = append([]*chain{cur}, chains...)
		}
		// else: segment has no matching partner left; it is dropped —
		// an incomplete multipolygon ring, recoverable per §7.
		if !merged && !cur.closed {
			continue
		}
	}

	return rings
}

// pointInRing is a standard ray-casting point-in-polygon test, used only to
// determine ring nesting depth during outer/inner classification.
func pointInRing(p orb.Point, ring orb.Ring) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi[1] > p[1]) != (pj[1] > p[1]) {
			x := pj[0] + (p[1]-pj[1])*(pi[0]-pj[0])/(pi[1]-pj[1])
			if p[0] < x {
				inside = !inside
			}
		}
	}
	return inside
}

type ringInfo struct {
	ring  orb.Ring
	area  float64
	depth int
	// parent indexes into the same ringInfo slice; -1 if no enclosing ring.
	parent int
}

// classifyRings assigns a nesting depth to each ring by counting how many
// larger rings contain it (§4.2(iv)): even depth is an outer ring, odd is
// inner. Each inner ring is attached to its nearest enclosing outer ring.
func classifyRings(rings []orb.Ring) []ringInfo {
	infos := make([]ringInfo, len(rings))
	for i, r := range rings {
		infos[i] = ringInfo{ring: r, area: math.Abs(signedArea(r)), parent: -1}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].area > infos[j].area })

	for i := range infos {
		depth := 0
		parent := -1
		for j := 0; j < i; j++ {
			if pointInRing(infos[i].ring[0], infos[j].ring) {
				depth++
				parent = j
			}
		}
		infos[i].depth = depth
		infos[i].parent = parent
	}
	return infos
}

// MultipolygonFromRelation assembles a multipolygon from the closed ways and
// boundary/member-tagged roles in a relation, per §4.2(i)-(vi).
func (b *Builder) MultipolygonFromRelation(rel *osm.Relation, ways map[int64]*osm.Way, lookup LocationLookup) orb.Geometry {
	var segments [][]orb.Point
	for _, m := range rel.Members {
		if m.Type != osm.TypeWay {
			continue
		}
		if m.Role != "" && m.Role != "outer" && m.Role != "inner" {
			continue
		}
		w, ok := ways[m.Ref]
		if !ok {
			continue
		}
		points := b.resolvedPoints(w.Nodes, lookup)
		if len(points) < 2 {
			continue
		}
		segments = append(segments, points)
	}

	rings := assembleRings(segments)
	if len(rings) == 0 {
		return nil
	}

	infos := classifyRings(rings)

	var polys orb.MultiPolygon
	outerIdx := make(map[int]int) // info index -> polygon index
	for i, info := range infos {
		if info.depth%2 != 0 {
			continue
		}
		outerIdx[i] = len(polys)
		polys = append(polys, orb.Polygon{closeRing(append([]orb.Point(nil), info.ring...))})
	}
	for i, info := range infos {
		if info.depth%2 == 0 {
			continue
		}
		if info.parent < 0 {
			continue
		}
		polyIdx, ok := outerIdx[info.parent]
		if !ok {
			continue
		}
		polys[polyIdx] = append(polys[polyIdx], closeRing(append([]orb.Point(nil), info.ring...)))
	}

	if len(polys) == 0 {
		return nil
	}
	return polys
}
