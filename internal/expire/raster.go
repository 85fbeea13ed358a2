package expire

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/tilefeeder/osm2pg/internal/reproject"
)

// tilePoint is a fractional tile-space coordinate.
type tilePoint struct{ x, y float64 }

// toTile maps a target-SRS point to fractional tile coordinates at maxZoom,
// through the Set's Reprojector (a nil Reprojector takes p as EPSG:3857).
func (s *Set) toTile(p orb.Point) (tilePoint, error) {
	merc := reproject.Point{X: p[0], Y: p[1]}
	if s.r != nil {
		var err error
		if merc, err = s.r.TargetToTile(merc); err != nil {
			return tilePoint{}, err
		}
	}
	x, y, err := reproject.MercatorToTile(merc, int(s.maxZoom))
	if err != nil {
		return tilePoint{}, err
	}
	return tilePoint{x: x, y: y}, nil
}

// FromPoint expires every tile within buffer tiles of p's fractional tile
// position (§4.3's from_point). p is in the target SRS; toTile maps it to
// tile space.
func (s *Set) FromPoint(p orb.Point, buffer float64) error {
	count := 0
	return s.fromPoint(p, buffer, &count)
}

func (s *Set) fromPoint(p orb.Point, buffer float64, count *int) error {
	tp, err := s.toTile(p)
	if err != nil {
		return err
	}
	s.expireBox(tp.x-buffer, tp.y-buffer, tp.x+buffer, tp.y+buffer, count)
	return nil
}

// expireBox expires every integer tile intersecting the fractional tile-space
// box [x0,x1] x [y0,y1], clamping y to the valid range and wrapping x.
func (s *Set) expireBox(x0, y0, x1, y1 float64, count *int) {
	yMin := int64(math.Floor(y0))
	yMax := int64(math.Floor(y1))
	if yMin < 0 {
		yMin = 0
	}
	if yMax >= s.mapWidth {
		yMax = s.mapWidth - 1
	}
	for x := int64(math.Floor(x0)); x <= int64(math.Floor(x1)); x++ {
		for y := yMin; y <= yMax; y++ {
			s.expireTile(x, y, count)
		}
	}
}

// FromLineSegment rasters the segment a-b by stepping in lineStepFraction
// tile-width increments, expiring the padded bounding box of each
// sub-segment (§4.3). Segments spanning more than half the map width are
// treated as crossing the antimeridian.
func (s *Set) FromLineSegment(a, b orb.Point, buffer float64) error {
	count := 0
	return s.fromLineSegment(a, b, buffer, &count)
}

func (s *Set) fromLineSegment(a, b orb.Point, buffer float64, count *int) error {
	ta, err := s.toTile(a)
	if err != nil {
		return err
	}
	tb, err := s.toTile(b)
	if err != nil {
		return err
	}

	half := float64(s.mapWidth) / 2
	if math.Abs(tb.x-ta.x) > half {
		if tb.x > ta.x {
			tb.x -= float64(s.mapWidth)
		} else {
			tb.x += float64(s.mapWidth)
		}
	}

	dx, dy := tb.x-ta.x, tb.y-ta.y
	length := math.Hypot(dx, dy)

	if length == 0 {
		s.expireBox(ta.x-buffer, ta.y-buffer, ta.x+buffer, ta.y+buffer, count)
		return nil
	}

	steps := int(math.Ceil(length / lineStepFraction))
	if steps < 1 {
		steps = 1
	}

	prevX, prevY := ta.x, ta.y
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		curX := ta.x + dx*frac
		curY := ta.y + dy*frac

		x0, x1 := prevX, curX
		if x0 > x1 {
			x0, x1 = x1, x0
		}
		y0, y1 := prevY, curY
		if y0 > y1 {
			y0, y1 = y1, y0
		}
		s.expireBox(x0-buffer, y0-buffer, x1+buffer, y1+buffer, count)

		prevX, prevY = curX, curY
	}
	return nil
}

// FromLineString applies FromLineSegment to each consecutive pair of points,
// sharing one per-geometry tile-count cap across every segment.
func (s *Set) FromLineString(ls orb.LineString, buffer float64) error {
	count := 0
	return s.fromLineString(ls, buffer, &count)
}

func (s *Set) fromLineString(ls orb.LineString, buffer float64, count *int) error {
	for i := 1; i < len(ls); i++ {
		if err := s.fromLineSegment(ls[i-1], ls[i], buffer, count); err != nil {
			return err
		}
	}
	return nil
}

// FromPolygonBoundary expires tiles along the outer ring and every inner
// ring of poly, sharing one per-geometry tile-count cap across every ring.
func (s *Set) FromPolygonBoundary(poly orb.Polygon, buffer float64) error {
	count := 0
	return s.fromPolygonBoundary(poly, buffer, &count)
}

func (s *Set) fromPolygonBoundary(poly orb.Polygon, buffer float64, count *int) error {
	for _, ring := range poly {
		if err := s.fromLineString(orb.LineString(ring), buffer, count); err != nil {
			return err
		}
	}
	return nil
}

// buildTileXList finds, for a given integer tile row tileY, the fractional
// tile-x positions where ring crosses that row — the scanline
// boundary-intersection step of §4.3's from_polygon_area.
func (s *Set) buildTileXList(ring []orb.Point, tileY float64) ([]float64, error) {
	var xs []float64
	for i := 1; i < len(ring); i++ {
		t1, err := s.toTile(ring[i])
		if err != nil {
			return nil, err
		}
		t2, err := s.toTile(ring[i-1])
		if err != nil {
			return nil, err
		}
		if (t1.y < tileY) != (t2.y < tileY) {
			pos := (tileY - t1.y) / (t2.y - t1.y) * (t2.x - t1.x)
			x := t1.x + pos
			if x < 0 {
				x = 0
			}
			if max := float64(s.mapWidth - 1); x > max {
				x = max
			}
			xs = append(xs, x)
		}
	}
	return xs, nil
}

// FromPolygonArea fills the polygon's interior by scanline: for each
// integer tile row, intersect the boundary with that row, sort the
// crossing x coordinates, and fill every tile strictly between consecutive
// pairs (§4.3).
func (s *Set) FromPolygonArea(poly orb.Polygon) error {
	count := 0
	return s.fromPolygonArea(poly, &count)
}

func (s *Set) fromPolygonArea(poly orb.Polygon, count *int) error {
	box, err := s.envelopeTile(poly)
	if err != nil {
		return err
	}

	for tileY := box.minY; tileY < box.maxY; tileY++ {
		var xs []float64
		outerXs, err := s.buildTileXList([]orb.Point(poly[0]), float64(tileY))
		if err != nil {
			return err
		}
		xs = append(xs, outerXs...)
		for _, inner := range poly[1:] {
			innerXs, err := s.buildTileXList([]orb.Point(inner), float64(tileY))
			if err != nil {
				return err
			}
			xs = append(xs, innerXs...)
		}

		sort.Float64s(xs)

		for i := 0; i+1 < len(xs); i += 2 {
			x0 := int64(math.Ceil(xs[i]))
			x1 := int64(xs[i+1])
			if x1 <= x0 {
				continue
			}
			for tx := x0; tx < x1; tx++ {
				s.expireTile(tx, tileY, count)
			}
		}
	}
	return nil
}

type tileBox struct {
	minY, maxY int64
}

// envelopeTile returns the tile-row range [minY, maxY) a polygon's bounding
// box spans in tile space, projecting the outer ring's envelope corners.
func (s *Set) envelopeTile(poly orb.Polygon) (tileBox, error) {
	bound := orb.Polygon(poly).Bound()
	min, err := s.toTile(bound.Min)
	if err != nil {
		return tileBox{}, err
	}
	max, err := s.toTile(bound.Max)
	if err != nil {
		return tileBox{}, err
	}
	// Tile y grows downward while the bound's Max has the greater (northern)
	// latitude/Y, so the minimum tile row comes from bound.Max and vice versa.
	minY, maxY := int64(math.Floor(max.y)), int64(math.Ceil(min.y))
	if minY < 0 {
		minY = 0
	}
	if maxY >= s.mapWidth {
		maxY = s.mapWidth - 1
	}
	return tileBox{minY: minY, maxY: maxY + 1}, nil
}

// FromGeometry dispatches on g's concrete type, choosing full-area vs
// boundary-only mode per Config, and skipping the interior pass when the
// boundary pass only touched a single tile (§4.3's from_geometry). The
// per-geometry tile-count cap is shared across every part of g — every
// point of a MultiPoint, every ring of a Polygon, every member of a
// Collection — rather than reset per sub-call, so the cap bounds the whole
// geometry as §7's resource-exhaustion guard requires.
func (s *Set) FromGeometry(g orb.Geometry, cfg Config) error {
	count := 0
	return s.fromGeometry(g, cfg, &count)
}

func (s *Set) fromGeometry(g orb.Geometry, cfg Config, count *int) error {
	buffer := cfg.BufferTiles
	if buffer == 0 {
		buffer = DefaultBuffer
	}

	switch v := g.(type) {
	case orb.Point:
		return s.fromPoint(v, buffer, count)
	case orb.MultiPoint:
		for _, p := range v {
			if err := s.fromPoint(p, buffer, count); err != nil {
				return err
			}
		}
		return nil
	case orb.LineString:
		return s.fromLineString(v, buffer, count)
	case orb.MultiLineString:
		for _, ls := range v {
			if err := s.fromLineString(ls, buffer, count); err != nil {
				return err
			}
		}
		return nil
	case orb.Polygon:
		return s.fromPolygon(v, cfg, buffer, count)
	case orb.MultiPolygon:
		for _, poly := range v {
			if err := s.fromPolygon(poly, cfg, buffer, count); err != nil {
				return err
			}
		}
		return nil
	case orb.Collection:
		for _, sub := range v {
			if err := s.fromGeometry(sub, cfg, count); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (s *Set) fromPolygon(poly orb.Polygon, cfg Config, buffer float64, count *int) error {
	mode := cfg.Mode
	if mode == ModeHybrid {
		rBound := projectedBound(s, poly)
		if rBound.width > cfg.FullAreaLimit || rBound.height > cfg.FullAreaLimit {
			mode = ModeBoundaryOnly
		} else if cfg.MaxBBoxSideM > 0 && exceedsMetresSide(poly, cfg.MaxBBoxSideM) {
			// FullAreaLimit is in tile units at MaxZoom, so it gets looser
			// at lower zoom. MaxBBoxSideM is a zoom-independent backstop:
			// a polygon spanning a continent shouldn't get a full interior
			// fill just because it's being expired at a coarse zoom.
			mode = ModeBoundaryOnly
		} else {
			mode = ModeFullArea
		}
	}

	// Rasterise the boundary into a scratch Set first, rather than
	// diffing s.Len() before/after: s's dirty set is shared across every
	// geometry in the run, so tiles this polygon's boundary touches may
	// already be dirty from an earlier geometry, and a before/after diff
	// would then under-count how many distinct tiles this polygon's own
	// boundary actually spans.
	tmp := s.Clone()
	if err := tmp.fromPolygonBoundary(poly, buffer, count); err != nil {
		return err
	}
	touched := tmp.Len()
	s.Merge(tmp)

	if mode == ModeBoundaryOnly {
		return nil
	}
	// A single touched tile means the whole polygon fits inside it; the
	// interior pass would add nothing.
	if touched <= 1 {
		return nil
	}
	return s.fromPolygonArea(poly, count)
}

type tileSpaceBound struct{ width, height float64 }

// projectedBound computes the polygon's bounding-box extent in tile-space
// units, used for the hybrid mode's full_area_limit comparison.
func projectedBound(s *Set, poly orb.Polygon) tileSpaceBound {
	bound := orb.Polygon(poly).Bound()
	min, err1 := s.toTile(bound.Min)
	max, err2 := s.toTile(bound.Max)
	if err1 != nil || err2 != nil {
		return tileSpaceBound{}
	}
	return tileSpaceBound{
		width:  math.Abs(max.x - min.x),
		height: math.Abs(max.y - min.y),
	}
}

// exceedsMetresSide reports whether poly's bounding box, which arrives in
// Web Mercator metres (the same projected space toTile consumes), has a
// side longer than maxSideM.
func exceedsMetresSide(poly orb.Polygon, maxSideM float64) bool {
	bound := orb.Polygon(poly).Bound()
	widthM := math.Abs(bound.Max[0] - bound.Min[0])
	heightM := math.Abs(bound.Max[1] - bound.Min[1])
	return widthM > maxSideM || heightM > maxSideM
}
