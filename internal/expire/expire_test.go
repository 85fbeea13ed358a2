package expire

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/tilefeeder/osm2pg/internal/quadkey"
	"github.com/tilefeeder/osm2pg/internal/reproject"
)

func tilesOf(t *testing.T, s *Set) map[quadkey.Tile]bool {
	t.Helper()
	out := make(map[quadkey.Tile]bool)
	for _, q := range s.GetTiles() {
		out[quadkey.Decode(q, s.maxZoom)] = true
	}
	return out
}

func TestFromPointOrigin(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 12, 0)
	if err := s.FromPoint(orb.Point{0, 0}, DefaultBuffer); err != nil {
		t.Fatal(err)
	}
	got := tilesOf(t, s)
	want := []quadkey.Tile{
		{Zoom: 12, X: 2047, Y: 2047},
		{Zoom: 12, X: 2048, Y: 2047},
		{Zoom: 12, X: 2047, Y: 2048},
		{Zoom: 12, X: 2048, Y: 2048},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d tiles, want %d: %v", len(got), len(want), got)
	}
	for _, tile := range want {
		if !got[tile] {
			t.Errorf("missing expected tile %v in %v", tile, got)
		}
	}
}

func TestFromPointOffset(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 12, 0)
	if err := s.FromPoint(orb.Point{5000, 5000}, 0); err != nil {
		t.Fatal(err)
	}
	got := tilesOf(t, s)
	if len(got) != 1 {
		t.Fatalf("got %d tiles, want 1: %v", len(got), got)
	}
	if !got[quadkey.Tile{Zoom: 12, X: 2048, Y: 2047}] {
		t.Errorf("expected tile (12,2048,2047), got %v", got)
	}
}

func TestMergeUnionsAndEmptiesSource(t *testing.T) {
	a := NewSet(reproject.NewWebMercator(), 0, 12, 0)
	b := NewSet(reproject.NewWebMercator(), 0, 12, 0)

	_ = a.FromPoint(orb.Point{0, 0}, 0)
	_ = b.FromPoint(orb.Point{5000, 5000}, 0)

	a.Merge(b)
	if a.Len() != 2 {
		t.Errorf("expected 2 tiles after merge, got %d", a.Len())
	}
	if b.Len() != 0 {
		t.Errorf("expected source set emptied after merge, got %d", b.Len())
	}
}

func TestMaxTilesPerGeometryCapsSingleCall(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 12, 2)
	count := 0
	s.expireBox(2040, 2040, 2050, 2050, &count)
	if count != 2 {
		t.Errorf("expected geometry counter capped at 2, got %d", count)
	}
	if s.Len() != 2 {
		t.Errorf("expected only 2 tiles inserted, got %d", s.Len())
	}
}

func TestRollupSameZoomReturnsDirect(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 12, 12, 0)
	_ = s.FromPoint(orb.Point{0, 0}, 0)
	tiles := Rollup(s.GetTiles(), 12, 12)
	if len(tiles) != len(s.GetTiles()) {
		t.Fatalf("expected one tile per input quadkey, got %d", len(tiles))
	}
}

func TestRollupSortsAscendingByZoomThenQuadkey(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 10, 12, 0)
	_ = s.FromPoint(orb.Point{0, 0}, 0)
	_ = s.FromPoint(orb.Point{5000, 5000}, 0)

	tiles := Rollup(s.GetTiles(), 10, 12)
	if len(tiles) == 0 {
		t.Fatal("expected a non-empty rollup")
	}
	for i := 1; i < len(tiles); i++ {
		if tiles[i].Zoom < tiles[i-1].Zoom {
			t.Fatalf("tiles not sorted ascending by zoom: %v before %v", tiles[i-1], tiles[i])
		}
		if tiles[i].Zoom == tiles[i-1].Zoom && quadkey.Encode(tiles[i]) <= quadkey.Encode(tiles[i-1]) {
			t.Fatalf("tiles not sorted ascending by quadkey within zoom %d: %v before %v", tiles[i].Zoom, tiles[i-1], tiles[i])
		}
	}
	// The lowest zoom in the rollup must be exactly minZoom and present.
	foundMin := false
	for _, tl := range tiles {
		if tl.Zoom == 10 {
			foundMin = true
		}
	}
	if !foundMin {
		t.Errorf("expected minZoom=10 tiles in rollup, got %v", tiles)
	}
}

func TestFromLineStringTouchesEndpoints(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 12, 0)
	ls := orb.LineString{{0, 0}, {5000, 5000}}
	if err := s.FromLineString(ls, 0); err != nil {
		t.Fatal(err)
	}
	got := tilesOf(t, s)
	if !got[quadkey.Tile{Zoom: 12, X: 2048, Y: 2047}] {
		t.Errorf("expected the line's endpoint tile to be dirty, got %v", got)
	}
}

func TestFromGeometryCapsSharedAcrossMultiPointParts(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 12, 2)
	mp := orb.MultiPoint{{0, 0}, {5000, 5000}, {-5000, -5000}, {9000, 9000}}
	cfg := Config{}
	if err := s.FromGeometry(mp, cfg); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Errorf("expected the per-geometry cap to bound the whole MultiPoint at 2 tiles, got %d", s.Len())
	}
}

func TestFromGeometryCapsSharedAcrossCollectionParts(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 12, 3)
	coll := orb.Collection{
		orb.Point{0, 0},
		orb.Point{5000, 5000},
		orb.Point{-5000, -5000},
		orb.Point{9000, 9000},
	}
	cfg := Config{}
	if err := s.FromGeometry(coll, cfg); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Errorf("expected the per-geometry cap to bound the whole Collection at 3 tiles, got %d", s.Len())
	}
}

func TestFromPolygonAreaFillsInterior(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 8, 0)
	// A large square spanning several zoom-8 tiles, well within map bounds.
	big := 5_000_000.0
	poly := orb.Polygon{
		orb.Ring{{-big, -big}, {big, -big}, {big, big}, {-big, big}, {-big, -big}},
	}
	cfg := Config{Mode: ModeFullArea}
	if err := s.FromGeometry(poly, cfg); err != nil {
		t.Fatal(err)
	}
	// Boundary alone would touch far fewer tiles than boundary + interior fill.
	boundaryOnly := NewSet(reproject.NewWebMercator(), 0, 8, 0)
	_ = boundaryOnly.FromPolygonBoundary(poly, DefaultBuffer)
	if s.Len() <= boundaryOnly.Len() {
		t.Errorf("expected full-area fill to touch more tiles than boundary alone: got %d vs %d", s.Len(), boundaryOnly.Len())
	}
}

// A second, larger polygon whose boundary tiles overlap a first polygon's
// already-dirty tiles must still get its interior filled: the
// touches-a-single-tile check has to measure this polygon's own boundary
// span, not how many NEW tiles it added to the shared dirty set.
func TestFromPolygonAreaFillsInteriorWhenBoundaryTilesAlreadyDirty(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 8, 0)
	small := orb.Polygon{
		orb.Ring{{-1000, -1000}, {1000, -1000}, {1000, 1000}, {-1000, 1000}, {-1000, -1000}},
	}
	if err := s.FromGeometry(small, Config{Mode: ModeFullArea}); err != nil {
		t.Fatal(err)
	}

	before := s.Len()
	big := 5_000_000.0
	large := orb.Polygon{
		orb.Ring{{-big, -big}, {big, -big}, {big, big}, {-big, big}, {-big, -big}},
	}
	if err := s.FromGeometry(large, Config{Mode: ModeFullArea}); err != nil {
		t.Fatal(err)
	}

	boundaryOnly := NewSet(reproject.NewWebMercator(), 0, 8, 0)
	_ = boundaryOnly.FromPolygonBoundary(large, DefaultBuffer)
	if s.Len()-before < boundaryOnly.Len() {
		t.Errorf("expected the large polygon's interior to be filled despite overlapping the small polygon's dirty tiles: added %d new tiles, boundary alone touches %d", s.Len()-before, boundaryOnly.Len())
	}
}

func TestFromGeometryHybridMaxBBoxSideMOverridesLooseFullAreaLimit(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 4, 0)
	// At zoom 4 this square's tile-space extent stays under a generous
	// FullAreaLimit, but its metres extent is still enormous.
	big := 8_000_000.0
	poly := orb.Polygon{
		orb.Ring{{-big, -big}, {big, -big}, {big, big}, {-big, big}, {-big, -big}},
	}
	cfg := Config{Mode: ModeHybrid, FullAreaLimit: 1000, MaxBBoxSideM: 1_000_000}
	if err := s.FromGeometry(poly, cfg); err != nil {
		t.Fatal(err)
	}

	boundaryOnly := NewSet(reproject.NewWebMercator(), 0, 4, 0)
	_ = boundaryOnly.FromPolygonBoundary(poly, DefaultBuffer)
	if s.Len() != boundaryOnly.Len() {
		t.Errorf("expected MaxBBoxSideM to force boundary-only despite a loose FullAreaLimit: got %d vs %d", s.Len(), boundaryOnly.Len())
	}
}

func TestFromGeometryHybridIgnoresMaxBBoxSideMWhenZero(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 4, 0)
	// Large enough to leave untouched interior tiles at zoom 4, small enough
	// in tile space to stay under FullAreaLimit.
	big := 5_000_000.0
	poly := orb.Polygon{
		orb.Ring{{-big, -big}, {big, -big}, {big, big}, {-big, big}, {-big, -big}},
	}
	cfg := Config{Mode: ModeHybrid, FullAreaLimit: 1000, MaxBBoxSideM: 0}
	if err := s.FromGeometry(poly, cfg); err != nil {
		t.Fatal(err)
	}

	boundaryOnly := NewSet(reproject.NewWebMercator(), 0, 4, 0)
	_ = boundaryOnly.FromPolygonBoundary(poly, DefaultBuffer)
	if s.Len() <= boundaryOnly.Len() {
		t.Errorf("expected a zero MaxBBoxSideM not to block the full-area fill: got %d vs %d", s.Len(), boundaryOnly.Len())
	}
}

func TestFromGeometryHybridDropsToBoundaryOnlyForLargePolygon(t *testing.T) {
	s := NewSet(reproject.NewWebMercator(), 0, 8, 0)
	big := 10_000_000.0
	poly := orb.Polygon{
		orb.Ring{{-big, -big}, {big, -big}, {big, big}, {-big, big}, {-big, -big}},
	}
	cfg := Config{Mode: ModeHybrid, FullAreaLimit: 1}
	if err := s.FromGeometry(poly, cfg); err != nil {
		t.Fatal(err)
	}

	boundaryOnly := NewSet(reproject.NewWebMercator(), 0, 8, 0)
	_ = boundaryOnly.FromPolygonBoundary(poly, DefaultBuffer)
	if s.Len() != boundaryOnly.Len() {
		t.Errorf("expected hybrid mode to fall back to boundary-only for an oversized polygon: got %d vs %d", s.Len(), boundaryOnly.Len())
	}
}
