package style

import (
	"testing"

	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/tagtransform"
)

func TestTransformDropsDeletedTags(t *testing.T) {
	entries := []Entry{
		{Types: Node | Way, Key: "source", Flags: map[Flag]bool{FlagDelete: true}},
		{Types: Node | Way, Key: "name", Flags: map[Flag]bool{}},
	}
	tr := NewTransform(entries, false)
	tags := osm.Tags{{Key: "name", Value: "Main St"}, {Key: "source", Value: "survey"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Tags.Get("source"); ok {
		t.Error("expected source to be dropped")
	}
	if v, ok := res.Tags.Get("name"); !ok || v != "Main St" {
		t.Error("expected name to survive")
	}
}

func TestTransformSetsPolygonFlag(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "building", Flags: map[Flag]bool{FlagPolygon: true}},
	}
	tr := NewTransform(entries, false)
	tags := osm.Tags{{Key: "building", Value: "yes"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Polygon {
		t.Error("expected building=yes to set the polygon bit")
	}
}

func TestTransformAreaNoOverridesPolygon(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "building", Flags: map[Flag]bool{FlagPolygon: true}},
	}
	tr := NewTransform(entries, false)
	tags := osm.Tags{{Key: "building", Value: "yes"}, {Key: "area", Value: "no"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if res.Polygon {
		t.Error("expected area=no to override the polygon flag")
	}
}

func TestTransformCoastlineForcesPolygonUnlessKept(t *testing.T) {
	tags := osm.Tags{{Key: "natural", Value: "coastline"}}

	tr := NewTransform(nil, false)
	res, _ := tr.Filter(tagtransform.PrimitiveWay, tags)
	if !res.Polygon {
		t.Error("expected natural=coastline to force the polygon bit")
	}

	kept := NewTransform(nil, true)
	res2, _ := kept.Filter(tagtransform.PrimitiveWay, tags)
	if res2.Polygon {
		t.Error("expected keep_coastlines to suppress the forced area=yes")
	}
}

func TestTransformZOrderAndRoads(t *testing.T) {
	tr := NewTransform(nil, false)
	tags := osm.Tags{
		{Key: "highway", Value: "primary"},
		{Key: "bridge", Value: "yes"},
		{Key: "layer", Value: "2"},
	}
	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	want := 37 + 100 + 200
	if res.ZOrder != want {
		t.Errorf("z_order = %d, want %d", res.ZOrder, want)
	}
}

func TestTransformRailwaySetsRoads(t *testing.T) {
	tr := NewTransform(nil, false)
	tags := osm.Tags{{Key: "railway", Value: "rail"}}
	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Roads {
		t.Error("expected a railway tag to set roads=true")
	}
}

func TestTransformMultipolygonSetsMakePolygon(t *testing.T) {
	tr := NewTransform(nil, false)
	tags := osm.Tags{{Key: "type", Value: "multipolygon"}, {Key: "building", Value: "yes"}}
	res, err := tr.Filter(tagtransform.PrimitiveRelation, tags)
	if err != nil {
		t.Fatal(err)
	}
	if !res.MakePolygon {
		t.Error("expected type=multipolygon to set MakePolygon")
	}
	if res.MakeBoundary {
		t.Error("expected a plain multipolygon to leave MakeBoundary unset")
	}
}

func TestTransformBoundaryAdministrativeSetsMakeBoundary(t *testing.T) {
	tr := NewTransform(nil, false)
	tags := osm.Tags{{Key: "type", Value: "multipolygon"}, {Key: "boundary", Value: "administrative"}}
	res, err := tr.Filter(tagtransform.PrimitiveRelation, tags)
	if err != nil {
		t.Fatal(err)
	}
	if !res.MakePolygon || !res.MakeBoundary {
		t.Error("expected boundary=administrative multipolygon to set both MakePolygon and MakeBoundary")
	}
}

func TestTransformHstoreNoneDropsUnmatchedTags(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "building", Flags: map[Flag]bool{}},
	}
	tr := NewTransform(entries, false)
	tags := osm.Tags{{Key: "building", Value: "yes"}, {Key: "source", Value: "survey"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hstore) != 0 {
		t.Errorf("expected no hstore tags in HstoreNone mode, got %v", res.Hstore)
	}
}

func TestTransformHstoreNormKeepsOnlyUnmatchedTags(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "building", Flags: map[Flag]bool{}},
	}
	tr := NewTransform(entries, false)
	tr.WithHstoreMode(HstoreNorm)
	tags := osm.Tags{{Key: "building", Value: "yes"}, {Key: "source", Value: "survey"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Hstore.Get("building"); ok {
		t.Error("expected a matched tag not to land in hstore under HstoreNorm")
	}
	if v, ok := res.Hstore.Get("source"); !ok || v != "survey" {
		t.Error("expected the unmatched tag to land in hstore under HstoreNorm")
	}
}

func TestTransformNoColumnTagFeedsHstoreUnderNormMode(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "ref", Flags: map[Flag]bool{FlagNoColumn: true}},
	}
	tr := NewTransform(entries, false)
	tr.WithHstoreMode(HstoreNorm)
	tags := osm.Tags{{Key: "ref", Value: "A1"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Tags.Get("ref"); ok {
		t.Error("expected a nocolumn tag not to land in the kept column tags")
	}
	if v, ok := res.Hstore.Get("ref"); !ok || v != "A1" {
		t.Error("expected a nocolumn tag to still feed hstore even though a style entry matched it")
	}
}

func TestTransformNoColumnTagSkipsHstoreUnderHstoreNone(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "ref", Flags: map[Flag]bool{FlagNoColumn: true}},
	}
	tr := NewTransform(entries, false)
	tags := osm.Tags{{Key: "ref", Value: "A1"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hstore) != 0 {
		t.Errorf("expected no hstore tags in HstoreNone mode even for a nocolumn entry, got %v", res.Hstore)
	}
}

func TestTransformHstoreAllKeepsEveryTag(t *testing.T) {
	entries := []Entry{
		{Types: Way, Key: "building", Flags: map[Flag]bool{}},
	}
	tr := NewTransform(entries, false)
	tr.WithHstoreMode(HstoreAll)
	tags := osm.Tags{{Key: "building", Value: "yes"}, {Key: "source", Value: "survey"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Hstore.Get("building"); !ok {
		t.Error("expected the matched tag to also land in hstore under HstoreAll")
	}
	if _, ok := res.Hstore.Get("source"); !ok {
		t.Error("expected the unmatched tag to land in hstore under HstoreAll")
	}
}

func TestTransformWildcardDeleteDropsMatchingKeys(t *testing.T) {
	entries := []Entry{
		{Types: Node | Way, Key: "addr:*", Flags: map[Flag]bool{FlagDelete: true}},
		{Types: Node | Way, Key: "name", Flags: map[Flag]bool{}},
	}
	tr := NewTransform(entries, false)
	tags := osm.Tags{{Key: "addr:housenumber", Value: "12"}, {Key: "name", Value: "Cafe"}}

	res, err := tr.Filter(tagtransform.PrimitiveWay, tags)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Tags.Get("addr:housenumber"); ok {
		t.Error("expected the wildcard delete rule to drop addr:housenumber")
	}
	if _, ok := res.Tags.Get("name"); !ok {
		t.Error("expected name to survive")
	}
}
