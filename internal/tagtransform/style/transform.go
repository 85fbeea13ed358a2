package style

import (
	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/tagtransform"
)

// HstoreMode selects which leftover tags a Transform mirrors into Result's
// Hstore bucket, matching osm2pgsql's own -hstore/-hstore-all/-hstore-match-only
// split.
type HstoreMode int

const (
	// HstoreNone never populates Result.Hstore.
	HstoreNone HstoreMode = iota
	// HstoreNorm populates Result.Hstore with tags no style entry matched.
	HstoreNorm
	// HstoreAll populates Result.Hstore with every tag, matched or not.
	HstoreAll
)

// Transform is the built-in, style-table-driven backend for §4.6.
type Transform struct {
	entries       []Entry
	wildcardDel   []Entry
	byKey         map[string]Entry
	keepCoastline bool
	hstoreMode    HstoreMode
}

// WithHstoreMode sets the hstore projection mode Filter applies; the
// default (before this is called) is HstoreNone.
func (t *Transform) WithHstoreMode(mode HstoreMode) *Transform {
	t.hstoreMode = mode
	return t
}

// NewTransform builds a Transform from parsed style entries. keepCoastline
// mirrors the config flag that prevents natural=coastline from forcing
// area=yes.
func NewTransform(entries []Entry, keepCoastline bool) *Transform {
	t := &Transform{
		entries:       entries,
		byKey:         make(map[string]Entry),
		keepCoastline: keepCoastline,
	}
	for _, e := range entries {
		if e.IsWildcard() {
			t.wildcardDel = append(t.wildcardDel, e)
			continue
		}
		t.byKey[e.Key] = e
	}
	return t
}

func wildcardMatch(pattern, key string) bool {
	// '*' matches any run of characters, '?' matches exactly one.
	var match func(p, s string) bool
	match = func(p, s string) bool {
		if p == "" {
			return s == ""
		}
		switch p[0] {
		case '*':
			if match(p[1:], s) {
				return true
			}
			for i := 0; i < len(s); i++ {
				if match(p[1:], s[i+1:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
			return match(p[1:], s[1:])
		default:
			if s == "" || s[0] != p[0] {
				return false
			}
			return match(p[1:], s[1:])
		}
	}
	return match(pattern, key)
}

func (t *Transform) lookup(key string) (Entry, bool) {
	if e, ok := t.byKey[key]; ok {
		return e, true
	}
	for _, e := range t.wildcardDel {
		if wildcardMatch(e.Key, key) {
			return e, true
		}
	}
	return Entry{}, false
}

func entryApplies(e Entry, prim tagtransform.Primitive) bool {
	switch prim {
	case tagtransform.PrimitiveNode:
		return e.Types&Node != 0
	default:
		return e.Types&Way != 0
	}
}

// Filter implements tagtransform.Transform.
func (t *Transform) Filter(prim tagtransform.Primitive, tags osm.Tags) (tagtransform.Result, error) {
	var kept osm.Tags
	var hstore osm.Tags
	polygon := false
	areaOverride := ""

	if v, ok := tags.Get("area"); ok {
		areaOverride = v
	}

	for _, tag := range tags {
		entry, found := t.lookup(tag.Key)
		if found && entryApplies(entry, prim) && entry.Has(FlagDelete) {
			continue
		}

		if found && entryApplies(entry, prim) {
			if entry.Has(FlagPolygon) {
				polygon = true
			}
			if entry.Has(FlagNoColumn) {
				if t.hstoreMode != HstoreNone {
					hstore = append(hstore, tag)
				}
			} else {
				kept = append(kept, tag)
				if t.hstoreMode == HstoreAll {
					hstore = append(hstore, tag)
				}
			}
		} else if t.hstoreMode != HstoreNone {
			hstore = append(hstore, tag)
		}
	}

	if tag, ok := tags.Get("natural"); ok && tag == "coastline" && !t.keepCoastline {
		if areaOverride != "no" {
			polygon = true
		}
	}
	if areaOverride == "no" {
		polygon = false
	} else if areaOverride == "yes" {
		polygon = true
	}

	result := tagtransform.Result{
		Tags:    kept,
		Polygon: polygon,
		Hstore:  hstore,
	}

	if prim != tagtransform.PrimitiveNode {
		score, roads := tagtransform.ComputeZOrder(tags)
		result.ZOrder = score
		result.HasZOrder = true
		result.Roads = roads
	}

	if prim == tagtransform.PrimitiveRelation {
		applyRelationFlags(tags, &result)
	}

	return result, nil
}

// applyRelationFlags sets MakePolygon/MakeBoundary per §4.6's multipolygon
// and boundary post-processing rules.
func applyRelationFlags(tags osm.Tags, result *tagtransform.Result) {
	relType, _ := tags.Get("type")
	boundary, _ := tags.Get("boundary")

	if relType == "multipolygon" {
		result.MakePolygon = true
	}
	if relType == "boundary" || (relType == "multipolygon" && boundary == "administrative") {
		result.MakeBoundary = true
	}
}
