// Package tagtransform turns raw OSM tags into the filtered column/hstore
// payload an output writes, deciding polygon/roads classification and
// z_order along the way (§4.6).
package tagtransform

import (
	"strconv"

	"github.com/tilefeeder/osm2pg/internal/osm"
)

// Primitive identifies which OSM type a transform is being asked about,
// since some rules (z_order, multipolygon cloning) only apply to ways and
// relations.
type Primitive int

const (
	PrimitiveNode Primitive = iota
	PrimitiveWay
	PrimitiveRelation
)

// Result is what a Transform produces for one primitive.
type Result struct {
	Tags         osm.Tags
	Polygon      bool
	Roads        bool
	ZOrder       int
	HasZOrder    bool
	Hstore       osm.Tags
	MakePolygon  bool // set for multipolygon relations: member ways get cloned tags
	MakeBoundary bool // set for boundary relations: emit both polygon and linestring rows
}

// Transform is the contract both the style-driven and script-driven
// backends satisfy.
type Transform interface {
	Filter(prim Primitive, tags osm.Tags) (Result, error)
}

// highwayZOrder maps a highway value to its base z_order score. Missing
// values score 0.
var highwayZOrder = map[string]int{
	"motorway":       39,
	"motorway_link":  39,
	"trunk":          38,
	"trunk_link":     38,
	"primary":        37,
	"primary_link":   37,
	"secondary":      36,
	"secondary_link": 36,
	"tertiary":       35,
	"tertiary_link":  35,
	"residential":    34,
	"unclassified":   33,
	"road":           33,
	"living_street":  32,
	"pedestrian":     31,
	"track":          20,
	"footway":        15,
	"bridleway":      15,
	"cycleway":       15,
	"path":           10,
	"service":        15,
}

// ComputeZOrder implements §4.6's scoring table for ways/relations.
func ComputeZOrder(tags osm.Tags) (score int, roads bool) {
	if hw, ok := tags.Get("highway"); ok {
		score = highwayZOrder[hw]
	}
	if _, ok := tags.Get("railway"); ok {
		score += 35
		roads = true
	}
	if v, ok := tags.Get("bridge"); ok && v == "yes" {
		score += 100
	}
	if v, ok := tags.Get("tunnel"); ok && v == "yes" {
		score -= 100
	}
	if v, ok := tags.Get("layer"); ok {
		if layer, err := strconv.Atoi(v); err == nil {
			score += 100 * layer
		}
	}
	if v, ok := tags.Get("boundary"); ok && v == "administrative" {
		roads = true
	}
	return score, roads
}
