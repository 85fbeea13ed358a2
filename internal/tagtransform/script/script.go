// Package script implements the script-driven TagTransform backend: each
// primitive's tags are handed to an external callback supplied by the
// embedding configuration (§4.6.2). The callback owns all filtering
// policy; this package only adapts its return shape to tagtransform.Result.
package script

import (
	"fmt"

	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/tagtransform"
)

// Callback is the external hook: given the primitive kind and its raw
// tags, it returns the filtered tags plus polygon/roads classification.
type Callback func(prim tagtransform.Primitive, tags osm.Tags) (filtered osm.Tags, polygon, roads bool, err error)

// Transform delegates every Filter call to an external Callback.
type Transform struct {
	call Callback
}

// NewTransform wraps cb as a tagtransform.Transform. cb must not be nil.
func NewTransform(cb Callback) *Transform {
	if cb == nil {
		panic("script: NewTransform requires a non-nil callback")
	}
	return &Transform{call: cb}
}

// Filter implements tagtransform.Transform.
func (t *Transform) Filter(prim tagtransform.Primitive, tags osm.Tags) (tagtransform.Result, error) {
	filtered, polygon, roads, err := t.call(prim, tags)
	if err != nil {
		return tagtransform.Result{}, fmt.Errorf("script transform: %w", err)
	}

	result := tagtransform.Result{
		Tags:    filtered,
		Polygon: polygon,
		Roads:   roads,
		Hstore:  tags,
	}

	if prim != tagtransform.PrimitiveNode {
		score, zRoads := tagtransform.ComputeZOrder(tags)
		result.ZOrder = score
		result.HasZOrder = true
		if zRoads {
			result.Roads = true
		}
	}

	return result, nil
}
