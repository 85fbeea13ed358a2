// Package osm defines the OSM primitive types shared by every stage of the
// import pipeline: the tagged node/way/relation union, their ordered tag
// lists, and the event envelope the source stream emits.
package osm

import "fmt"

// Tag is a single (key, value) pair attached to a primitive.
type Tag struct {
	Key   string
	Value string
}

// Tags is an ordered list of key/value pairs. Order is preserved exactly as
// received from the source, per the data model's "ordered list" invariant.
type Tags []Tag

// Get returns the value for key and whether it was present. Tags builds no
// index up front; callers that probe the same key list repeatedly (the tag
// transform) should use Index instead.
func (t Tags) Get(key string) (string, bool) {
	for _, tag := range t {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present, regardless of value.
func (t Tags) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Index is a lazily-built lookup over a Tags slice, built once and reused
// across repeated Get calls — the way geotiff2pmtiles's IFD reader builds a
// one-shot index over an ordered tag list instead of hashing on every access.
type Index struct {
	tags Tags
	idx  map[string]int
}

// NewIndex builds an Index over tags. The underlying slice is not copied;
// callers must not mutate tags after indexing.
func NewIndex(tags Tags) Index {
	idx := make(map[string]int, len(tags))
	for i, tag := range tags {
		if _, exists := idx[tag.Key]; !exists {
			idx[tag.Key] = i
		}
	}
	return Index{tags: tags, idx: idx}
}

// Get returns the value for key and whether it was present.
func (i Index) Get(key string) (string, bool) {
	pos, ok := i.idx[key]
	if !ok {
		return "", false
	}
	return i.tags[pos].Value, true
}

// Type identifies which of the three OSM primitive kinds a reference or
// member refers to.
type Type uint8

const (
	TypeNode Type = iota
	TypeWay
	TypeRelation
)

func (t Type) String() string {
	switch t {
	case TypeNode:
		return "node"
	case TypeWay:
		return "way"
	case TypeRelation:
		return "relation"
	default:
		return fmt.Sprintf("osm.Type(%d)", uint8(t))
	}
}

// Location is a WGS84 longitude/latitude pair with a validity bit. An invalid
// Location carries no meaningful coordinates and must be dropped by any
// consumer before it reaches geometry assembly or reprojection.
type Location struct {
	Lon, Lat float64
	Valid    bool
}

// Node is a tagged point primitive.
type Node struct {
	ID       int64
	Version  uint32
	Deleted  bool
	Tags     Tags
	Location Location
}

// Way is a tagged ordered sequence of node references.
type Way struct {
	ID      int64
	Version uint32
	Deleted bool
	Tags    Tags
	Nodes   []int64

	// Coords is filled in by the middle's GetWayNodes; it is not part of
	// the wire primitive and is left nil until resolved.
	Coords []Location
}

// IsClosed reports whether the way's node list starts and ends at the same
// node id. It does not consult coordinates.
func (w *Way) IsClosed() bool {
	return len(w.Nodes) >= 2 && w.Nodes[0] == w.Nodes[len(w.Nodes)-1]
}

// Member is one entry in a relation's ordered member list.
type Member struct {
	Type Type
	Ref  int64
	Role string
}

// Relation is a tagged ordered sequence of members.
type Relation struct {
	ID      int64
	Version uint32
	Deleted bool
	Tags    Tags
	Members []Member
}

// WayMembers returns the subset of Members that reference ways, in order.
func (r *Relation) WayMembers() []Member {
	out := make([]Member, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Type == TypeWay {
			out = append(out, m)
		}
	}
	return out
}

// EventKind distinguishes the three mutations a primitive event can carry.
type EventKind uint8

const (
	EventAdd EventKind = iota
	EventModify
	EventDelete
)

// PrimitiveEvent is the unified envelope the design notes call for in place
// of six near-duplicate node_add/modify/delete-style entry points: one
// handler, tagged by Kind, covers all three OSM primitive types.
type PrimitiveEvent struct {
	Kind     EventKind
	Node     *Node
	Way      *Way
	Relation *Relation
}

// ID returns the identifier of whichever primitive the event carries.
func (e PrimitiveEvent) ID() int64 {
	switch {
	case e.Node != nil:
		return e.Node.ID
	case e.Way != nil:
		return e.Way.ID
	case e.Relation != nil:
		return e.Relation.ID
	default:
		return 0
	}
}

// PrimType returns the OSM type the event carries.
func (e PrimitiveEvent) PrimType() Type {
	switch {
	case e.Way != nil:
		return TypeWay
	case e.Relation != nil:
		return TypeRelation
	default:
		return TypeNode
	}
}
