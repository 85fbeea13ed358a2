// Package middle defines the id-indexed cache contract of §4.4: storing
// and retrieving nodes, ways, and relations by id, and answering the
// reverse-lookup queries the dependency tracker needs.
package middle

import "github.com/tilefeeder/osm2pg/internal/osm"

// Middle is the capability set every backend (RAM, persistent, flat-node
// hybrid) satisfies.
type Middle interface {
	PutNode(n *osm.Node) error
	GetNode(id int64) (osm.Location, bool)
	DeleteNode(id int64) error

	PutWay(w *osm.Way) error
	GetWay(id int64) (*osm.Way, bool)
	// GetWayNodes resolves w.Nodes to locations via GetNode, filling
	// w.Coords and returning how many were resolved.
	GetWayNodes(w *osm.Way) int
	DeleteWay(id int64) error

	PutRelation(r *osm.Relation) error
	GetRelation(id int64) (*osm.Relation, bool)
	// GetWayMembers resolves a relation's way members to *osm.Way, in
	// member order, omitting any that are missing.
	GetWayMembers(r *osm.Relation) []*osm.Way
	DeleteRelation(id int64) error

	WaysUsingNode(nodeID int64) []int64
	RelationsUsingNode(nodeID int64) []int64
	RelationsUsingWay(wayID int64) []int64

	// Flush persists any buffered state (bulk-copy backends); a no-op for
	// pure in-memory backends.
	Flush() error
}

// LocationStore is the node-location cache seam §4.4 calls out as a
// swappable concern: a dense, id-indexed store is only a good fit when ids
// cluster into a small range, so the persistent middle depends on this
// interface rather than a concrete backend. flatnodes.Store satisfies it
// directly; mapLocationStore is the sparse, any-id-range default.
type LocationStore interface {
	Put(id int64, loc osm.Location) error
	Get(id int64) (osm.Location, bool)
	Delete(id int64) error
}

// mapLocationStore is the sparse-map LocationStore: a plain Go map, fine for
// extracts where ids don't cluster densely enough to justify a flat file.
type mapLocationStore struct {
	byID map[int64]osm.Location
}

// NewMapLocationStore returns the sparse-map LocationStore.
func NewMapLocationStore() LocationStore {
	return &mapLocationStore{byID: make(map[int64]osm.Location)}
}

func (s *mapLocationStore) Put(id int64, loc osm.Location) error {
	s.byID[id] = loc
	return nil
}

func (s *mapLocationStore) Get(id int64) (osm.Location, bool) {
	loc, ok := s.byID[id]
	return loc, ok
}

func (s *mapLocationStore) Delete(id int64) error {
	delete(s.byID, id)
	return nil
}
