// Package ram implements the in-memory Middle backend used for initial
// (non-slim) imports: plain maps with a dense slice for node locations
// when ids cluster into a small range, falling back to a sparse map
// otherwise — the split geotiff2pmtiles's DiskTileStore draws between its
// small uniform-tile map and its larger spillable store, applied here to
// node storage instead of tile storage.
package ram

import (
	"sort"
	"sync"

	"github.com/tilefeeder/osm2pg/internal/osm"
)

// denseThreshold caps how large a contiguous id range may grow before the
// dense slice is abandoned in favour of the sparse map, bounding worst-case
// memory for sparse id spaces (e.g. imports of a small extract cut from a
// high-id planet file).
const denseThreshold = 1 << 28 // ~256M slots * 24 bytes/location ceiling

// Middle is the RAM-backed implementation of middle.Middle.
type Middle struct {
	mu sync.RWMutex

	dense      []osm.Location // indexed by id when ids stay within denseThreshold
	denseValid []bool
	sparse     map[int64]osm.Location
	useDense   bool

	ways      map[int64]*osm.Way
	relations map[int64]*osm.Relation

	waysByNode map[int64]map[int64]struct{}
	relsByNode map[int64]map[int64]struct{}
	relsByWay  map[int64]map[int64]struct{}
}

// New constructs an empty RAM middle.
func New() *Middle {
	return &Middle{
		sparse:     make(map[int64]osm.Location),
		useDense:   true,
		ways:       make(map[int64]*osm.Way),
		relations:  make(map[int64]*osm.Relation),
		waysByNode: make(map[int64]map[int64]struct{}),
		relsByNode: make(map[int64]map[int64]struct{}),
		relsByWay:  make(map[int64]map[int64]struct{}),
	}
}

func (m *Middle) growDense(id int64) bool {
	if id < 0 || id >= denseThreshold {
		return false
	}
	if int(id) >= len(m.dense) {
		newLen := int(id) + 1
		grown := make([]osm.Location, newLen)
		copy(grown, m.dense)
		m.dense = grown
		grownValid := make([]bool, newLen)
		copy(grownValid, m.denseValid)
		m.denseValid = grownValid
	}
	return true
}

// PutNode stores n's location, indexed by n.ID.
func (m *Middle) PutNode(n *osm.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.useDense && m.growDense(n.ID) {
		m.dense[n.ID] = n.Location
		m.denseValid[n.ID] = true
		return nil
	}
	m.useDense = false
	if n.ID >= 0 && int(n.ID) < len(m.denseValid) {
		m.denseValid[n.ID] = false // the sparse entry now holds n.ID
	}
	m.sparse[n.ID] = n.Location
	return nil
}

// GetNode returns the stored location for id, if any.
func (m *Middle) GetNode(id int64) (osm.Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id >= 0 && int(id) < len(m.denseValid) && m.denseValid[id] {
		return m.dense[id], true
	}
	loc, ok := m.sparse[id]
	return loc, ok
}

// DeleteNode retires id.
func (m *Middle) DeleteNode(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id >= 0 && int(id) < len(m.denseValid) {
		m.denseValid[id] = false
	}
	delete(m.sparse, id)
	return nil
}

// PutWay stores w, indexed by w.ID, and updates the node→way reverse
// index.
func (m *Middle) PutWay(w *osm.Way) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ways[w.ID] = w
	for _, nid := range w.Nodes {
		set, ok := m.waysByNode[nid]
		if !ok {
			set = make(map[int64]struct{})
			m.waysByNode[nid] = set
		}
		set[w.ID] = struct{}{}
	}
	return nil
}

// GetWay returns the stored way for id, if any.
func (m *Middle) GetWay(id int64) (*osm.Way, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.ways[id]
	return w, ok
}

// GetWayNodes resolves w's node ids into w.Coords via GetNode.
func (m *Middle) GetWayNodes(w *osm.Way) int {
	coords := make([]osm.Location, 0, len(w.Nodes))
	resolved := 0
	for _, nid := range w.Nodes {
		loc, ok := m.GetNode(nid)
		if ok && loc.Valid {
			resolved++
		}
		coords = append(coords, loc)
	}
	w.Coords = coords
	return resolved
}

// DeleteWay retires id, leaving the reverse index alone (stale entries
// are harmless: a delete-by-id lookup against a retired way id will simply
// find nothing via GetWay).
func (m *Middle) DeleteWay(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ways, id)
	return nil
}

// PutRelation stores r, indexed by r.ID, and updates the node/way→relation
// reverse indexes.
func (m *Middle) PutRelation(r *osm.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relations[r.ID] = r
	for _, mem := range r.Members {
		switch mem.Type {
		case osm.TypeNode:
			set, ok := m.relsByNode[mem.Ref]
			if !ok {
				set = make(map[int64]struct{})
				m.relsByNode[mem.Ref] = set
			}
			set[r.ID] = struct{}{}
		case osm.TypeWay:
			set, ok := m.relsByWay[mem.Ref]
			if !ok {
				set = make(map[int64]struct{})
				m.relsByWay[mem.Ref] = set
			}
			set[r.ID] = struct{}{}
		}
	}
	return nil
}

// GetRelation returns the stored relation for id, if any.
func (m *Middle) GetRelation(id int64) (*osm.Relation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relations[id]
	return r, ok
}

// GetWayMembers resolves r's way members to *osm.Way in member order,
// dropping members whose way is missing.
func (m *Middle) GetWayMembers(r *osm.Relation) []*osm.Way {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*osm.Way
	for _, mem := range r.WayMembers() {
		if w, ok := m.ways[mem.Ref]; ok {
			out = append(out, w)
		}
	}
	return out
}

// DeleteRelation retires id.
func (m *Middle) DeleteRelation(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relations, id)
	return nil
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WaysUsingNode returns every way id that references nodeID.
func (m *Middle) WaysUsingNode(nodeID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.waysByNode[nodeID])
}

// RelationsUsingNode returns every relation id with a node member of
// nodeID.
func (m *Middle) RelationsUsingNode(nodeID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.relsByNode[nodeID])
}

// RelationsUsingWay returns every relation id with a way member of wayID.
func (m *Middle) RelationsUsingWay(wayID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.relsByWay[wayID])
}

// Flush is a no-op: the RAM middle has nothing to persist.
func (m *Middle) Flush() error { return nil }
