// Package deps implements the dependency tracker of §4.5: given changed
// nodes and ways, it enumerates the ways and relations that must be
// re-emitted, and drains those pending sets in ascending id order.
package deps

import (
	"sort"
	"sync"
)

// NodeLookup resolves which ways/relations reference a node, and
// WayLookup resolves which relations reference a way — both satisfied by
// the middle.
type NodeLookup interface {
	WaysUsingNode(nodeID int64) []int64
	RelationsUsingNode(nodeID int64) []int64
}

type WayLookup interface {
	RelationsUsingWay(wayID int64) []int64
}

// Tracker accumulates pending way/relation ids to re-emit after the main
// stream pass, guarded by one lock each (§5's locking discipline).
type Tracker struct {
	nodes NodeLookup
	ways  WayLookup

	wayMu       sync.Mutex
	pendingWays map[int64]struct{}

	relMu            sync.Mutex
	pendingRelations map[int64]struct{}
}

// NewTracker constructs a Tracker backed by a middle's reverse-lookup
// queries.
func NewTracker(nodes NodeLookup, ways WayLookup) *Tracker {
	return &Tracker{
		nodes:            nodes,
		ways:             ways,
		pendingWays:      make(map[int64]struct{}),
		pendingRelations: make(map[int64]struct{}),
	}
}

// NoteNodeChange marks that node id's location changed: every way and
// relation referencing it is added to the pending sets.
func (tr *Tracker) NoteNodeChange(id int64) {
	ways := tr.nodes.WaysUsingNode(id)
	rels := tr.nodes.RelationsUsingNode(id)

	tr.wayMu.Lock()
	for _, wid := range ways {
		tr.pendingWays[wid] = struct{}{}
	}
	tr.wayMu.Unlock()

	tr.relMu.Lock()
	for _, rid := range rels {
		tr.pendingRelations[rid] = struct{}{}
	}
	tr.relMu.Unlock()
}

// NoteWayChange marks that way id changed: every relation referencing it
// is added to the pending-relations set.
func (tr *Tracker) NoteWayChange(id int64) {
	rels := tr.ways.RelationsUsingWay(id)

	tr.relMu.Lock()
	for _, rid := range rels {
		tr.pendingRelations[rid] = struct{}{}
	}
	tr.relMu.Unlock()
}

// NoteRelationChange adds id directly to the pending-relations set.
func (tr *Tracker) NoteRelationChange(id int64) {
	tr.relMu.Lock()
	tr.pendingRelations[id] = struct{}{}
	tr.relMu.Unlock()
}

// DrainWays empties and returns the pending-ways set in ascending id
// order. Ways are drained before relations so that way re-emission (and
// any NoteWayChange it triggers) is reflected in the relations set the
// caller drains next.
func (tr *Tracker) DrainWays() []int64 {
	tr.wayMu.Lock()
	defer tr.wayMu.Unlock()
	return drain(tr.pendingWays)
}

// DrainRelations empties and returns the pending-relations set in
// ascending id order.
func (tr *Tracker) DrainRelations() []int64 {
	tr.relMu.Lock()
	defer tr.relMu.Unlock()
	return drain(tr.pendingRelations)
}

func drain(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
		delete(set, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
