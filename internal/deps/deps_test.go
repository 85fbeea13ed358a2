package deps

import (
	"reflect"
	"testing"
)

type fakeLookup struct {
	waysByNode map[int64][]int64
	relsByNode map[int64][]int64
	relsByWay  map[int64][]int64
}

func (f fakeLookup) WaysUsingNode(id int64) []int64      { return f.waysByNode[id] }
func (f fakeLookup) RelationsUsingNode(id int64) []int64 { return f.relsByNode[id] }
func (f fakeLookup) RelationsUsingWay(id int64) []int64  { return f.relsByWay[id] }

func TestNoteNodeChangePopulatesBothSets(t *testing.T) {
	lk := fakeLookup{
		waysByNode: map[int64][]int64{10: {20, 21}},
		relsByNode: map[int64][]int64{10: {30}},
	}
	tr := NewTracker(lk, lk)
	tr.NoteNodeChange(10)

	ways := tr.DrainWays()
	rels := tr.DrainRelations()
	if !reflect.DeepEqual(ways, []int64{20, 21}) {
		t.Errorf("ways = %v, want [20 21]", ways)
	}
	if !reflect.DeepEqual(rels, []int64{30}) {
		t.Errorf("rels = %v, want [30]", rels)
	}
}

func TestNoteWayChangePropagatesToRelations(t *testing.T) {
	lk := fakeLookup{relsByWay: map[int64][]int64{20: {30, 31}}}
	tr := NewTracker(lk, lk)
	tr.NoteWayChange(20)

	rels := tr.DrainRelations()
	if !reflect.DeepEqual(rels, []int64{30, 31}) {
		t.Errorf("rels = %v, want [30 31]", rels)
	}
}

func TestNoteRelationChangeAddsDirectly(t *testing.T) {
	lk := fakeLookup{}
	tr := NewTracker(lk, lk)
	tr.NoteRelationChange(5)
	tr.NoteRelationChange(3)

	rels := tr.DrainRelations()
	if !reflect.DeepEqual(rels, []int64{3, 5}) {
		t.Errorf("rels = %v, want sorted [3 5]", rels)
	}
}

func TestDrainEmptiesTheSet(t *testing.T) {
	lk := fakeLookup{}
	tr := NewTracker(lk, lk)
	tr.NoteRelationChange(1)

	first := tr.DrainRelations()
	second := tr.DrainRelations()
	if len(first) != 1 {
		t.Fatalf("expected 1 element on first drain, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected the set emptied after drain, got %d", len(second))
	}
}

func TestDedupesDuplicateIDs(t *testing.T) {
	lk := fakeLookup{
		waysByNode: map[int64][]int64{1: {20}, 2: {20}},
	}
	tr := NewTracker(lk, lk)
	tr.NoteNodeChange(1)
	tr.NoteNodeChange(2)

	ways := tr.DrainWays()
	if !reflect.DeepEqual(ways, []int64{20}) {
		t.Errorf("ways = %v, want [20] (deduplicated)", ways)
	}
}
