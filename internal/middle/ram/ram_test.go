package ram

import (
	"testing"

	"github.com/tilefeeder/osm2pg/internal/osm"
)

func TestPutGetNode(t *testing.T) {
	m := New()
	_ = m.PutNode(&osm.Node{ID: 1, Location: osm.Location{Lon: 1, Lat: 2, Valid: true}})

	loc, ok := m.GetNode(1)
	if !ok || loc.Lon != 1 || loc.Lat != 2 {
		t.Fatalf("unexpected GetNode result: %+v, %v", loc, ok)
	}
	if _, ok := m.GetNode(2); ok {
		t.Error("expected no location for an unknown id")
	}
}

func TestDeleteNode(t *testing.T) {
	m := New()
	_ = m.PutNode(&osm.Node{ID: 1, Location: osm.Location{Valid: true}})
	_ = m.DeleteNode(1)
	if _, ok := m.GetNode(1); ok {
		t.Error("expected the node to be gone after delete")
	}
}

func TestGetWayNodesResolvesLocations(t *testing.T) {
	m := New()
	_ = m.PutNode(&osm.Node{ID: 1, Location: osm.Location{Lon: 0, Lat: 0, Valid: true}})
	_ = m.PutNode(&osm.Node{ID: 2, Location: osm.Location{Lon: 1, Lat: 1, Valid: true}})

	w := &osm.Way{ID: 10, Nodes: []int64{1, 2, 3}}
	resolved := m.GetWayNodes(w)
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2", resolved)
	}
	if len(w.Coords) != 3 {
		t.Fatalf("expected 3 coords (including the unresolved one), got %d", len(w.Coords))
	}
	if w.Coords[2].Valid {
		t.Error("expected the third coordinate to be invalid")
	}
}

func TestWaysUsingNodeReverseIndex(t *testing.T) {
	m := New()
	_ = m.PutWay(&osm.Way{ID: 10, Nodes: []int64{1, 2}})
	_ = m.PutWay(&osm.Way{ID: 11, Nodes: []int64{2, 3}})

	ways := m.WaysUsingNode(2)
	if len(ways) != 2 || ways[0] != 10 || ways[1] != 11 {
		t.Errorf("WaysUsingNode(2) = %v, want [10 11]", ways)
	}
}

func TestRelationsUsingNodeAndWay(t *testing.T) {
	m := New()
	rel := &osm.Relation{
		ID: 100,
		Members: []osm.Member{
			{Type: osm.TypeNode, Ref: 5},
			{Type: osm.TypeWay, Ref: 10},
		},
	}
	_ = m.PutRelation(rel)

	if rels := m.RelationsUsingNode(5); len(rels) != 1 || rels[0] != 100 {
		t.Errorf("RelationsUsingNode(5) = %v, want [100]", rels)
	}
	if rels := m.RelationsUsingWay(10); len(rels) != 1 || rels[0] != 100 {
		t.Errorf("RelationsUsingWay(10) = %v, want [100]", rels)
	}
}

func TestGetWayMembersDropsMissingWays(t *testing.T) {
	m := New()
	_ = m.PutWay(&osm.Way{ID: 10, Nodes: []int64{1, 2}})

	rel := &osm.Relation{
		ID: 1,
		Members: []osm.Member{
			{Type: osm.TypeWay, Ref: 10},
			{Type: osm.TypeWay, Ref: 999}, // missing
		},
	}
	ways := m.GetWayMembers(rel)
	if len(ways) != 1 || ways[0].ID != 10 {
		t.Errorf("expected only the resolvable way, got %+v", ways)
	}
}

func TestSparseFallbackForNegativeAndLargeIDs(t *testing.T) {
	m := New()
	_ = m.PutNode(&osm.Node{ID: -5, Location: osm.Location{Lon: 9, Lat: 9, Valid: true}})

	loc, ok := m.GetNode(-5)
	if !ok || loc.Lon != 9 {
		t.Errorf("expected sparse storage to handle negative ids, got %+v, %v", loc, ok)
	}
}
