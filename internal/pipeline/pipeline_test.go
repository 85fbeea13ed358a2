package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tilefeeder/osm2pg/internal/deps"
	"github.com/tilefeeder/osm2pg/internal/expire"
	"github.com/tilefeeder/osm2pg/internal/middle/ram"
	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/output"
)

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// fakeSource replays a fixed list of events, mimicking a parsed OSM stream.
type fakeSource struct {
	nodes []osm.Node
	ways  []osm.Way
	rels  []osm.Relation
}

func (s *fakeSource) Run(ctx context.Context, h osm.Handler) error {
	for _, n := range s.nodes {
		if err := h.OnNode(n); err != nil {
			return err
		}
	}
	for _, w := range s.ways {
		if err := h.OnWay(w); err != nil {
			return err
		}
	}
	for _, r := range s.rels {
		if err := h.OnRelation(r); err != nil {
			return err
		}
	}
	return h.OnChangesetEnd()
}

// recordingOutput counts handler calls instead of writing anywhere, so
// tests can assert on the controller's sequencing without a database.
type recordingOutput struct {
	nodeAdds, nodeModifies, nodeDeletes       int
	wayAdds, wayModifies, wayDeletes          int
	relAdds, relModifies, relDeletes          int
	pendingWays, pendingRelations             []int64
	started, stopped                          bool
}

func (o *recordingOutput) Start(context.Context) error { o.started = true; return nil }
func (o *recordingOutput) NodeAdd(context.Context, *osm.Node) error {
	o.nodeAdds++
	return nil
}
func (o *recordingOutput) NodeModify(context.Context, *osm.Node) error {
	o.nodeModifies++
	return nil
}
func (o *recordingOutput) NodeDelete(context.Context, int64) error {
	o.nodeDeletes++
	return nil
}
func (o *recordingOutput) WayAdd(context.Context, *osm.Way) error {
	o.wayAdds++
	return nil
}
func (o *recordingOutput) WayModify(context.Context, *osm.Way) error {
	o.wayModifies++
	return nil
}
func (o *recordingOutput) WayDelete(context.Context, int64) error {
	o.wayDeletes++
	return nil
}
func (o *recordingOutput) RelationAdd(context.Context, *osm.Relation) error {
	o.relAdds++
	return nil
}
func (o *recordingOutput) RelationModify(context.Context, *osm.Relation) error {
	o.relModifies++
	return nil
}
func (o *recordingOutput) RelationDelete(context.Context, int64) error {
	o.relDeletes++
	return nil
}
func (o *recordingOutput) PendingWay(_ context.Context, id int64) error {
	o.pendingWays = append(o.pendingWays, id)
	return nil
}
func (o *recordingOutput) PendingRelation(_ context.Context, id int64) error {
	o.pendingRelations = append(o.pendingRelations, id)
	return nil
}
func (o *recordingOutput) Stop(context.Context) error { o.stopped = true; return nil }
func (o *recordingOutput) MergeExpire(*expire.Set)     {}
func (o *recordingOutput) Clone() output.Output        { return o }

func newTestController(t *testing.T, src *fakeSource, out *recordingOutput, opts Options) *Controller {
	t.Helper()
	mid := ram.New()
	tracker := deps.NewTracker(mid, mid)
	return New(src, mid, tracker, out, opts, zeroLogger())
}

func TestRunStage1EmitsAddsInCreateMode(t *testing.T) {
	src := &fakeSource{
		nodes: []osm.Node{{ID: 1, Version: 1, Location: osm.Location{Lon: 1, Lat: 1, Valid: true}}},
		ways:  []osm.Way{{ID: 10, Version: 1, Nodes: []int64{1}}},
		rels:  []osm.Relation{{ID: 100, Version: 1}},
	}
	out := &recordingOutput{}
	c := newTestController(t, src, out, Options{Append: false})

	require.NoError(t, c.Run(context.Background()))
	require.True(t, out.started)
	require.Equal(t, 1, out.nodeAdds)
	require.Equal(t, 1, out.wayAdds)
	require.Equal(t, 1, out.relAdds)
	require.Equal(t, 0, out.nodeModifies)
}

func TestRunStage1EmitsModifyForKnownNodeInAppendMode(t *testing.T) {
	out := &recordingOutput{}
	mid := ram.New()
	tracker := deps.NewTracker(mid, mid)
	// Pre-seed the middle to simulate a node that already exists.
	require.NoError(t, mid.PutNode(&osm.Node{ID: 1, Version: 1, Location: osm.Location{Lon: 0, Lat: 0, Valid: true}}))

	src := &fakeSource{
		nodes: []osm.Node{{ID: 1, Version: 2, Location: osm.Location{Lon: 2, Lat: 2, Valid: true}}},
	}
	c := New(src, mid, tracker, out, Options{Append: true}, zeroLogger())

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, 0, out.nodeAdds)
	require.Equal(t, 1, out.nodeModifies)
}

func TestRunStage2DrainsWaysBeforeRelations(t *testing.T) {
	out := &recordingOutput{}
	mid := ram.New()
	tracker := deps.NewTracker(mid, mid)
	require.NoError(t, mid.PutRelation(&osm.Relation{ID: 5, Members: []osm.Member{{Type: osm.TypeWay, Ref: 10}}}))
	require.NoError(t, mid.PutWay(&osm.Way{ID: 10}))

	src := &fakeSource{
		ways: []osm.Way{{ID: 10, Version: 2}},
	}
	c := New(src, mid, tracker, out, Options{Append: true, NumProcs: 2}, zeroLogger())

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, []int64{5}, out.pendingRelations)
}

func TestShutdownMergesExpireAndFlushesMiddle(t *testing.T) {
	out := &recordingOutput{}
	src := &fakeSource{}
	c := newTestController(t, src, out, Options{ExpireMinZoom: 10, ExpireMaxZoom: 12})

	require.NoError(t, c.Run(context.Background()))
	var buf bytes.Buffer
	require.NoError(t, c.Shutdown(context.Background(), &buf))
	require.True(t, out.stopped)
}

// switchableMiddle wraps ram.Middle with a SwitchReadOnly method, standing
// in for middle/pgsql.Middle backed by a flatnodes.Store.
type switchableMiddle struct {
	*ram.Middle
	switched bool
}

func (m *switchableMiddle) SwitchReadOnly() error {
	m.switched = true
	return nil
}

func TestRunSwitchesMiddleReadOnlyBeforeStage2InAppendMode(t *testing.T) {
	out := &recordingOutput{}
	mid := &switchableMiddle{Middle: ram.New()}
	tracker := deps.NewTracker(mid, mid)
	require.NoError(t, mid.PutWay(&osm.Way{ID: 10}))

	src := &fakeSource{ways: []osm.Way{{ID: 10, Version: 2}}}
	c := New(src, mid, tracker, out, Options{Append: true}, zeroLogger())

	require.NoError(t, c.Run(context.Background()))
	require.True(t, mid.switched)
}

func TestRunDoesNotSwitchMiddleReadOnlyInCreateMode(t *testing.T) {
	out := &recordingOutput{}
	mid := &switchableMiddle{Middle: ram.New()}
	tracker := deps.NewTracker(mid, mid)

	src := &fakeSource{}
	c := New(src, mid, tracker, out, Options{Append: false}, zeroLogger())

	require.NoError(t, c.Run(context.Background()))
	require.False(t, mid.switched)
}

func TestDeleteEventsDoNotNoteChangeInCreateMode(t *testing.T) {
	out := &recordingOutput{}
	src := &fakeSource{
		nodes: []osm.Node{{ID: 1, Deleted: true}},
	}
	c := newTestController(t, src, out, Options{Append: false})

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, 1, out.nodeDeletes)
}
