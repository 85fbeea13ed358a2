// Package output implements the §4.8 output contract: the handlers a
// pipeline Controller drives during stage 1 (node/way/relation add, modify,
// delete), stage 2 (pending_way, pending_relation re-emission), and stage 3
// (stop, sync, expiry merge). NullOutput and MultiOutput are generic
// combinators; PgsqlOutput is the one concrete backend this repository
// wires end to end, the way osm2pgsql's own output-pgsql drives geometry
// construction, tag transform, and table writes from a single entry point.
package output

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/tilefeeder/osm2pg/internal/expire"
	"github.com/tilefeeder/osm2pg/internal/geom"
	"github.com/tilefeeder/osm2pg/internal/geom/ewkb"
	"github.com/tilefeeder/osm2pg/internal/middle"
	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/sink"
	"github.com/tilefeeder/osm2pg/internal/tagtransform"
)

// Output is the capability set every backend satisfies. A Controller drives
// stage 1 through the Node*/Way*/Relation* handlers, stage 2 through
// PendingWay/PendingRelation, and stage 3 through Stop and MergeExpire.
type Output interface {
	Start(ctx context.Context) error

	NodeAdd(ctx context.Context, n *osm.Node) error
	NodeModify(ctx context.Context, n *osm.Node) error
	NodeDelete(ctx context.Context, id int64) error

	WayAdd(ctx context.Context, w *osm.Way) error
	WayModify(ctx context.Context, w *osm.Way) error
	WayDelete(ctx context.Context, id int64) error

	RelationAdd(ctx context.Context, r *osm.Relation) error
	RelationModify(ctx context.Context, r *osm.Relation) error
	RelationDelete(ctx context.Context, id int64) error

	// PendingWay re-fetches way id from the middle and re-emits it,
	// deleting any existing row for that id first (§4.8 stage 2).
	PendingWay(ctx context.Context, id int64) error
	// PendingRelation is PendingWay's relation counterpart.
	PendingRelation(ctx context.Context, id int64) error

	// Stop commits pending writes and releases resources.
	Stop(ctx context.Context) error

	// MergeExpire unions this output's dirty tile set into dst (§4.8
	// stage 3: "merge each output's expiry set into a master").
	MergeExpire(dst *expire.Set)

	// Clone returns a worker-local copy sharing the same row sink, for
	// the stage-2 worker pool (§5: "each worker gets a clone of the
	// output"). The clone must not share mutable per-call state with its
	// parent beyond the sink and middle.
	Clone() Output
}

// NullOutput discards everything; useful for dry runs and controller tests
// that only want to exercise sequencing.
type NullOutput struct{}

func (NullOutput) Start(context.Context) error                        { return nil }
func (NullOutput) NodeAdd(context.Context, *osm.Node) error            { return nil }
func (NullOutput) NodeModify(context.Context, *osm.Node) error         { return nil }
func (NullOutput) NodeDelete(context.Context, int64) error             { return nil }
func (NullOutput) WayAdd(context.Context, *osm.Way) error              { return nil }
func (NullOutput) WayModify(context.Context, *osm.Way) error           { return nil }
func (NullOutput) WayDelete(context.Context, int64) error              { return nil }
func (NullOutput) RelationAdd(context.Context, *osm.Relation) error    { return nil }
func (NullOutput) RelationModify(context.Context, *osm.Relation) error { return nil }
func (NullOutput) RelationDelete(context.Context, int64) error         { return nil }
func (NullOutput) PendingWay(context.Context, int64) error             { return nil }
func (NullOutput) PendingRelation(context.Context, int64) error        { return nil }
func (NullOutput) Stop(context.Context) error                          { return nil }
func (NullOutput) MergeExpire(*expire.Set)                             {}
func (NullOutput) Clone() Output                                       { return NullOutput{} }

// MultiOutput fans one event out to every child output, per §9's
// MultiOutput variant. The first child error aborts the fan-out for that
// call; callers that need best-effort fan-out should wrap children in their
// own error-swallowing Output.
type MultiOutput struct {
	Children []Output
}

func NewMultiOutput(children ...Output) *MultiOutput {
	return &MultiOutput{Children: children}
}

func (m *MultiOutput) Start(ctx context.Context) error {
	for _, c := range m.Children {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("multi output start: %w", err)
		}
	}
	return nil
}

func (m *MultiOutput) NodeAdd(ctx context.Context, n *osm.Node) error {
	for _, c := range m.Children {
		if err := c.NodeAdd(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) NodeModify(ctx context.Context, n *osm.Node) error {
	for _, c := range m.Children {
		if err := c.NodeModify(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) NodeDelete(ctx context.Context, id int64) error {
	for _, c := range m.Children {
		if err := c.NodeDelete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) WayAdd(ctx context.Context, w *osm.Way) error {
	for _, c := range m.Children {
		if err := c.WayAdd(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) WayModify(ctx context.Context, w *osm.Way) error {
	for _, c := range m.Children {
		if err := c.WayModify(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) WayDelete(ctx context.Context, id int64) error {
	for _, c := range m.Children {
		if err := c.WayDelete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) RelationAdd(ctx context.Context, r *osm.Relation) error {
	for _, c := range m.Children {
		if err := c.RelationAdd(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) RelationModify(ctx context.Context, r *osm.Relation) error {
	for _, c := range m.Children {
		if err := c.RelationModify(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) RelationDelete(ctx context.Context, id int64) error {
	for _, c := range m.Children {
		if err := c.RelationDelete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) PendingWay(ctx context.Context, id int64) error {
	for _, c := range m.Children {
		if err := c.PendingWay(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) PendingRelation(ctx context.Context, id int64) error {
	for _, c := range m.Children {
		if err := c.PendingRelation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) Stop(ctx context.Context) error {
	for _, c := range m.Children {
		if err := c.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiOutput) MergeExpire(dst *expire.Set) {
	for _, c := range m.Children {
		c.MergeExpire(dst)
	}
}

func (m *MultiOutput) Clone() Output {
	clones := make([]Output, len(m.Children))
	for i, c := range m.Children {
		clones[i] = c.Clone()
	}
	return &MultiOutput{Children: clones}
}

// table roles mirror osm2pgsql's t_point/t_line/t_poly/t_roads split: one
// feature can land in more than one (a road also gets a roads-table row).
var (
	pointTarget = sink.Target{Name: "osm_point"}
	lineTarget  = sink.Target{Name: "osm_line"}
	polyTarget  = sink.Target{Name: "osm_polygon"}
	roadsTarget = sink.Target{Name: "osm_roads"}
)

func featureColumns() []sink.Column {
	return []sink.Column{
		{Name: "osm_id", Type: sink.ColInt},
		{Name: "tags", Type: sink.ColHstore},
		{Name: "way", Type: sink.ColGeometry},
	}
}

// insertStmtName names the prepared statement a feature table writes
// through in append mode.
func insertStmtName(t sink.Target) string {
	return "insert_" + t.Name
}

// insertSQL builds t's INSERT statement, the same shape
// middle/pgsql.insertSQL builds for its own tables. The delete that
// precedes it in append mode is a separate DeleteByID call.
func insertSQL(t sink.Target) string {
	cols := make([]string, len(t.Columns))
	params := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(cols, ", "), strings.Join(params, ", "))
}

// PgsqlOutput is the default wired Output: it assembles geometry via
// geom.Builder, classifies/filters tags via tagtransform.Transform, expires
// tiles via expire.Set, and writes rows through a sink.RowSink.
type PgsqlOutput struct {
	db              sink.RowSink
	mid             middle.Middle
	builder         *geom.Builder
	transform       tagtransform.Transform
	expireSet       *expire.Set
	expireCfg       expire.Config
	srid            int32
	hstoreMatchOnly bool

	// appendMode selects writeFeature's persistence strategy, the same way
	// appendMode does in middle/pgsql.Middle: false (initial import) keeps
	// one bulk COPY open per feature table for the whole run, since stage 1
	// only ever calls writeFeature from the single controller goroutine;
	// true (diff apply) deletes the prior row and inserts the new one
	// through a prepared statement, since stage 2's worker pool calls
	// writeFeature concurrently and a shared in-flight COPY can't be safely
	// interleaved across goroutines.
	appendMode bool
}

// Config bundles PgsqlOutput's collaborators.
type Config struct {
	Sink       sink.RowSink
	Middle     middle.Middle
	Builder    *geom.Builder
	Transform  tagtransform.Transform
	Expire     *expire.Set
	ExpireMode expire.Config
	SRID       int32

	// AppendMode mirrors pipeline.Options.Append: selects prepared-statement
	// persistence (required once stage 2's worker pool can call writeFeature
	// concurrently) over a single long-lived bulk COPY per feature table.
	AppendMode bool

	// HstoreMatchOnly mirrors osm2pgsql's -hstore-match-only: when set, a
	// feature with no style-matched column tag is dropped even if its
	// hstore bucket is non-empty, instead of being written as a
	// hstore-only row.
	HstoreMatchOnly bool
}

func NewPgsqlOutput(cfg Config) *PgsqlOutput {
	return &PgsqlOutput{
		db:              cfg.Sink,
		mid:             cfg.Middle,
		builder:         cfg.Builder,
		transform:       cfg.Transform,
		expireSet:       cfg.Expire,
		expireCfg:       cfg.ExpireMode,
		srid:            cfg.SRID,
		hstoreMatchOnly: cfg.HstoreMatchOnly,
		appendMode:      cfg.AppendMode,
	}
}

// mergeHstore decides whether res describes a feature worth writing at all,
// and returns the tag set to put in the row's hstore column: res.Tags with
// res.Hstore's overflow tags appended, unless HstoreMatchOnly says a
// hstore-only feature (no matched column tags) should be dropped.
func (o *PgsqlOutput) mergeHstore(res tagtransform.Result) (osm.Tags, bool) {
	if len(res.Tags) == 0 {
		if o.hstoreMatchOnly || len(res.Hstore) == 0 {
			return nil, false
		}
		return res.Hstore, true
	}
	if len(res.Hstore) == 0 {
		return res.Tags, true
	}
	merged := make(osm.Tags, 0, len(res.Tags)+len(res.Hstore))
	merged = append(merged, res.Tags...)
	merged = append(merged, res.Hstore...)
	return merged, true
}

func (o *PgsqlOutput) targets() []sink.Target {
	mk := func(t sink.Target) sink.Target {
		t.Columns = featureColumns()
		t.SRID = o.srid
		return t
	}
	return []sink.Target{mk(pointTarget), mk(lineTarget), mk(polyTarget), mk(roadsTarget)}
}

// Start prepares every feature table, then sets up this run's persistence
// strategy: one bulk COPY per table held open for the whole run in create
// mode, or one prepared insert statement per table in append mode (see
// PgsqlOutput.appendMode).
func (o *PgsqlOutput) Start(ctx context.Context) error {
	targets := o.targets()
	for _, t := range targets {
		if err := o.db.PrepareTable(ctx, t); err != nil {
			return fmt.Errorf("output: prepare table %s: %w", t.Name, err)
		}
	}
	if o.appendMode {
		for _, t := range targets {
			if err := o.db.PrepareStatement(ctx, insertStmtName(t), insertSQL(t)); err != nil {
				return fmt.Errorf("output: prepare statement for %s: %w", t.Name, err)
			}
		}
		return nil
	}
	for _, t := range targets {
		if err := o.db.BeginCopy(ctx, t); err != nil {
			return fmt.Errorf("output: begin copy %s: %w", t.Name, err)
		}
	}
	return nil
}

// hstoreText renders tags as hstore's "key"=>"value" text representation,
// comma-joined, mirroring middle/pgsql's own hstoreText so both packages hand
// the driver the same scalar shape for a hstore column.
func hstoreText(tags osm.Tags) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, len(tags))
	for i, tag := range tags {
		parts[i] = fmt.Sprintf("%q=>%q", tag.Key, tag.Value)
	}
	return strings.Join(parts, ",")
}

// writeFeature encodes g as EWKB and writes one row to t. A nil geometry is
// treated as "nothing to write" rather than an error, per §7's validity
// policy: the caller drops null geometries before writing. tags and the
// geometry are both rendered to driver-acceptable scalars before reaching
// the sink: pq.CopyIn and prepared-statement execution only accept types
// database/sql/driver already knows how to convert, and neither osm.Tags
// nor raw EWKB bytes qualify.
//
// In create mode this appends to the bulk COPY Start opened once for t; in
// append mode it deletes any prior row for id and inserts through t's
// prepared statement instead, since stage 2's worker pool calls writeFeature
// concurrently and workers share this output's underlying sink (Clone
// shares the sink and middle, see Clone's doc comment) — a shared in-flight
// COPY can't be driven from more than one goroutine at a time, but a
// prepared statement and plain DELETE can.
func (o *PgsqlOutput) writeFeature(ctx context.Context, t sink.Target, id int64, tags osm.Tags, g orb.Geometry) error {
	if g == nil {
		return nil
	}
	wkb, err := ewkb.Encode(g, o.srid)
	if err != nil {
		return fmt.Errorf("output: encode geometry for %s/%d: %w", t.Name, id, err)
	}
	tagsText := hstoreText(tags)
	geomText := hex.EncodeToString(wkb)

	if o.appendMode {
		if err := o.db.DeleteByID(ctx, t, id); err != nil {
			return fmt.Errorf("output: delete %s/%d before rewrite: %w", t.Name, id, err)
		}
		if _, err := o.db.ExecPrepared(ctx, insertStmtName(t), id, tagsText, geomText); err != nil {
			return fmt.Errorf("output: insert row %s/%d: %w", t.Name, id, err)
		}
		return nil
	}

	if err := o.db.WriteRow(ctx, t, id, tagsText, geomText); err != nil {
		return fmt.Errorf("output: write row %s/%d: %w", t.Name, id, err)
	}
	return nil
}

func (o *PgsqlOutput) expireFromGeometry(g orb.Geometry) {
	if g == nil {
		return
	}
	_ = o.expireSet.FromGeometry(g, o.expireCfg)
}

func (o *PgsqlOutput) NodeAdd(ctx context.Context, n *osm.Node) error {
	return o.nodeUpsert(ctx, n)
}

func (o *PgsqlOutput) NodeModify(ctx context.Context, n *osm.Node) error {
	if err := o.db.DeleteByID(ctx, pointTarget, n.ID); err != nil {
		return fmt.Errorf("output: delete point %d before modify: %w", n.ID, err)
	}
	return o.nodeUpsert(ctx, n)
}

func (o *PgsqlOutput) nodeUpsert(ctx context.Context, n *osm.Node) error {
	res, err := o.transform.Filter(tagtransform.PrimitiveNode, n.Tags)
	if err != nil {
		return fmt.Errorf("output: filter node %d tags: %w", n.ID, err)
	}
	tags, ok := o.mergeHstore(res)
	if !ok {
		return nil
	}
	g := o.builder.PointFromNode(n.Location)
	if g == nil {
		return nil
	}
	if o.expireSet != nil {
		o.expireFromGeometry(g)
	}
	return o.writeFeature(ctx, pointTarget, n.ID, tags, g)
}

func (o *PgsqlOutput) NodeDelete(ctx context.Context, id int64) error {
	return o.db.DeleteByID(ctx, pointTarget, id)
}

func (o *PgsqlOutput) WayAdd(ctx context.Context, w *osm.Way) error {
	return o.wayUpsert(ctx, w)
}

func (o *PgsqlOutput) WayModify(ctx context.Context, w *osm.Way) error {
	for _, t := range []sink.Target{lineTarget, polyTarget, roadsTarget} {
		if err := o.db.DeleteByID(ctx, t, w.ID); err != nil {
			return fmt.Errorf("output: delete way %d before modify: %w", w.ID, err)
		}
	}
	return o.wayUpsert(ctx, w)
}

func (o *PgsqlOutput) wayUpsert(ctx context.Context, w *osm.Way) error {
	res, err := o.transform.Filter(tagtransform.PrimitiveWay, w.Tags)
	if err != nil {
		return fmt.Errorf("output: filter way %d tags: %w", w.ID, err)
	}
	tags, ok := o.mergeHstore(res)
	if !ok {
		return nil
	}

	o.mid.GetWayNodes(w)

	if res.Polygon && w.IsClosed() {
		g := o.builder.PolygonFromWay(w, o.mid)
		if g == nil {
			return nil
		}
		if o.expireSet != nil {
			o.expireFromGeometry(g)
		}
		return o.writeFeature(ctx, polyTarget, w.ID, tags, g)
	}

	mls := o.builder.LineFromWay(w, o.mid)
	if len(mls) == 0 {
		return nil
	}
	if o.expireSet != nil {
		o.expireFromGeometry(mls)
	}
	if err := o.writeFeature(ctx, lineTarget, w.ID, tags, mls); err != nil {
		return err
	}
	if res.Roads {
		return o.writeFeature(ctx, roadsTarget, w.ID, tags, mls)
	}
	return nil
}

func (o *PgsqlOutput) WayDelete(ctx context.Context, id int64) error {
	for _, t := range []sink.Target{lineTarget, polyTarget, roadsTarget} {
		if err := o.db.DeleteByID(ctx, t, id); err != nil {
			return err
		}
	}
	return nil
}

func (o *PgsqlOutput) RelationAdd(ctx context.Context, r *osm.Relation) error {
	return o.relationUpsert(ctx, r)
}

func (o *PgsqlOutput) RelationModify(ctx context.Context, r *osm.Relation) error {
	for _, t := range []sink.Target{lineTarget, polyTarget, roadsTarget} {
		if err := o.db.DeleteByID(ctx, t, -r.ID); err != nil {
			return fmt.Errorf("output: delete relation %d before modify: %w", r.ID, err)
		}
	}
	return o.relationUpsert(ctx, r)
}

// relationUpsert implements §4.6's multipolygon/boundary post-processing:
// relation ids are written under their negated id, matching osm2pgsql's
// "-rel.id()" convention so they never collide with way ids in the shared
// line/polygon tables.
func (o *PgsqlOutput) relationUpsert(ctx context.Context, r *osm.Relation) error {
	res, err := o.transform.Filter(tagtransform.PrimitiveRelation, r.Tags)
	if err != nil {
		return fmt.Errorf("output: filter relation %d tags: %w", r.ID, err)
	}
	tags, ok := o.mergeHstore(res)
	if !ok {
		return nil
	}

	ways := make(map[int64]*osm.Way)
	for _, w := range o.mid.GetWayMembers(r) {
		o.mid.GetWayNodes(w)
		ways[w.ID] = w
	}

	if res.MakePolygon || res.MakeBoundary {
		g := o.builder.MultipolygonFromRelation(r, ways, o.mid)
		if g != nil {
			if o.expireSet != nil {
				o.expireFromGeometry(g)
			}
			if err := o.writeFeature(ctx, polyTarget, -r.ID, tags, g); err != nil {
				return err
			}
		}
	}
	if !res.MakePolygon || res.MakeBoundary {
		g := o.builder.MultiLineFromRelation(r, ways, o.mid)
		if g != nil {
			if o.expireSet != nil {
				o.expireFromGeometry(g)
			}
			if err := o.writeFeature(ctx, lineTarget, -r.ID, tags, g); err != nil {
				return err
			}
			if res.Roads {
				if err := o.writeFeature(ctx, roadsTarget, -r.ID, tags, g); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *PgsqlOutput) RelationDelete(ctx context.Context, id int64) error {
	for _, t := range []sink.Target{lineTarget, polyTarget, roadsTarget} {
		if err := o.db.DeleteByID(ctx, t, -id); err != nil {
			return err
		}
	}
	return nil
}

// PendingWay re-fetches id from the middle and re-emits it, deleting any
// existing row first (§4.8: "stage-2 re-emission is delete+insert"). A miss
// means id's way was itself deleted after being marked pending (the middle's
// GetWay falls back to a database read, so a miss here is the row
// genuinely being gone, not an unwarmed cache) — nothing to re-emit.
func (o *PgsqlOutput) PendingWay(ctx context.Context, id int64) error {
	w, ok := o.mid.GetWay(id)
	if !ok {
		return nil
	}
	return o.WayModify(ctx, w)
}

// PendingRelation mirrors PendingWay for relations.
func (o *PgsqlOutput) PendingRelation(ctx context.Context, id int64) error {
	r, ok := o.mid.GetRelation(id)
	if !ok {
		return nil
	}
	return o.RelationModify(ctx, r)
}

// Stop finalises any bulk copies Start opened (create mode only; append
// mode has nothing to finalise, each row having already been committed
// through its prepared statement) and closes the sink.
func (o *PgsqlOutput) Stop(ctx context.Context) error {
	if !o.appendMode {
		for _, t := range o.targets() {
			if err := o.db.EndCopy(ctx, t); err != nil {
				return fmt.Errorf("output: end copy %s: %w", t.Name, err)
			}
		}
	}
	return o.db.Close()
}

func (o *PgsqlOutput) MergeExpire(dst *expire.Set) {
	if o.expireSet == nil {
		return
	}
	dst.Merge(o.expireSet)
}

// Clone returns a worker-local PgsqlOutput with its own expiry set, sharing
// this output's sink and middle (§5: "each worker gets a clone of the
// output").
func (o *PgsqlOutput) Clone() Output {
	clone := *o
	if o.expireSet != nil {
		clone.expireSet = o.expireSet.Clone()
	}
	return &clone
}
