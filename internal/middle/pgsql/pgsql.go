// Package pgsql implements the persistent Middle backend of §4.4: nodes,
// ways, and relations are mirrored into dedicated tables (nodes, ways,
// rels) through a sink.RowSink, using bulk COPY during the initial import
// and prepared statements once slim mode is live. The reverse lookups
// (ways and relations using a node, relations using a way) are held in
// memory only; no way_nodes, rel_nodes or rel_ways tables are written.
package pgsql

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tilefeeder/osm2pg/internal/errs"
	"github.com/tilefeeder/osm2pg/internal/middle"
	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/sink"
)

var (
	nodesTarget = sink.Target{Name: "nodes", Columns: []sink.Column{
		{Name: "osm_id", Type: sink.ColInt}, {Name: "version", Type: sink.ColInt},
		{Name: "lon", Type: sink.ColReal}, {Name: "lat", Type: sink.ColReal},
	}}
	waysTarget = sink.Target{Name: "ways", Columns: []sink.Column{
		{Name: "osm_id", Type: sink.ColInt}, {Name: "version", Type: sink.ColInt},
		{Name: "tags", Type: sink.ColHstore}, {Name: "nodes", Type: sink.ColText},
	}}
	relsTarget = sink.Target{Name: "rels", Columns: []sink.Column{
		{Name: "osm_id", Type: sink.ColInt}, {Name: "version", Type: sink.ColInt},
		{Name: "tags", Type: sink.ColHstore}, {Name: "members", Type: sink.ColText},
	}}
)

const (
	insertNodeStmt = "insert_node"
	insertWayStmt  = "insert_way"
	insertRelStmt  = "insert_rel"
)

func insertSQL(t sink.Target) string {
	cols := make([]string, len(t.Columns))
	params := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(cols, ", "), strings.Join(params, ", "))
}

// hstoreText renders tags in Postgres's hstore text input format.
func hstoreText(tags osm.Tags) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = fmt.Sprintf("%q=>%q", t.Key, t.Value)
	}
	return strings.Join(parts, ",")
}

// idListText renders a node-id list as a comma-separated string, the same
// shape osm2pgsql's own ways table uses for its nodes column.
func idListText(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// memberListText renders a relation's member list as "type:ref:role"
// entries, semicolon separated.
func memberListText(members []osm.Member) string {
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = fmt.Sprintf("%s:%d:%s", m.Type, m.Ref, m.Role)
	}
	return strings.Join(parts, ";")
}

// parseHstoreText reverses hstoreText, the inverse of %q-quoting each key
// and value.
func parseHstoreText(s string) (osm.Tags, error) {
	if s == "" {
		return nil, nil
	}
	var tags osm.Tags
	rest := s
	for {
		key, tail, err := unquoteHstoreField(rest)
		if err != nil {
			return nil, fmt.Errorf("key: %w", err)
		}
		tail = strings.TrimPrefix(tail, "=>")
		val, tail, err := unquoteHstoreField(tail)
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", key, err)
		}
		tags = append(tags, osm.Tag{Key: key, Value: val})
		tail = strings.TrimPrefix(tail, ",")
		if tail == "" {
			return tags, nil
		}
		rest = tail
	}
}

// unquoteHstoreField reads one %q-quoted field off the front of s, returning
// its unquoted value and whatever text follows it.
func unquoteHstoreField(s string) (string, string, error) {
	prefix, err := strconv.QuotedPrefix(s)
	if err != nil {
		return "", "", err
	}
	val, err := strconv.Unquote(prefix)
	if err != nil {
		return "", "", err
	}
	return val, s[len(prefix):], nil
}

// parseIDList reverses idListText.
func parseIDList(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("node id %q: %w", p, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// parseMemberList reverses memberListText.
func parseMemberList(s string) ([]osm.Member, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	members := make([]osm.Member, len(parts))
	for i, p := range parts {
		fields := strings.SplitN(p, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed member %q", p)
		}
		typ, err := parseMemberType(fields[0])
		if err != nil {
			return nil, err
		}
		ref, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("member ref %q: %w", fields[1], err)
		}
		members[i] = osm.Member{Type: typ, Ref: ref, Role: fields[2]}
	}
	return members, nil
}

func parseMemberType(s string) (osm.Type, error) {
	switch s {
	case "node":
		return osm.TypeNode, nil
	case "way":
		return osm.TypeWay, nil
	case "relation":
		return osm.TypeRelation, nil
	default:
		return 0, fmt.Errorf("unknown member type %q", s)
	}
}

const cacheSize = 1 << 16

// Middle is the persistent backend: a sink.RowSink plus in-process
// read-through caches bounding how much of the id space stays resident.
type Middle struct {
	db  sink.RowSink
	ctx context.Context

	// appendMode selects how Put* persists a row: false (initial import)
	// keeps one bulk COPY open per table for the whole run; true (diff
	// apply) deletes the prior row and inserts the new one through a
	// prepared statement, per §4.4.
	appendMode bool

	// nodeVersions/wayVersions/relVersions back the out-of-order guard for
	// each primitive kind. These are unbounded, unlike wayCache/relCache:
	// the guard must see every id this process has ever Put, not just the
	// ones still resident in the bounded LRU, or a diff arriving after a
	// cache eviction would silently skip the check instead of rejecting
	// a stale version.
	nodeVersions map[int64]uint32
	wayVersions  map[int64]uint32
	relVersions  map[int64]uint32

	locs middle.LocationStore // mirrors the nodes table so GetNode sees the latest put synchronously

	wayCache *lru.Cache[int64, *osm.Way]
	relCache *lru.Cache[int64, *osm.Relation]

	waysByNode map[int64]map[int64]struct{}
	relsByNode map[int64]map[int64]struct{}
	relsByWay  map[int64]map[int64]struct{}
}

// New constructs a persistent middle over db. appendMode selects bulk-copy
// (false, a from-empty import) versus prepared-statement (true, diff apply)
// persistence for every subsequent Put*.
func New(ctx context.Context, db sink.RowSink, appendMode bool) (*Middle, error) {
	wayCache, err := lru.New[int64, *osm.Way](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("middle/pgsql: way cache: %w", err)
	}
	relCache, err := lru.New[int64, *osm.Relation](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("middle/pgsql: relation cache: %w", err)
	}

	m := &Middle{
		db:           db,
		ctx:          ctx,
		appendMode:   appendMode,
		nodeVersions: make(map[int64]uint32),
		wayVersions:  make(map[int64]uint32),
		relVersions:  make(map[int64]uint32),
		locs:         middle.NewMapLocationStore(),
		wayCache:     wayCache,
		relCache:     relCache,
		waysByNode:   make(map[int64]map[int64]struct{}),
		relsByNode:   make(map[int64]map[int64]struct{}),
		relsByWay:    make(map[int64]map[int64]struct{}),
	}

	for _, t := range []sink.Target{nodesTarget, waysTarget, relsTarget} {
		if err := db.PrepareTable(ctx, t); err != nil {
			return nil, err
		}
	}

	if appendMode {
		stmts := map[string]sink.Target{insertNodeStmt: nodesTarget, insertWayStmt: waysTarget, insertRelStmt: relsTarget}
		for name, t := range stmts {
			if err := db.PrepareStatement(ctx, name, insertSQL(t)); err != nil {
				return nil, fmt.Errorf("middle/pgsql: prepare %s: %w", name, err)
			}
		}
	} else {
		for _, t := range []sink.Target{nodesTarget, waysTarget, relsTarget} {
			if err := db.BeginCopy(ctx, t); err != nil {
				return nil, fmt.Errorf("middle/pgsql: begin copy for %s: %w", t.Name, err)
			}
		}
	}
	return m, nil
}

// UseLocationStore swaps in an alternate node-location cache (e.g. a
// flatnodes.Store dense file) in place of the default sparse map. Call
// before the first PutNode.
func (m *Middle) UseLocationStore(s middle.LocationStore) {
	m.locs = s
}

// readOnlySwitcher is satisfied by location stores (flatnodes.Store) that
// can remap themselves read-only once stage 1 is done writing.
type readOnlySwitcher interface {
	SwitchReadOnly() error
}

// SwitchReadOnly remaps the location store read-only for stage 2, if the
// store in use supports it (the sparse map store doesn't, and has nothing
// to switch). The controller calls this between stage 1 and stage 2 when
// running in append mode.
func (m *Middle) SwitchReadOnly() error {
	s, ok := m.locs.(readOnlySwitcher)
	if !ok {
		return nil
	}
	if err := s.SwitchReadOnly(); err != nil {
		return fmt.Errorf("middle/pgsql: switch location store read-only: %w", err)
	}
	return nil
}

// put persists one row to t, via the bulk copy opened in New (create mode)
// or a delete-then-insert through the target's prepared statement (append
// mode).
func (m *Middle) put(t sink.Target, stmt string, id int64, values ...any) error {
	if !m.appendMode {
		return m.db.WriteRow(m.ctx, t, values...)
	}
	if err := m.db.DeleteByID(m.ctx, t, id); err != nil {
		return err
	}
	_, err := m.db.ExecPrepared(m.ctx, stmt, values...)
	return err
}

// checkVersionOrder rejects an out-of-order diff event: a lower version
// arriving after a higher one for the same (type,id) is InvalidInput, per
// this project's resolution of §9's versioning open question.
func checkVersionOrder(known map[int64]uint32, id int64, version uint32) error {
	if prev, ok := known[id]; ok && version < prev {
		return errs.Wrap(errs.InvalidInput, "middle.checkVersionOrder",
			"id %d: version %d arrived after version %d", id, version, prev)
	}
	return nil
}

// PutNode stores n, persisting it to the nodes table and updating the
// in-memory mirror GetNode reads from.
func (m *Middle) PutNode(n *osm.Node) error {
	if err := checkVersionOrder(m.nodeVersions, n.ID, n.Version); err != nil {
		return err
	}
	if err := m.put(nodesTarget, insertNodeStmt, n.ID, n.ID, int64(n.Version), n.Location.Lon, n.Location.Lat); err != nil {
		return errs.Wrap(errs.BackendFailure, "middle.PutNode", "persist node %d: %w", n.ID, err)
	}
	m.nodeVersions[n.ID] = n.Version
	return m.locs.Put(n.ID, n.Location)
}

// GetNode returns n's last-stored location.
func (m *Middle) GetNode(id int64) (osm.Location, bool) {
	return m.locs.Get(id)
}

// DeleteNode retires id.
func (m *Middle) DeleteNode(id int64) error {
	if err := m.locs.Delete(id); err != nil {
		return err
	}
	delete(m.nodeVersions, id)
	return m.db.DeleteByID(m.ctx, nodesTarget, id)
}

// PutWay stores w and refreshes the node→way reverse index.
func (m *Middle) PutWay(w *osm.Way) error {
	if err := checkVersionOrder(m.wayVersions, w.ID, w.Version); err != nil {
		return err
	}
	if err := m.put(waysTarget, insertWayStmt, w.ID, w.ID, int64(w.Version), hstoreText(w.Tags), idListText(w.Nodes)); err != nil {
		return errs.Wrap(errs.BackendFailure, "middle.PutWay", "persist way %d: %w", w.ID, err)
	}
	m.wayVersions[w.ID] = w.Version
	m.wayCache.Add(w.ID, w)
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

// GetWay returns w for id. A miss on the bounded LRU cache (the id was
// never Put this run, or was evicted by a larger one) falls back to a
// database read, since the ways table outlives any single process: a slim
// append run resumes against data a prior run persisted. A successful
// fallback read repopulates the cache.
func (m *Middle) GetWay(id int64) (*osm.Way, bool) {
	if w, ok := m.wayCache.Get(id); ok {
		return w, true
	}
	w, ok, err := m.loadWay(id)
	if err != nil || !ok {
		return nil, false
	}
	m.wayCache.Add(id, w)
	return w, true
}

func (m *Middle) loadWay(id int64) (*osm.Way, bool, error) {
	values, ok, err := m.db.SelectRowByID(m.ctx, waysTarget, id)
	if err != nil {
		return nil, false, fmt.Errorf("middle/pgsql: load way %d: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	version, _ := values[1].(int64)
	tags, err := parseHstoreText(asString(values[2]))
	if err != nil {
		return nil, false, fmt.Errorf("middle/pgsql: parse way %d tags: %w", id, err)
	}
	nodes, err := parseIDList(asString(values[3]))
	if err != nil {
		return nil, false, fmt.Errorf("middle/pgsql: parse way %d nodes: %w", id, err)
	}
	return &osm.Way{ID: id, Version: uint32(version), Tags: tags, Nodes: nodes}, true, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// GetWayNodes resolves w's node ids to locations.
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

// DeleteWay retires id.
func (m *Middle) DeleteWay(id int64) error {
	m.wayCache.Remove(id)
	delete(m.wayVersions, id)
	return m.db.DeleteByID(m.ctx, waysTarget, id)
}

// PutRelation stores r and refreshes the node/way→relation reverse index.
func (m *Middle) PutRelation(r *osm.Relation) error {
	if err := checkVersionOrder(m.relVersions, r.ID, r.Version); err != nil {
		return err
	}
	if err := m.put(relsTarget, insertRelStmt, r.ID, r.ID, int64(r.Version), hstoreText(r.Tags), memberListText(r.Members)); err != nil {
		return errs.Wrap(errs.BackendFailure, "middle.PutRelation", "persist relation %d: %w", r.ID, err)
	}
	m.relVersions[r.ID] = r.Version
	m.relCache.Add(r.ID, r)
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

// GetRelation returns r for id, falling back to a database read on a cache
// miss the same way GetWay does.
func (m *Middle) GetRelation(id int64) (*osm.Relation, bool) {
	if r, ok := m.relCache.Get(id); ok {
		return r, true
	}
	r, ok, err := m.loadRelation(id)
	if err != nil || !ok {
		return nil, false
	}
	m.relCache.Add(id, r)
	return r, true
}

func (m *Middle) loadRelation(id int64) (*osm.Relation, bool, error) {
	values, ok, err := m.db.SelectRowByID(m.ctx, relsTarget, id)
	if err != nil {
		return nil, false, fmt.Errorf("middle/pgsql: load relation %d: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	version, _ := values[1].(int64)
	tags, err := parseHstoreText(asString(values[2]))
	if err != nil {
		return nil, false, fmt.Errorf("middle/pgsql: parse relation %d tags: %w", id, err)
	}
	members, err := parseMemberList(asString(values[3]))
	if err != nil {
		return nil, false, fmt.Errorf("middle/pgsql: parse relation %d members: %w", id, err)
	}
	return &osm.Relation{ID: id, Version: uint32(version), Tags: tags, Members: members}, true, nil
}

// GetWayMembers resolves r's way members, falling back to the database the
// same way GetWay does for each member.
func (m *Middle) GetWayMembers(r *osm.Relation) []*osm.Way {
	var out []*osm.Way
	for _, mem := range r.WayMembers() {
		if w, ok := m.GetWay(mem.Ref); ok {
			out = append(out, w)
		}
	}
	return out
}

// DeleteRelation retires id.
func (m *Middle) DeleteRelation(id int64) error {
	m.relCache.Remove(id)
	delete(m.relVersions, id)
	return m.db.DeleteByID(m.ctx, relsTarget, id)
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	// Small sets (typical fan-out per node/way is single digits); a
	// simple insertion sort avoids pulling in sort for a handful of ids.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (m *Middle) WaysUsingNode(nodeID int64) []int64      { return sortedKeys(m.waysByNode[nodeID]) }
func (m *Middle) RelationsUsingNode(nodeID int64) []int64 { return sortedKeys(m.relsByNode[nodeID]) }
func (m *Middle) RelationsUsingWay(wayID int64) []int64   { return sortedKeys(m.relsByWay[wayID]) }

// Flush finalises the bulk copy opened in New for a create-mode run.
// Append-mode runs persist through prepared statements as each Put* is
// called, so there is nothing left to commit here.
func (m *Middle) Flush() error {
	if m.appendMode {
		return nil
	}
	for _, t := range []sink.Target{nodesTarget, waysTarget, relsTarget} {
		if err := m.db.EndCopy(m.ctx, t); err != nil {
			return fmt.Errorf("middle/pgsql: end copy for %s: %w", t.Name, err)
		}
	}
	return nil
}
