// Package pgsql is the default RowSink implementation: a thin layer over
// database/sql and github.com/lib/pq providing bulk COPY and prepared
// statements against a Postgres/PostGIS database.
package pgsql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/tilefeeder/osm2pg/internal/sink"
)

// copyState is one table's in-flight COPY FROM STDIN: its transaction and
// prepared copy statement.
type copyState struct {
	tx   *sql.Tx
	stmt *sql.Stmt
}

// Sink implements sink.RowSink over a single *sql.DB. Collaborators that
// each hold their own Target open a COPY independently of one another —
// the middle's nodes/ways/rels copies and an output's per-feature-table
// copies are all in flight at once (§5: "typically one connection per
// writer") — so in-flight copies are keyed by qualified table name rather
// than held in a single shared slot.
type Sink struct {
	db *sql.DB

	mu     sync.Mutex
	stmts  map[string]*sql.Stmt
	copies map[string]*copyState
}

// Open connects to dsn via lib/pq.
func Open(dsn string) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsql sink: open: %w", err)
	}
	return &Sink{db: db, stmts: make(map[string]*sql.Stmt), copies: make(map[string]*copyState)}, nil
}

func qualify(t sink.Target) string {
	if t.Schema == "" {
		return pq.QuoteIdentifier(t.Name)
	}
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

func sqlType(c sink.Column, srid int32) string {
	switch c.Type {
	case sink.ColInt:
		return "bigint"
	case sink.ColReal:
		return "double precision"
	case sink.ColGeometry:
		return fmt.Sprintf("geometry(Geometry,%d)", srid)
	case sink.ColHstore:
		return "hstore"
	default:
		return "text"
	}
}

// PrepareTable issues CREATE TABLE IF NOT EXISTS for create-mode targets;
// append-mode targets are assumed to already exist.
func (s *Sink) PrepareTable(ctx context.Context, t sink.Target) error {
	if t.Append {
		return nil
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = fmt.Sprintf("%s %s", pq.QuoteIdentifier(c.Name), sqlType(c, t.SRID))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualify(t), strings.Join(cols, ", "))
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("pgsql sink: prepare table %s: %w", t.Name, err)
	}
	return nil
}

// BeginCopy opens a COPY FROM STDIN statement against t, independent of any
// other target's in-flight copy.
func (s *Sink) BeginCopy(ctx context.Context, t sink.Target) error {
	key := qualify(t)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgsql sink: begin copy tx: %w", err)
	}
	colNames := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		colNames[i] = c.Name
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(t.Schema, t.Name, colNames...))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("pgsql sink: prepare copy for %s: %w", t.Name, err)
	}

	s.mu.Lock()
	s.copies[key] = &copyState{tx: tx, stmt: stmt}
	s.mu.Unlock()
	return nil
}

func (s *Sink) copyFor(t sink.Target) (*copyState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copies[qualify(t)]
	return c, ok
}

// WriteRow appends one row to t's in-flight copy.
func (s *Sink) WriteRow(ctx context.Context, t sink.Target, values ...any) error {
	c, ok := s.copyFor(t)
	if !ok {
		return fmt.Errorf("pgsql sink: write_row called without an open copy for %s", t.Name)
	}
	if _, err := c.stmt.ExecContext(ctx, values...); err != nil {
		return fmt.Errorf("pgsql sink: write row to %s: %w", t.Name, err)
	}
	return nil
}

// EndCopy flushes and commits t's in-flight copy.
func (s *Sink) EndCopy(ctx context.Context, t sink.Target) error {
	key := qualify(t)
	c, ok := s.copyFor(t)
	if !ok {
		return fmt.Errorf("pgsql sink: end_copy called without an open copy for %s", t.Name)
	}
	defer func() {
		s.mu.Lock()
		delete(s.copies, key)
		s.mu.Unlock()
	}()

	if _, err := c.stmt.ExecContext(ctx); err != nil {
		c.tx.Rollback()
		return fmt.Errorf("pgsql sink: finalise copy for %s: %w", t.Name, err)
	}
	if err := c.stmt.Close(); err != nil {
		c.tx.Rollback()
		return fmt.Errorf("pgsql sink: close copy statement for %s: %w", t.Name, err)
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("pgsql sink: commit copy for %s: %w", t.Name, err)
	}
	return nil
}

// DeleteByID removes the row for id from t. The schema assumes an osm_id
// column on every target.
func (s *Sink) DeleteByID(ctx context.Context, t sink.Target, id int64) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE osm_id = $1", qualify(t))
	if _, err := s.db.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("pgsql sink: delete_by_id from %s: %w", t.Name, err)
	}
	return nil
}

// SelectWKBByID returns the geometry column's WKB bytes for id.
func (s *Sink) SelectWKBByID(ctx context.Context, t sink.Target, id int64) ([]byte, bool, error) {
	stmt := fmt.Sprintf("SELECT ST_AsEWKB(way) FROM %s WHERE osm_id = $1", qualify(t))
	var wkb []byte
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(&wkb)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgsql sink: select_wkb_by_id from %s: %w", t.Name, err)
	}
	return wkb, true, nil
}

// SelectRowByID returns t's full column list for id, scanning each column
// per its declared ColumnType. Hstore columns are cast to text (lib/pq has
// no native hstore scan type) and geometry columns come back as WKB.
func (s *Sink) SelectRowByID(ctx context.Context, t sink.Target, id int64) ([]any, bool, error) {
	cols := make([]string, len(t.Columns))
	dest := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		switch c.Type {
		case sink.ColGeometry:
			cols[i] = fmt.Sprintf("ST_AsEWKB(%s)", pq.QuoteIdentifier(c.Name))
			dest[i] = new([]byte)
		case sink.ColHstore:
			cols[i] = pq.QuoteIdentifier(c.Name) + "::text"
			dest[i] = new(string)
		case sink.ColInt:
			cols[i] = pq.QuoteIdentifier(c.Name)
			dest[i] = new(int64)
		case sink.ColReal:
			cols[i] = pq.QuoteIdentifier(c.Name)
			dest[i] = new(float64)
		default:
			cols[i] = pq.QuoteIdentifier(c.Name)
			dest[i] = new(string)
		}
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE osm_id = $1", strings.Join(cols, ", "), qualify(t))
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgsql sink: select_row_by_id from %s: %w", t.Name, err)
	}

	values := make([]any, len(dest))
	for i, d := range dest {
		switch v := d.(type) {
		case *int64:
			values[i] = *v
		case *float64:
			values[i] = *v
		case *[]byte:
			values[i] = *v
		case *string:
			values[i] = *v
		}
	}
	return values, true, nil
}

// PrepareStatement registers a named prepared statement for later use.
func (s *Sink) PrepareStatement(ctx context.Context, name, sqlText string) error {
	stmt, err := s.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("pgsql sink: prepare statement %s: %w", name, err)
	}
	s.mu.Lock()
	s.stmts[name] = stmt
	s.mu.Unlock()
	return nil
}

// ExecPrepared runs the statement registered as name.
func (s *Sink) ExecPrepared(ctx context.Context, name string, params ...any) (int64, error) {
	s.mu.Lock()
	stmt, ok := s.stmts[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("pgsql sink: no prepared statement named %s", name)
	}
	res, err := stmt.ExecContext(ctx, params...)
	if err != nil {
		return 0, fmt.Errorf("pgsql sink: exec prepared %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pgsql sink: rows affected for %s: %w", name, err)
	}
	return n, nil
}

// Close releases all prepared statements and the underlying connection
// pool.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	for _, c := range s.copies {
		c.stmt.Close()
		c.tx.Rollback()
	}
	s.copies = make(map[string]*copyState)
	return s.db.Close()
}
