// Package sink defines the row-sink contract (§6): the database/SQL-dialect
// collaborator the core writes rows through, abstracted behind bulk-copy
// and prepared-statement operations so the core never imports a driver
// directly.
package sink

import "context"

// Target describes one output table: schema, name, column list, SRID, and
// whether it is being built from scratch or appended to.
type Target struct {
	Schema  string
	Name    string
	Columns []Column
	SRID    int32
	Append  bool
}

// Column describes one column of a Target.
type Column struct {
	Name string
	Type ColumnType
}

// ColumnType enumerates the column kinds a Target may declare.
type ColumnType int

const (
	ColText ColumnType = iota
	ColInt
	ColReal
	ColGeometry
	ColHstore
)

// RowSink is the contract a concrete database backend satisfies.
type RowSink interface {
	// PrepareTable issues the DDL to create or verify t.
	PrepareTable(ctx context.Context, t Target) error

	// BeginCopy starts a bulk insert against t.
	BeginCopy(ctx context.Context, t Target) error
	// WriteRow appends one row of values to the in-flight copy. Values
	// must align with t.Columns in order.
	WriteRow(ctx context.Context, t Target, values ...any) error
	// EndCopy finalises the in-flight copy against t.
	EndCopy(ctx context.Context, t Target) error

	// DeleteByID removes the row for id from t, used by diff application
	// and stage-2 re-emission (delete then insert).
	DeleteByID(ctx context.Context, t Target, id int64) error
	// SelectWKBByID returns the geometry column's WKB bytes for id, or
	// (nil, false) if no row exists.
	SelectWKBByID(ctx context.Context, t Target, id int64) ([]byte, bool, error)

	// SelectRowByID returns t's full column list for id, in column order,
	// or (nil, false) if no row exists. Scalar values come back as int64,
	// float64, string, or []byte (the geometry column, as WKB) depending
	// on the column's ColumnType. Used to read a row back through a
	// middle's bounded cache miss, not on any per-row hot path.
	SelectRowByID(ctx context.Context, t Target, id int64) ([]any, bool, error)

	// PrepareStatement registers sql under name for later ExecPrepared
	// calls.
	PrepareStatement(ctx context.Context, name, sql string) error
	// ExecPrepared runs the statement registered as name with params.
	ExecPrepared(ctx context.Context, name string, params ...any) (rowsAffected int64, err error)

	// Close releases any held connections/statements.
	Close() error
}
