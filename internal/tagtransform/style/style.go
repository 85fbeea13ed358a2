// Package style parses the column/flag/type style-file grammar of §4.7:
// lines of `osm_type<WS>key<WS>sql_type<WS>comma_separated_flags`.
package style

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// OSMType selects which primitive types an entry applies to.
type OSMType int

const (
	Node OSMType = 1 << iota
	Way
)

// Flag is one of the recognised style flags.
type Flag int

const (
	FlagPolygon Flag = iota
	FlagLinear
	FlagNoCache
	FlagDelete
	FlagNoColumn
	FlagPHStore
)

var flagNames = map[string]Flag{
	"polygon":  FlagPolygon,
	"linear":   FlagLinear,
	"nocache":  FlagNoCache,
	"delete":   FlagDelete,
	"nocolumn": FlagNoColumn,
	"phstore":  FlagPHStore,
}

// DBType classifies a declared SQL type into the three buckets the
// transform cares about.
type DBType int

const (
	DBText DBType = iota
	DBInt
	DBReal
)

// Entry is one parsed style-file line.
type Entry struct {
	Types OSMType
	Key   string
	DB    DBType
	Flags map[Flag]bool
}

func (e Entry) Has(f Flag) bool { return e.Flags[f] }

// IsWildcard reports whether Key contains a glob-style wildcard.
func (e Entry) IsWildcard() bool {
	return strings.ContainsAny(e.Key, "?*")
}

var intTypes = map[string]bool{
	"smallint": true, "integer": true, "bigint": true,
	"int2": true, "int4": true, "int8": true,
}

var realTypes = map[string]bool{
	"real": true, "double precision": true,
}

func dbTypeOf(sqlType, key string) DBType {
	if key == "way_area" {
		return DBText
	}
	lower := strings.ToLower(sqlType)
	if intTypes[lower] {
		return DBInt
	}
	if realTypes[lower] {
		return DBReal
	}
	return DBText
}

func parseOSMType(s string) (OSMType, error) {
	switch s {
	case "node":
		return Node, nil
	case "way":
		return Way, nil
	case "node,way", "way,node":
		return Node | Way, nil
	default:
		return 0, fmt.Errorf("style: unrecognised osm_type %q", s)
	}
}

// Parse reads the style grammar from r, returning the parsed entries and
// whether a way_area pseudo-column should be auto-emitted (true whenever
// any entry carries the polygon flag, per §4.7).
func Parse(r io.Reader) ([]Entry, bool, error) {
	var entries []Entry
	autoWayArea := false

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, false, fmt.Errorf("style:%d: expected at least 3 fields, got %d", lineNo, len(fields))
		}

		types, err := parseOSMType(fields[0])
		if err != nil {
			return nil, false, fmt.Errorf("style:%d: %w", lineNo, err)
		}
		key := fields[1]
		sqlType := fields[2]

		flags := make(map[Flag]bool)
		if len(fields) >= 4 {
			for _, name := range strings.Split(fields[3], ",") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				flag, ok := flagNames[name]
				if !ok {
					return nil, false, fmt.Errorf("style:%d: unrecognised flag %q", lineNo, name)
				}
				flags[flag] = true
			}
		}
		if flags[FlagPHStore] {
			flags[FlagPolygon] = true
			flags[FlagNoColumn] = true
		}

		entry := Entry{
			Types: types,
			Key:   key,
			DB:    dbTypeOf(sqlType, key),
			Flags: flags,
		}

		if entry.IsWildcard() && !flags[FlagDelete] {
			return nil, false, fmt.Errorf("style:%d: wildcard key %q is only legal on a delete entry", lineNo, key)
		}
		if flags[FlagPolygon] {
			autoWayArea = true
		}

		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("style: reading: %w", err)
	}
	return entries, autoWayArea, nil
}
