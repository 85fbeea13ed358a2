// Package config defines the configuration surface §6 lists for the core:
// a plain Options struct the core packages consume directly, decoupled from
// however cmd/osm2pg actually loads it (flags, environment, config file).
package config

import "fmt"

// HstoreMode selects how tag-transform projects leftover tags into an
// hstore column.
type HstoreMode int

const (
	HstoreNone HstoreMode = iota
	HstoreNorm
	HstoreAll
)

func ParseHstoreMode(s string) (HstoreMode, error) {
	switch s {
	case "", "none":
		return HstoreNone, nil
	case "norm":
		return HstoreNorm, nil
	case "all":
		return HstoreAll, nil
	default:
		return HstoreNone, fmt.Errorf("config: unrecognised hstore mode %q", s)
	}
}

// Tablespaces mirrors §6's optional per-role tablespace assignment.
type Tablespaces struct {
	MainData string
	MainIdx  string
	SlimData string
	SlimIdx  string
}

// Options is the configuration surface the core consumes (§6). cmd/osm2pg
// is responsible for populating one of these from flags/env/file and
// handing it to the pipeline's collaborators; the core packages never read
// viper or flags directly.
type Options struct {
	ProjectionSRS int32

	ExpireMinZoom    uint32 // 0 disables expiry output
	ExpireMaxZoom    uint32
	ExpireMaxBBoxM   float64
	ExpireBufferTile float64

	Append bool

	StyleFilePath string

	HstoreMode         HstoreMode
	HstoreMatchOnly    bool
	HstoreExtraColumns []string

	MultipolygonSplit bool
	KeepCoastlines    bool

	FlatNodesPath string // "" disables the flat-node file

	Slim     bool
	NumProcs uint32

	Tablespaces Tablespaces
}

// Validate checks the invariants the core packages assume hold (e.g.
// ExpireMinZoom <= ExpireMaxZoom when expiry is enabled), per §6's
// "malformed configuration" InvalidInput case.
func (o Options) Validate() error {
	if o.ExpireMinZoom != 0 && o.ExpireMinZoom > o.ExpireMaxZoom {
		return fmt.Errorf("config: expire_min_zoom %d exceeds expire_max_zoom %d", o.ExpireMinZoom, o.ExpireMaxZoom)
	}
	if o.NumProcs == 0 {
		return fmt.Errorf("config: num_procs must be at least 1")
	}
	return nil
}

// DefaultOptions returns the baseline the CLI layers flags/env over.
func DefaultOptions() Options {
	return Options{
		ProjectionSRS:     3857,
		ExpireMinZoom:     0,
		ExpireMaxZoom:     18,
		ExpireBufferTile:  0.1,
		HstoreMode:        HstoreNone,
		MultipolygonSplit: true,
		Slim:              true,
		NumProcs:          1,
	}
}
