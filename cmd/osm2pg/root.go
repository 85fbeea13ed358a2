package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tilefeeder/osm2pg/internal/config"
	"github.com/tilefeeder/osm2pg/internal/deps"
	"github.com/tilefeeder/osm2pg/internal/expire"
	"github.com/tilefeeder/osm2pg/internal/geom"
	"github.com/tilefeeder/osm2pg/internal/middle"
	"github.com/tilefeeder/osm2pg/internal/middle/flatnodes"
	"github.com/tilefeeder/osm2pg/internal/middle/pgsql"
	"github.com/tilefeeder/osm2pg/internal/middle/ram"
	"github.com/tilefeeder/osm2pg/internal/osm/xmlsource"
	"github.com/tilefeeder/osm2pg/internal/output"
	"github.com/tilefeeder/osm2pg/internal/pipeline"
	"github.com/tilefeeder/osm2pg/internal/reproject"
	sinkpgsql "github.com/tilefeeder/osm2pg/internal/sink/pgsql"
	"github.com/tilefeeder/osm2pg/internal/tagtransform"
	"github.com/tilefeeder/osm2pg/internal/tagtransform/style"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "osm2pg --dsn <postgres-dsn> --style <style-file> <input.osm|input.osc>",
	Short: "Import an OSM extract or changeset into a PostGIS database",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("dsn", "", "PostGIS connection string (required)")
	flags.String("style", "", "osm2pgsql-style tag-transform style file (required)")
	flags.Bool("append", false, "apply the input as a diff against existing slim tables, instead of a from-empty import")
	flags.Bool("slim", true, "keep nodes/ways/relations resident in the database rather than a pure in-memory middle")
	flags.String("flat-nodes", "", "path to a flat-node file, for extracts dense enough to skip the nodes table")
	flags.Int64("flat-nodes-capacity", 1<<24, "initial flat-node file capacity, in node ids")
	flags.Int32("srid", 3857, "target spatial reference id for geometry storage (3857 or 4326)")
	flags.String("hstore-mode", "none", "hstore projection for untagged columns: none, norm, or all")
	flags.Bool("hstore-match-only", false, "only add a feature row when a style-listed tag column matched")
	flags.Bool("multi-geometry-split", true, "split multipart relation geometries into single-part rows")
	flags.Bool("keep-coastlines", false, "do not force area=yes onto natural=coastline ways")
	flags.Uint32("num-procs", 1, "worker count for the append-mode pending way/relation drain")
	flags.String("expire-output", "", "file to write the rolled-up expired-tile list to (disabled if empty)")
	flags.Uint32("expire-min-zoom", 0, "lowest zoom level in the expiry rollup (0 disables expiry tracking)")
	flags.Uint32("expire-max-zoom", 18, "highest zoom level tiles are rasterised at before rollup")
	flags.Float64("expire-bbox-limit", 20, "bounding-box side, in tiles, above which hybrid expiry mode drops a polygon to boundary-only")
	flags.Float64("expire-max-bbox-m", 0, "bounding-box side, in Web Mercator metres, above which hybrid expiry mode drops a polygon to boundary-only regardless of zoom (0 disables)")
	flags.Float64("expire-buffer-tiles", expire.DefaultBuffer, "default expiry buffer around a dirty tile, in tile units")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("OSM2PG")
	v.AutomaticEnv()
}

func loadOptions() (config.Options, error) {
	opts := config.DefaultOptions()
	opts.ProjectionSRS = v.GetInt32("srid")
	opts.ExpireMinZoom = v.GetUint32("expire-min-zoom")
	opts.ExpireMaxZoom = v.GetUint32("expire-max-zoom")
	opts.ExpireMaxBBoxM = v.GetFloat64("expire-max-bbox-m")
	opts.ExpireBufferTile = v.GetFloat64("expire-buffer-tiles")
	opts.Append = v.GetBool("append")
	opts.StyleFilePath = v.GetString("style")
	opts.HstoreMatchOnly = v.GetBool("hstore-match-only")
	opts.MultipolygonSplit = v.GetBool("multi-geometry-split")
	opts.KeepCoastlines = v.GetBool("keep-coastlines")
	opts.FlatNodesPath = v.GetString("flat-nodes")
	opts.Slim = v.GetBool("slim")
	opts.NumProcs = v.GetUint32("num-procs")

	hstoreMode, err := config.ParseHstoreMode(v.GetString("hstore-mode"))
	if err != nil {
		return opts, err
	}
	opts.HstoreMode = hstoreMode
	return opts, nil
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func newReprojector(srid int32) (reproject.Reprojector, error) {
	switch srid {
	case 4326:
		return reproject.NewLatLon(), nil
	case 3857:
		return reproject.NewWebMercator(), nil
	default:
		// Any other target SRS needs an external projection library
		// (PROJ/GDAL) behind reproject.Projector; the CLI doesn't embed
		// one, so it only drives the two SRIDs it can project itself.
		return nil, fmt.Errorf("osm2pg: --srid %d requires an external reproject.Projector, not wired into this CLI", srid)
	}
}

func styleHstoreMode(mode config.HstoreMode) style.HstoreMode {
	switch mode {
	case config.HstoreAll:
		return style.HstoreAll
	case config.HstoreNorm:
		return style.HstoreNorm
	default:
		return style.HstoreNone
	}
}

func loadTransform(path string, opts config.Options) (tagtransform.Transform, error) {
	if path == "" {
		return nil, fmt.Errorf("osm2pg: --style is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("osm2pg: open style file: %w", err)
	}
	defer f.Close()

	entries, _, err := style.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("osm2pg: parse style file: %w", err)
	}
	t := style.NewTransform(entries, opts.KeepCoastlines)
	t.WithHstoreMode(styleHstoreMode(opts.HstoreMode))
	return t, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	dsn := v.GetString("dsn")
	if dsn == "" {
		return fmt.Errorf("osm2pg: --dsn is required")
	}

	log := newLogger()
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	inputPath := args[0]
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("osm2pg: open input: %w", err)
	}
	defer in.Close()
	source := xmlsource.New(in)

	reprojector, err := newReprojector(opts.ProjectionSRS)
	if err != nil {
		return err
	}

	transform, err := loadTransform(opts.StyleFilePath, opts)
	if err != nil {
		return err
	}

	db, err := sinkpgsql.Open(dsn)
	if err != nil {
		return fmt.Errorf("osm2pg: connect to database: %w", err)
	}
	defer db.Close()

	mid, closeMiddle, err := buildMiddle(ctx, db, opts, log)
	if err != nil {
		return err
	}
	defer closeMiddle()

	tracker := deps.NewTracker(mid, mid)
	builder := geom.NewBuilder(reprojector, 0)

	var expireSet *expire.Set
	if opts.ExpireMinZoom != 0 {
		expireSet = expire.NewSet(reprojector, opts.ExpireMinZoom, opts.ExpireMaxZoom, 0)
	}
	expireCfg := expire.Config{
		Mode:          expire.ModeHybrid,
		FullAreaLimit: v.GetFloat64("expire-bbox-limit"),
		BufferTiles:   opts.ExpireBufferTile,
		MaxBBoxSideM:  opts.ExpireMaxBBoxM,
	}

	out := output.NewPgsqlOutput(output.Config{
		Sink:            db,
		Middle:          mid,
		Builder:         builder,
		Transform:       transform,
		Expire:          expireSet,
		ExpireMode:      expireCfg,
		SRID:            opts.ProjectionSRS,
		HstoreMatchOnly: opts.HstoreMatchOnly,
		AppendMode:      opts.Append,
	})

	ctrl := pipeline.New(source, mid, tracker, out, pipeline.Options{
		Append:        opts.Append,
		NumProcs:      int(opts.NumProcs),
		ExpireMinZoom: opts.ExpireMinZoom,
		ExpireMaxZoom: opts.ExpireMaxZoom,
	}, log)

	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("osm2pg: run: %w", err)
	}

	expireOut, closeExpire, err := openExpireOutput(v.GetString("expire-output"))
	if err != nil {
		return err
	}
	defer closeExpire()

	if err := ctrl.Shutdown(ctx, expireOut); err != nil {
		return fmt.Errorf("osm2pg: shutdown: %w", err)
	}

	log.Info().Int("recovered_errors", ctrl.RecoveredCount()).Msg("import complete")
	return nil
}

// buildMiddle constructs the slim (pgsql) or pure in-memory (ram) middle per
// opts, wiring a flat-node file in for the slim backend's node-location
// cache when one is configured.
func buildMiddle(ctx context.Context, db *sinkpgsql.Sink, opts config.Options, log zerolog.Logger) (middle.Middle, func(), error) {
	if !opts.Slim {
		return ram.New(), func() {}, nil
	}

	m, err := pgsql.New(ctx, db, opts.Append)
	if err != nil {
		return nil, nil, fmt.Errorf("osm2pg: open slim middle: %w", err)
	}

	if opts.FlatNodesPath == "" {
		return m, func() {}, nil
	}

	store, err := flatnodes.Open(opts.FlatNodesPath, v.GetInt64("flat-nodes-capacity"))
	if err != nil {
		return nil, nil, fmt.Errorf("osm2pg: open flat-node file: %w", err)
	}
	m.UseLocationStore(store)
	log.Info().Str("path", opts.FlatNodesPath).Msg("using flat-node file for node locations")
	return m, func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing flat-node file")
		}
	}, nil
}

func openExpireOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("osm2pg: create expire output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
