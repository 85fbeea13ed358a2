// Package pipeline implements the §4.8 controller: stage 1 streams OSM
// primitives from a source into the middle, dependency tracker, and
// outputs; stage 2 drains pending ways/relations through a worker pool;
// stage 3 shuts everything down and emits the rolled-up expiry list.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tilefeeder/osm2pg/internal/deps"
	"github.com/tilefeeder/osm2pg/internal/errs"
	"github.com/tilefeeder/osm2pg/internal/expire"
	"github.com/tilefeeder/osm2pg/internal/middle"
	"github.com/tilefeeder/osm2pg/internal/osm"
	"github.com/tilefeeder/osm2pg/internal/output"
	"github.com/tilefeeder/osm2pg/internal/quadkey"
)

// Options configures one Controller run, mirroring the subset of §6's
// configuration surface the controller itself consults (the rest is
// consumed by the collaborators it's built from: Middle, Output, Transform).
type Options struct {
	// Append selects diff-apply mode; false means a from-empty import.
	Append bool
	// NumProcs sizes the stage-2 worker pool. <= 1 runs stage 2 serially.
	NumProcs int
	// ExpireMinZoom is the lowest zoom the rolled-up expiry list covers; 0
	// disables expiry output entirely.
	ExpireMinZoom uint32
	ExpireMaxZoom uint32
}

// Controller drives one import run end to end.
type Controller struct {
	source  osm.Source
	mid     middle.Middle
	tracker *deps.Tracker
	out     output.Output
	opts    Options
	log     zerolog.Logger

	// master accumulates expiry tiles merged from the main output and
	// every stage-2 worker clone, ready for Shutdown to roll up and emit.
	master *expire.Set

	// recovered counts locally-recovered errors (§7) for the run summary.
	// absorb is called from every stage-2 worker goroutine in drain, so the
	// counter is atomic rather than a plain int.
	recovered atomic.Int64
}

// New constructs a Controller. out is the (possibly Multi-) output driven
// during stage 1 and cloned for stage-2 workers.
func New(source osm.Source, mid middle.Middle, tracker *deps.Tracker, out output.Output, opts Options, log zerolog.Logger) *Controller {
	return &Controller{
		source:  source,
		mid:     mid,
		tracker: tracker,
		out:     out,
		opts:    opts,
		log:     log,
		master:  expire.NewSet(nil, opts.ExpireMinZoom, opts.ExpireMaxZoom, 0),
	}
}

// Run executes stage 1, stage 2 (append mode only), and stage 3 in order.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.out.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: output start: %w", err)
	}

	if err := c.runStage1(ctx); err != nil {
		return err
	}

	if c.opts.Append {
		if err := c.switchMiddleReadOnly(); err != nil {
			return err
		}
		if err := c.runStage2(ctx); err != nil {
			return err
		}
	}

	return nil
}

// readOnlySwitcher is satisfied by Middle backends (middle/pgsql.Middle,
// when its location store is a flatnodes.Store) that can remap their
// node-location cache read-only once stage 1 stops writing. Stage 2 only
// reads node locations, so the switch is safe and lets the store drop its
// write-side bookkeeping.
type readOnlySwitcher interface {
	SwitchReadOnly() error
}

func (c *Controller) switchMiddleReadOnly() error {
	s, ok := c.mid.(readOnlySwitcher)
	if !ok {
		return nil
	}
	if err := s.SwitchReadOnly(); err != nil {
		return fmt.Errorf("pipeline: switch middle read-only before stage 2: %w", err)
	}
	return nil
}

// Shutdown runs stage 3: commit outputs, merge their expiry sets, emit the
// rolled-up tile list to w (nil skips emission), and flush the middle.
func (c *Controller) Shutdown(ctx context.Context, w io.Writer) error {
	c.out.MergeExpire(c.master)

	if err := c.out.Stop(ctx); err != nil {
		return fmt.Errorf("pipeline: output stop: %w", err)
	}
	if err := c.mid.Flush(); err != nil {
		return fmt.Errorf("pipeline: middle flush: %w", err)
	}

	if w == nil || c.opts.ExpireMinZoom == 0 {
		return nil
	}
	return emitExpiryList(w, c.master, c.opts.ExpireMinZoom, c.opts.ExpireMaxZoom)
}

// emitExpiryList writes one "zoom/x/y" line per tile, rolled up across zoom
// levels and sorted ascending by (zoom, x, y), per §6's expiry output
// format (see Rollup).
func emitExpiryList(w io.Writer, set *expire.Set, minZoom, maxZoom uint32) error {
	tiles := Rollup(set, minZoom, maxZoom)
	for _, t := range tiles {
		if _, err := fmt.Fprintf(w, "%s\n", t.String()); err != nil {
			return errs.Wrap(errs.BackendFailure, "pipeline.emitExpiryList", "write tile line: %w", err)
		}
	}
	return nil
}

// Rollup is a thin wrapper around expire.Rollup, which emits tiles by zoom
// ascending and then by quadkey. It re-sorts each zoom by x and then y, so
// the result is in (zoom, x, y) order.
func Rollup(set *expire.Set, minZoom, maxZoom uint32) []quadkey.Tile {
	tiles := expire.Rollup(set.GetTiles(), minZoom, maxZoom)
	sort.SliceStable(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.Zoom != b.Zoom {
			return a.Zoom < b.Zoom
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return tiles
}

func (c *Controller) runStage1(ctx context.Context) error {
	h := osm.HandlerFunc{
		Node:         c.handleNode,
		Way:          c.handleWay,
		Relation:     c.handleRelation,
		ChangesetEnd: func() error { return nil },
	}
	if err := c.source.Run(ctx, h); err != nil {
		return fmt.Errorf("pipeline: stage 1: %w", err)
	}
	return nil
}

func (c *Controller) handleNode(n osm.Node) error {
	if n.Deleted {
		if err := c.mid.DeleteNode(n.ID); err != nil {
			return c.absorb(err)
		}
		if c.opts.Append {
			c.tracker.NoteNodeChange(n.ID)
		}
		return c.absorb(c.out.NodeDelete(context.Background(), n.ID))
	}

	wasKnown := false
	if c.opts.Append {
		_, wasKnown = c.mid.GetNode(n.ID)
	}
	if err := c.mid.PutNode(&n); err != nil {
		return c.absorb(err)
	}
	if c.opts.Append {
		c.tracker.NoteNodeChange(n.ID)
	}

	ctx := context.Background()
	if c.opts.Append && wasKnown {
		return c.absorb(c.out.NodeModify(ctx, &n))
	}
	return c.absorb(c.out.NodeAdd(ctx, &n))
}

func (c *Controller) handleWay(w osm.Way) error {
	if w.Deleted {
		if err := c.mid.DeleteWay(w.ID); err != nil {
			return c.absorb(err)
		}
		if c.opts.Append {
			c.tracker.NoteWayChange(w.ID)
		}
		return c.absorb(c.out.WayDelete(context.Background(), w.ID))
	}

	wasKnown := false
	if c.opts.Append {
		_, wasKnown = c.mid.GetWay(w.ID)
	}
	if err := c.mid.PutWay(&w); err != nil {
		return c.absorb(err)
	}
	if c.opts.Append {
		c.tracker.NoteWayChange(w.ID)
	}

	ctx := context.Background()
	if c.opts.Append && wasKnown {
		return c.absorb(c.out.WayModify(ctx, &w))
	}
	return c.absorb(c.out.WayAdd(ctx, &w))
}

func (c *Controller) handleRelation(r osm.Relation) error {
	if r.Deleted {
		if err := c.mid.DeleteRelation(r.ID); err != nil {
			return c.absorb(err)
		}
		if c.opts.Append {
			c.tracker.NoteRelationChange(r.ID)
		}
		return c.absorb(c.out.RelationDelete(context.Background(), r.ID))
	}

	wasKnown := false
	if c.opts.Append {
		_, wasKnown = c.mid.GetRelation(r.ID)
	}
	if err := c.mid.PutRelation(&r); err != nil {
		return c.absorb(err)
	}
	if c.opts.Append {
		c.tracker.NoteRelationChange(r.ID)
	}

	ctx := context.Background()
	if c.opts.Append && wasKnown {
		return c.absorb(c.out.RelationModify(ctx, &r))
	}
	return c.absorb(c.out.RelationAdd(ctx, &r))
}

// absorb applies §7's propagation policy: recoverable errors are logged and
// counted, not propagated; everything else unwinds to the caller.
func (c *Controller) absorb(err error) error {
	if err == nil {
		return nil
	}
	if errs.Recoverable(err) {
		c.recovered.Add(1)
		c.log.Warn().Err(err).Msg("recovered from local error")
		return nil
	}
	return err
}

// RecoveredCount reports how many local-recoverable errors stage 1/2 have
// absorbed so far, for the run summary.
func (c *Controller) RecoveredCount() int { return int(c.recovered.Load()) }

// runStage2 drains pending ways then pending relations (§4.5's ordering:
// "ways are processed before relations"), fanning the drained ids out
// across a worker pool sized by Options.NumProcs.
func (c *Controller) runStage2(ctx context.Context) error {
	ways := c.tracker.DrainWays()
	if err := c.drain(ctx, ways, func(ctx context.Context, o output.Output, id int64) error {
		return o.PendingWay(ctx, id)
	}); err != nil {
		return fmt.Errorf("pipeline: stage 2 ways: %w", err)
	}

	rels := c.tracker.DrainRelations()
	if err := c.drain(ctx, rels, func(ctx context.Context, o output.Output, id int64) error {
		return o.PendingRelation(ctx, id)
	}); err != nil {
		return fmt.Errorf("pipeline: stage 2 relations: %w", err)
	}
	return nil
}

// drain fans ids out across a fixed worker pool, each worker driving its
// own Output clone (§5: "each worker gets a clone of the output"). Workers
// never touch the same id, so no cross-worker coordination beyond the
// shared ids channel is needed.
func (c *Controller) drain(ctx context.Context, ids []int64, call func(context.Context, output.Output, int64) error) error {
	if len(ids) == 0 {
		return nil
	}

	workers := c.opts.NumProcs
	if workers < 1 {
		workers = 1
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	idCh := make(chan int64)
	workerOutputs := make([]output.Output, workers)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		worker := c.out.Clone()
		workerOutputs[i] = worker
		g.Go(func() error {
			for id := range idCh {
				if err := c.absorb(call(gctx, worker, id)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(idCh)
		for _, id := range ids {
			select {
			case idCh <- id:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	for _, w := range workerOutputs {
		w.MergeExpire(c.master)
	}
	return nil
}
