package kvview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Map runs the mapper over entries concurrently and applies all resulting
// ops to the merge store in one atomic batch. The first mapper failure fails
// the whole batch with a *MapperError and nothing is written.
func (idx *Index) Map(ctx context.Context, entries []Entry) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	start := time.Now()

	perEntry := make([][]Op, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	if idx.mapConcurrency > 0 {
		g.SetLimit(idx.mapConcurrency)
	}
	for i, e := range entries {
		g.Go(func() error {
			ops, err := idx.mapEntry(gctx, e)
			if err != nil {
				return err
			}
			perEntry[i] = ops
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		idx.metrics.batchErrors.WithLabelValues("map").Inc()
		return err
	}

	ops := slices.Concat(perEntry...)
	if err := idx.merge.Batch(ctx, ops); err != nil {
		idx.metrics.batchErrors.WithLabelValues("store").Inc()
		return storeErrf("batch", "", err)
	}

	elapsed := time.Since(start)
	idx.metrics.batches.Inc()
	idx.metrics.entries.Add(float64(len(entries)))
	idx.metrics.ops.Add(float64(len(ops)))
	idx.metrics.batchDuration.Observe(elapsed.Seconds())
	if idx.verbose {
		idx.logger.LogAttrs(ctx, slog.LevelDebug, "kvview: batch applied",
			slog.Int("entries", len(entries)),
			slog.Int("ops", len(ops)),
			slog.Duration("elapsed", elapsed))
	}
	return nil
}

var errEmptyKey = errors.New("op with empty key")

func (idx *Index) mapEntry(ctx context.Context, e Entry) (ops []Op, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &MapperError{ID: e.ID(), Err: fmt.Errorf("panic: %v\n\n%s", p, debug.Stack())}
		}
	}()
	ops, err = idx.mapper.Map(ctx, e)
	if err != nil {
		return nil, &MapperError{ID: e.ID(), Err: err}
	}
	for _, op := range ops {
		if op.Key == "" {
			return nil, &MapperError{ID: e.ID(), Err: errEmptyKey}
		}
	}
	return ops, nil
}

// Indexed emits update notifications for entries that have been applied. It
// maps every entry again and notifies the key of its first op. It never
// fails: entries the mapper rejects are skipped.
func (idx *Index) Indexed(ctx context.Context, entries []Entry) {
	if idx.closed.Load() {
		return
	}
	for _, e := range entries {
		ops, err := idx.mapEntry(ctx, e)
		if err != nil {
			idx.logger.LogAttrs(ctx, slog.LevelDebug, "kvview: skipping notification", idAttr("id", e.ID()), slog.Any("err", err))
			continue
		}
		if len(ops) == 0 {
			continue
		}
		idx.notifier.Emit(ctx, ops[0].Key, e)
		idx.metrics.updates.Inc()
	}
}
