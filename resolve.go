package kvview

import (
	"context"
	"iter"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// LogSource reads entries back by writer and sequence number. It must allow
// concurrent reads.
type LogSource interface {
	Get(ctx context.Context, w WriterID, seq uint64) (Entry, error)
}

// Record is one element of ReadStream.
type Record struct {
	Key   string
	Entry Entry
}

// Get returns the current entries of key, in no particular order. It first
// waits for the index to catch up (see Ready). An absent key yields no
// entries and no error; any id that cannot be read back fails the call with
// a *ResolutionError.
func (idx *Index) Get(ctx context.Context, key string) ([]Entry, error) {
	if idx.closed.Load() {
		return nil, ErrClosed
	}
	if err := idx.Ready(ctx); err != nil {
		return nil, err
	}
	ids, err := idx.merge.Get(ctx, key)
	if err != nil {
		return nil, storeErrf("get", key, err)
	}
	return idx.resolveAll(ctx, ids)
}

// resolveAll reads ids concurrently; the first failure cancels the rest.
func (idx *Index) resolveAll(ctx context.Context, ids []ID) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	result := make([]Entry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			e, err := idx.resolve(gctx, id)
			if err != nil {
				return err
			}
			result[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		idx.metrics.resolveErrors.WithLabelValues("get").Inc()
		return nil, err
	}
	return result, nil
}

func (idx *Index) resolve(ctx context.Context, id ID) (Entry, error) {
	if idx.cache != nil {
		if e, ok := idx.cache.Get(id); ok {
			return e, nil
		}
	}
	e, err := idx.logs.Get(ctx, id.Writer, id.Seq)
	if err != nil {
		return Entry{}, &ResolutionError{ID: id, Err: err}
	}
	if idx.cache != nil {
		idx.cache.Add(id, e)
	}
	return e, nil
}

// ReadStream lazily walks the whole index in key order, yielding one record
// per current id. Every range over the result starts a fresh pass. Ids that
// cannot be read back are logged and skipped; a failing scan yields the
// error as its last element.
//
// A read transaction stays open while the loop body runs, so the body must
// not wait for the index to be written to.
func (idx *Index) ReadStream(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if idx.closed.Load() {
			yield(Record{}, ErrClosed)
			return
		}
		stopped := false
		err := idx.merge.Scan(ctx, func(key string, ids []ID) error {
			for _, id := range ids {
				e, err := idx.resolve(ctx, id)
				if err != nil {
					idx.metrics.resolveErrors.WithLabelValues("stream").Inc()
					idx.logger.LogAttrs(ctx, slog.LevelWarn, "kvview: stream skipping unresolvable id",
						slog.String("key", key), idAttr("id", id), slog.Any("err", err))
					continue
				}
				if !yield(Record{Key: key, Entry: e}, nil) {
					stopped = true
					return errStopScan
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Record{}, storeErrf("scan", "", err))
		}
	}
}
