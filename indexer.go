package kvview

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Source is the set of logs an Indexer feeds into an index.
type Source interface {
	LogSource

	// Writers lists the known logs.
	Writers() []WriterID

	// Len is the number of entries in the log of w.
	Len(w WriterID) uint64

	// Changes is signalled (possibly coalesced) after entries are appended.
	// May return nil if the source never changes.
	Changes() <-chan struct{}
}

type IndexerOptions struct {
	// PollInterval makes Run re-check the source periodically in addition
	// to reacting to Changes. Zero disables polling.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Indexer drives an index over a source: it reads new entries in batches of
// at most MaxBatch, applies each batch, checkpoints it, and queues its update
// notifications. Only one catch-up pass runs at a time, so batch N+1 never
// starts before batch N is applied and checkpointed.
type Indexer struct {
	src          Source
	idx          *Index
	logger       *slog.Logger
	pollInterval time.Duration

	// pass is a one-slot semaphore held for the duration of a catch-up pass.
	pass chan struct{}

	// cursor mirrors the stored checkpoint; nil means it must be fetched.
	cursor Cursor

	delivery *deliveryQueue
}

// NewIndexer attaches a driver to idx. From now on idx.Get waits for the
// indexer to catch up.
func NewIndexer(src Source, idx *Index, o IndexerOptions) *Indexer {
	if o.Logger == nil {
		o.Logger = idx.Logger()
	}
	ix := &Indexer{
		src:          src,
		idx:          idx,
		logger:       o.Logger,
		pollInterval: o.PollInterval,
		pass:         make(chan struct{}, 1),
	}
	ix.delivery = startDelivery(idx)
	idx.SetReadiness(ix)
	return ix
}

// Ready implements Readiness by catching up.
func (ix *Indexer) Ready(ctx context.Context) error {
	return ix.CatchUp(ctx)
}

// CatchUp indexes everything appended to the source before the call. If a
// pass is already running, it waits for it first.
func (ix *Indexer) CatchUp(ctx context.Context) error {
	select {
	case ix.pass <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ix.pass }()
	return ix.catchUp_locked(ctx)
}

func (ix *Indexer) catchUp_locked(ctx context.Context) error {
	if ix.cursor == nil {
		token, ok, err := ix.idx.FetchState(ctx)
		if err != nil {
			return err
		}
		if ok {
			ix.cursor, err = UnmarshalCursor(token)
			if err != nil {
				return err
			}
		} else {
			ix.cursor = make(Cursor)
		}
	}

	writers := ix.src.Writers()
	slices.Sort(writers)
	tails := make(map[WriterID]uint64, len(writers))
	for _, w := range writers {
		tails[w] = ix.src.Len(w)
	}

	maxBatch := ix.idx.MaxBatch()
	pending := ix.cursor.Clone()
	batch := make([]Entry, 0, maxBatch)
	for _, w := range writers {
		for seq := pending.Next(w); seq < tails[w]; seq++ {
			e, err := ix.src.Get(ctx, w, seq)
			if err != nil {
				return &ResolutionError{ID: ID{Writer: w, Seq: seq}, Err: err}
			}
			batch = append(batch, e)
			pending.Advance(e)
			if len(batch) == maxBatch {
				if err := ix.commit(ctx, batch, pending); err != nil {
					return err
				}
				batch = make([]Entry, 0, maxBatch)
			}
		}
	}
	if len(batch) > 0 {
		return ix.commit(ctx, batch, pending)
	}
	return nil
}

func (ix *Indexer) commit(ctx context.Context, batch []Entry, after Cursor) error {
	err := ix.idx.Map(ctx, batch)
	if err == nil {
		var token []byte
		token, err = after.Marshal()
		if err == nil {
			err = ix.idx.StoreState(ctx, token)
		}
	}
	if err != nil {
		// Resume from whatever the store holds now.
		ix.cursor = nil
		ix.logger.LogAttrs(ctx, slog.LevelError, "kvview: batch failed",
			idAttr("first", batch[0].ID()), slog.Int("entries", len(batch)), slog.Any("err", err))
		return err
	}
	ix.cursor = after.Clone()
	ix.delivery.push(batch)
	return nil
}

// Run catches up and then keeps catching up whenever the source changes,
// until ctx is done. Failed passes are logged and retried from the last
// checkpoint on the next change.
func (ix *Indexer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if ix.pollInterval > 0 {
		t := time.NewTicker(ix.pollInterval)
		defer t.Stop()
		tick = t.C
	}
	changes := ix.src.Changes()
	for {
		if err := ix.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.logger.LogAttrs(ctx, slog.LevelWarn, "kvview: catch-up failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		case <-tick:
		}
	}
}

// Settle waits until the notifications of every batch committed so far have
// been delivered.
func (ix *Indexer) Settle(ctx context.Context) error {
	return ix.delivery.settle(ctx)
}

// Close detaches the indexer from its index and delivers the notifications
// still queued.
func (ix *Indexer) Close() error {
	ix.idx.SetReadiness(nil)
	ix.delivery.close()
	return nil
}

// deliveryQueue hands committed batches to Index.Indexed on its own
// goroutine, in commit order, so that slow handlers never hold up indexing
// and handlers may call Get.
type deliveryQueue struct {
	idx *Index

	mu        sync.Mutex
	queue     [][]Entry
	pushed    uint64
	delivered uint64
	changed   chan struct{} // closed and replaced whenever delivered grows
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func startDelivery(idx *Index) *deliveryQueue {
	q := &deliveryQueue{
		idx:     idx,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *deliveryQueue) push(batch []Entry) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, batch)
	q.pushed++
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	ctx := context.Background()
	for {
		q.mu.Lock()
		batches := q.queue
		q.queue = nil
		closed := q.closed
		q.mu.Unlock()

		for _, batch := range batches {
			q.idx.Indexed(ctx, batch)
			q.mu.Lock()
			q.delivered++
			close(q.changed)
			q.changed = make(chan struct{})
			q.mu.Unlock()
		}
		if len(batches) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *deliveryQueue) settle(ctx context.Context) error {
	q.mu.Lock()
	target := q.pushed
	q.mu.Unlock()
	for {
		q.mu.Lock()
		if q.delivered >= target {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *deliveryQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
