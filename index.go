package kvview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultMaxBatch  = 100
	DefaultCacheSize = 1024
)

type Options struct {
	// Name labels logs and metrics; defaults to "kv".
	Name string

	// MergeStore overrides the KVMergeStore kept in the index storage.
	MergeStore MergeStore

	// MaxBatch is the largest number of entries Indexer hands to Map at once.
	MaxBatch int

	// MapConcurrency limits parallel mapper calls within a batch; 0 means
	// one goroutine per entry.
	MapConcurrency int

	// CacheSize is the number of resolved entries kept in memory; negative
	// disables the cache.
	CacheSize int

	Logger     *slog.Logger
	Verbose    bool
	Registerer prometheus.Registerer
}

// Readiness is implemented by whatever drives an index (see Indexer). Ready
// returns once the index has caught up with its logs as of the call.
type Readiness interface {
	Ready(ctx context.Context) error
}

// Index is a materialized view of a set of logs: for every key produced by
// its mapper, the set of entries that are not superseded by a later linking
// entry.
type Index struct {
	name           string
	mapper         Mapper
	merge          MergeStore
	checkpoints    *Checkpoints
	logs           LogSource
	notifier       *Notifier
	cache          *lru.Cache[ID, Entry]
	logger         *slog.Logger
	verbose        bool
	maxBatch       int
	mapConcurrency int
	metrics        *metrics
	registerer     prometheus.Registerer

	readinessLock sync.Mutex
	readiness     Readiness

	closed atomic.Bool
}

// New creates an index keeping its state in s and reading entries back from
// logs. The caller keeps ownership of s and logs.
func New(s Storage, logs LogSource, m Mapper, o Options) (*Index, error) {
	if s == nil {
		return nil, errors.New("kvview: nil storage")
	}
	if logs == nil {
		return nil, errors.New("kvview: nil log source")
	}
	if m == nil {
		return nil, errors.New("kvview: nil mapper")
	}
	if o.Name == "" {
		o.Name = "kv"
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MergeStore == nil {
		o.MergeStore = NewMergeStore(s)
	}

	idx := &Index{
		name:           o.Name,
		mapper:         m,
		merge:          o.MergeStore,
		checkpoints:    NewCheckpoints(s),
		logs:           logs,
		logger:         o.Logger.With(slog.String("index", o.Name)),
		verbose:        o.Verbose,
		maxBatch:       o.MaxBatch,
		mapConcurrency: o.MapConcurrency,
		metrics:        newMetrics(o.Name),
		registerer:     o.Registerer,
	}
	idx.notifier = NewNotifier(idx.logger)
	if o.CacheSize > 0 {
		idx.cache = must(lru.New[ID, Entry](o.CacheSize))
	}
	if idx.registerer != nil {
		if err := idx.metrics.register(idx.registerer); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) String() string {
	return idx.name
}

// MaxBatch is the batch size drivers should use with Map.
func (idx *Index) MaxBatch() int {
	return idx.maxBatch
}

func (idx *Index) Logger() *slog.Logger {
	return idx.logger
}

// SetReadiness installs the readiness provider consulted by Get; nil means
// the index is always ready.
func (idx *Index) SetReadiness(r Readiness) {
	idx.readinessLock.Lock()
	defer idx.readinessLock.Unlock()
	idx.readiness = r
}

// Ready waits until the index has caught up with its logs, if a driver is
// attached.
func (idx *Index) Ready(ctx context.Context) error {
	idx.readinessLock.Lock()
	r := idx.readiness
	idx.readinessLock.Unlock()
	if r == nil {
		return ctx.Err()
	}
	return r.Ready(ctx)
}

func (idx *Index) OnUpdateKey(key string, h KeyHandler) Unsubscribe {
	return idx.notifier.OnKey(key, h)
}

func (idx *Index) OnUpdate(h UpdateHandler) Unsubscribe {
	return idx.notifier.OnAny(h)
}

func (idx *Index) StoreState(ctx context.Context, token []byte) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	return storeErrf("store state", "", idx.checkpoints.Store(ctx, token))
}

// FetchState returns the last stored checkpoint; ok is false if there is
// none and indexing must start from the beginning of every log.
func (idx *Index) FetchState(ctx context.Context) (token []byte, ok bool, err error) {
	if idx.closed.Load() {
		return nil, false, ErrClosed
	}
	token, ok, err = idx.checkpoints.Fetch(ctx)
	if err != nil {
		return nil, false, storeErrf("fetch state", "", err)
	}
	return token, ok, nil
}

// Close drops subscribers and cached entries. The storage and logs are left
// open.
func (idx *Index) Close() error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	idx.SetReadiness(nil)
	idx.notifier.Reset()
	if idx.cache != nil {
		idx.cache.Purge()
	}
	if idx.registerer != nil {
		idx.metrics.unregister(idx.registerer)
	}
	return nil
}
