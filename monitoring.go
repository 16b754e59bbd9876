package kvview

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	batches       prometheus.Counter
	batchErrors   *prometheus.CounterVec
	entries       prometheus.Counter
	ops           prometheus.Counter
	batchDuration prometheus.Histogram
	resolveErrors *prometheus.CounterVec
	updates       prometheus.Counter
}

func newMetrics(name string) *metrics {
	labels := prometheus.Labels{"index": name}
	return &metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvview",
			Name:        "batches_total",
			Help:        "Batches applied to the merge store.",
			ConstLabels: labels,
		}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kvview",
			Name:        "batch_errors_total",
			Help:        "Batches that failed, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvview",
			Name:        "entries_total",
			Help:        "Log entries passed through the mapper in applied batches.",
			ConstLabels: labels,
		}),
		ops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvview",
			Name:        "ops_total",
			Help:        "Ops written to the merge store.",
			ConstLabels: labels,
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kvview",
			Name:        "batch_duration_seconds",
			Help:        "Time to map and apply one batch.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		resolveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kvview",
			Name:        "resolve_errors_total",
			Help:        "Ids that could not be read back from their log, by read path.",
			ConstLabels: labels,
		}, []string{"path"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kvview",
			Name:        "updates_total",
			Help:        "Update notifications emitted.",
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.batches, m.batchErrors, m.entries, m.ops, m.batchDuration, m.resolveErrors, m.updates}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

type IndexStats struct {
	MergeStats
	Handlers      int
	CachedEntries int
	HasCheckpoint bool
}

// Stats reports the persisted index size and in-memory state. Merge state
// figures are only available with the built-in KVMergeStore.
func (idx *Index) Stats(ctx context.Context) (IndexStats, error) {
	var st IndexStats
	if kv, ok := idx.merge.(*KVMergeStore); ok {
		ms, err := kv.Stats(ctx)
		if err != nil {
			return st, storeErrf("stats", "", err)
		}
		st.MergeStats = ms
	}
	st.Handlers = idx.notifier.HandlerCount()
	if idx.cache != nil {
		st.CachedEntries = idx.cache.Len()
	}
	_, ok, err := idx.FetchState(ctx)
	if err != nil {
		return st, err
	}
	st.HasCheckpoint = ok
	return st, nil
}
