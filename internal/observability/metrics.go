package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "merkledb"

// Cache tiers used as metric labels.
const (
	TierBlock = "block"
	TierQuery = "query"
)

// Metrics holds the process metrics. All methods are safe on a nil *Metrics,
// so components can be built without metrics in tests.
type Metrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSkipped   *prometheus.CounterVec
	cacheBytes     *prometheus.GaugeVec

	inserts       *prometheus.CounterVec
	rollups       *prometheus.CounterVec
	queries       *prometheus.CounterVec
	blocksLoaded  *prometheus.CounterVec
	storageFaults *prometheus.CounterVec
}

// NewMetrics creates the metric set and registers it on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache lookups that found an entry.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache lookups that found nothing.",
		}, []string{"tier"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted to make room.",
		}, []string{"tier"}),
		cacheSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "oversized_total",
			Help: "Entries not cached because they exceed the tier budget.",
		}, []string{"tier"}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bytes",
			Help: "Bytes currently held per tier.",
		}, []string{"tier"}),
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "table", Name: "rows_written_total",
			Help: "Rows inserted or upserted.",
		}, []string{"table"}),
		rollups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "table", Name: "rollups_total",
			Help: "Blocks sealed.",
		}, []string{"table"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "table", Name: "queries_total",
			Help: "Queries executed.",
		}, []string{"table"}),
		blocksLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "table", Name: "blocks_loaded_total",
			Help: "Sealed blocks loaded from the DAG.",
		}, []string{"table"}),
		storageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "table", Name: "storage_faults_total",
			Help: "DAG store or load failures.",
		}, []string{"table", "op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheSkipped, m.cacheBytes,
			m.inserts, m.rollups, m.queries, m.blocksLoaded, m.storageFaults,
		)
	}
	return m
}

func (m *Metrics) CacheHit(tier string) {
	if m != nil {
		m.cacheHits.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheMiss(tier string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheEvicted(tier string, n int) {
	if m != nil && n > 0 {
		m.cacheEvictions.WithLabelValues(tier).Add(float64(n))
	}
}

func (m *Metrics) CacheOversized(tier string) {
	if m != nil {
		m.cacheSkipped.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) SetCacheBytes(tier string, n int64) {
	if m != nil {
		m.cacheBytes.WithLabelValues(tier).Set(float64(n))
	}
}

func (m *Metrics) RowsWritten(table string, n int) {
	if m != nil && n > 0 {
		m.inserts.WithLabelValues(table).Add(float64(n))
	}
}

func (m *Metrics) Rollup(table string) {
	if m != nil {
		m.rollups.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) Query(table string) {
	if m != nil {
		m.queries.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) BlockLoaded(table string) {
	if m != nil {
		m.blocksLoaded.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) StorageFault(table, op string) {
	if m != nil {
		m.storageFaults.WithLabelValues(table, op).Inc()
	}
}
