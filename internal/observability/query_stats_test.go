package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecordPredicateConcurrent tests concurrent RecordPredicate calls for race conditions.
func TestRecordPredicateConcurrent(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				qs.RecordPredicate("name", "=")
				qs.RecordPredicate("team", "in")
				qs.RecordPredicate("count", ">")
			}
		}()
	}

	wg.Wait()

	top := qs.GetTopPredicates(10)
	require.Len(t, top, 3)

	expectedFreq := int64(numGoroutines * recordsPerGoroutine)
	for _, stat := range top {
		assert.Equal(t, expectedFreq, stat.Frequency, stat.Field)
	}
}

// TestGetTopPredicatesOrdering tests that GetTopPredicates returns results sorted by frequency.
func TestGetTopPredicatesOrdering(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)

	for i := 0; i < 10; i++ {
		qs.RecordPredicate("name", "=")
	}
	for i := 0; i < 5; i++ {
		qs.RecordPredicate("team", "in")
	}
	for i := 0; i < 20; i++ {
		qs.RecordPredicate("count", ">")
	}

	top := qs.GetTopPredicates(3)
	require.Len(t, top, 3)
	assert.Equal(t, "count", top[0].Field)
	assert.Equal(t, int64(20), top[0].Frequency)
	assert.Equal(t, "name", top[1].Field)
	assert.Equal(t, "team", top[2].Field)
}

func TestPruneRemovesOldEntries(t *testing.T) {
	qs := NewQueryStats(time.Minute)
	now := time.Unix(1700000000, 0)
	qs.now = func() time.Time { return now }

	qs.RecordPredicate("name", "=")
	qs.RecordOrderBy("count", "desc")
	require.Len(t, qs.GetTopPredicates(10), 1)

	now = now.Add(2 * time.Minute)
	qs.Prune()

	assert.Empty(t, qs.GetTopPredicates(10))
	assert.Empty(t, qs.GetTopOrderBy(10))
}

func TestRecordPredicateTrackingOperators(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)
	for i := 0; i < 5; i++ {
		qs.RecordPredicate("name", "=")
	}
	for i := 0; i < 3; i++ {
		qs.RecordPredicate("name", "in")
	}

	top := qs.GetTopPredicates(1)
	require.Len(t, top, 1)
	assert.Equal(t, int64(8), top[0].Frequency)
	assert.Equal(t, 5, top[0].Operators["="])
	assert.Equal(t, 3, top[0].Operators["in"])
}

func TestUnindexed(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)
	qs.RecordPredicate("name", "=")
	qs.RecordPredicate("team", "=")
	qs.RecordPredicate("team", "=")

	out := qs.Unindexed(func(field string) bool { return field == "name" })
	require.Len(t, out, 1)
	assert.Equal(t, "team", out[0].Field)
}

func TestGetTopEmpty(t *testing.T) {
	qs := NewQueryStats(1 * time.Hour)
	assert.Empty(t, qs.GetTopPredicates(10))
	assert.Empty(t, qs.GetTopOrderBy(10))
}

func TestMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CacheHit(TierBlock)
	m.CacheHit(TierBlock)
	m.CacheMiss(TierQuery)
	m.Rollup("people")
	m.SetCacheBytes(TierBlock, 512)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues(TierBlock)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues(TierQuery)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollups.WithLabelValues("people")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.cacheBytes.WithLabelValues(TierBlock)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.CacheHit(TierBlock)
	m.Rollup("x")
	m.StorageFault("x", "store")
}
