// Package observability provides query statistics tracking and process metrics.
package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks how often each field is filtered and sorted on. Tables use
// it to point out fields that are queried often but not indexed.
type QueryStats struct {
	mu            sync.RWMutex
	predicateFreq map[string]*FieldStats
	orderFreq     map[string]*FieldStats
	window        time.Duration
	now           func() time.Time
}

// FieldStats holds statistics for a field.
type FieldStats struct {
	Field     string         `json:"field"`
	Frequency int64          `json:"frequency"`
	LastSeen  time.Time      `json:"lastSeen"`
	Operators map[string]int `json:"operators,omitempty"` // operator → count (e.g., "=" → 5, "in" → 2)
}

// NewQueryStats creates a new query statistics tracker.
// window: time duration for pruning old entries (e.g., 1 hour)
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		predicateFreq: make(map[string]*FieldStats),
		orderFreq:     make(map[string]*FieldStats),
		window:        window,
		now:           time.Now,
	}
}

// RecordPredicate records a where clause on field with operator.
// This method is O(1) and thread-safe.
func (q *QueryStats) RecordPredicate(field, operator string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	record(q.predicateFreq, field, q.now()).Operators[operator]++
}

// RecordOrderBy records a sort on field.
func (q *QueryStats) RecordOrderBy(field, direction string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	record(q.orderFreq, field, q.now()).Operators[direction]++
}

func record(m map[string]*FieldStats, field string, now time.Time) *FieldStats {
	stats, exists := m[field]
	if !exists {
		stats = &FieldStats{
			Field:     field,
			Operators: make(map[string]int),
		}
		m[field] = stats
	}
	stats.Frequency++
	stats.LastSeen = now
	return stats
}

// GetTopPredicates returns the top N filtered fields by frequency.
func (q *QueryStats) GetTopPredicates(n int) []FieldStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.predicateFreq, n)
}

// GetTopOrderBy returns the top N sorted fields by frequency.
func (q *QueryStats) GetTopOrderBy(n int) []FieldStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.orderFreq, n)
}

// Unindexed returns the filtered fields, most frequent first, for which
// indexed reports false.
func (q *QueryStats) Unindexed(indexed func(field string) bool) []FieldStats {
	q.mu.RLock()
	all := top(q.predicateFreq, len(q.predicateFreq))
	q.mu.RUnlock()

	out := make([]FieldStats, 0, len(all))
	for _, s := range all {
		if !indexed(s.Field) {
			out = append(out, s)
		}
	}
	return out
}

// top returns a sorted deep copy. Ties are broken by field name.
func top(m map[string]*FieldStats, n int) []FieldStats {
	if n <= 0 || len(m) == 0 {
		return []FieldStats{}
	}

	stats := make([]FieldStats, 0, len(m))
	for _, s := range m {
		// Deep copy to prevent external modification
		statsCopy := FieldStats{
			Field:     s.Field,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Operators: make(map[string]int, len(s.Operators)),
		}
		for op, count := range s.Operators {
			statsCopy.Operators[op] = count
		}
		stats = append(stats, statsCopy)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Field < stats[j].Field
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries where time.Since(LastSeen) > window.
// This should be called periodically (e.g., every 5 minutes).
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for field, stats := range q.predicateFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.predicateFreq, field)
		}
	}
	for field, stats := range q.orderFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.orderFreq, field)
		}
	}
}
