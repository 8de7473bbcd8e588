package query

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"nostrelay/pkg/logger"
	"nostrelay/pkg/nostr"
	"nostrelay/pkg/store"
)

const (
	// DefaultCacheSize bounds the number of cached result sets.
	DefaultCacheSize = 100
	// DefaultCacheTTL expires cached result sets.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultSlowThreshold is the duration above which a query is logged
	// as slow.
	DefaultSlowThreshold = 100 * time.Millisecond
)

// Engine executes filter queries against the store with result caching.
// It must be driven from the storage sequence, like the store itself; the
// cache is safe for that single-caller discipline.
type Engine struct {
	store         *store.Store
	cache         *expirable.LRU[string, []*nostr.Event]
	slowThreshold time.Duration
}

// NewEngine builds a query engine over s. Zero values select the defaults.
func NewEngine(s *store.Store, cacheSize int, ttl, slowThreshold time.Duration) *Engine {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &Engine{
		store:         s,
		cache:         expirable.NewLRU[string, []*nostr.Event](cacheSize, nil, ttl),
		slowThreshold: slowThreshold,
	}
}

// cacheKey derives a stable key from the filter set and limit. Filters
// marshal deterministically apart from tag-map ordering, which is rare
// enough that a duplicate cache entry is acceptable.
func cacheKey(filters []nostr.Filter, limit int) (string, error) {
	data, err := json.Marshal(filters)
	if err != nil {
		return "", fmt.Errorf("marshal filters: %w", err)
	}
	return fmt.Sprintf("%d|%s", limit, data), nil
}

// cloneEvents copies a result set so callers and the cache never share
// event pointers.
func cloneEvents(events []*nostr.Event) []*nostr.Event {
	out := make([]*nostr.Event, len(events))
	for i, ev := range events {
		c := *ev
		out[i] = &c
	}
	return out
}

// Execute runs the filters as a union, newest-first, clamped to limit.
// Results are served from the cache when an identical query was executed
// within the TTL and no write has happened since.
func (e *Engine) Execute(filters []nostr.Filter, limit int) ([]*nostr.Event, error) {
	key, err := cacheKey(filters, limit)
	if err != nil {
		return nil, err
	}
	if cached, ok := e.cache.Get(key); ok {
		cacheHits.Inc()
		return cloneEvents(cached), nil
	}
	cacheMisses.Inc()

	start := time.Now()
	events, err := e.store.Query(filters, limit)
	elapsed := time.Since(start)
	queryDuration.Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	if elapsed >= e.slowThreshold {
		slowQueries.Inc()
		logger.Warn("slow_query",
			zap.Duration("elapsed", elapsed),
			zap.Int("filters", len(filters)),
			zap.Int("cost", EstimateCost(filters)),
			zap.Int("results", len(events)))
	}

	e.cache.Add(key, cloneEvents(events))
	return events, nil
}

// ExecuteStreaming delivers matching events one at a time through onEvent
// for subscription replay, without materializing the result set and
// without touching the cache. onEvent returns false to abandon the stream
// early.
func (e *Engine) ExecuteStreaming(filters []nostr.Filter, limit int, onEvent func(*nostr.Event) bool) error {
	start := time.Now()
	err := e.store.QueryStream(filters, limit, onEvent)
	elapsed := time.Since(start)
	queryDuration.Observe(elapsed.Seconds())
	if err != nil {
		return err
	}
	if elapsed >= e.slowThreshold {
		slowQueries.Inc()
		logger.Warn("slow_query",
			zap.Duration("elapsed", elapsed),
			zap.Int("filters", len(filters)),
			zap.Int("cost", EstimateCost(filters)))
	}
	return nil
}

// Invalidate drops all cached results. Called after every admitted write
// so cached replays never miss new events.
func (e *Engine) Invalidate() {
	e.cache.Purge()
}

// EstimateCost scores a filter set by the cheapest index each filter can
// use: id lookups are nearly free, author and tag scans are bounded, bare
// kind or time scans walk large ranges. Higher is more expensive.
func EstimateCost(filters []nostr.Filter) int {
	total := 0
	for i := range filters {
		f := &filters[i]
		switch {
		case len(f.IDs) > 0:
			total += len(f.IDs)
		case len(f.Authors) > 0:
			total += 10 * len(f.Authors)
		case len(f.Tags) > 0:
			n := 0
			for _, values := range f.Tags {
				n += len(values)
			}
			total += 10 * n
		case len(f.Kinds) > 0:
			total += 100 * len(f.Kinds)
		default:
			total += 1000
		}
	}
	return total
}
