package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"nostrelay/pkg/nostr"
)

// hexIDLen is the length of an event id or pubkey in hex.
const hexIDLen = 64

// errStopIteration aborts a filter stream early; never surfaced to callers.
var errStopIteration = errors.New("stop iteration")

// idFromIndexKey extracts the event id from an index key. Ids are fixed
// 64-char hex, always the last key component.
func idFromIndexKey(key []byte) string {
	if len(key) < hexIDLen {
		return ""
	}
	return string(key[len(key)-hexIDLen:])
}

// scanRecords walks all index rows under prefix and loads each referenced
// record. fn returns false to stop the scan.
func (s *Store) scanRecords(prefix string, fn func(*Record) bool) error {
	lb := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lb,
		UpperBound: prefixUpperBound(lb),
	})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		id := idFromIndexKey(iter.Key())
		if id == "" {
			continue
		}
		rec, err := s.getRecord(id)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if !fn(rec) {
			break
		}
	}
	return iter.Error()
}

// scanIndexDesc walks index rows in [lower, upper) newest-first, emitting
// records that match f until limit distinct matches are found. Events
// already in seen are skipped, so an event indexed under several scanned
// keys counts once. limit <= 0 means unbounded.
func (s *Store) scanIndexDesc(lower, upper []byte, f *nostr.Filter, limit int, seen map[string]struct{}, emit func(*Record) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()
	matched := 0
	for iter.Last(); iter.Valid(); iter.Prev() {
		id := idFromIndexKey(iter.Key())
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		rec, err := s.getRecord(id)
		if err != nil {
			return err
		}
		if rec == nil || rec.Deleted || !f.Matches(&rec.Event) {
			continue
		}
		seen[id] = struct{}{}
		if !emit(rec) {
			return errStopIteration
		}
		matched++
		if limit > 0 && matched >= limit {
			break
		}
	}
	return iter.Error()
}

// timeBounds returns padded created_at bound components for a filter,
// suitable for appending to a key prefix that is followed by the
// created_at field.
func timeBounds(f *nostr.Filter) (lo, hi string) {
	lo = "00000000000000000000"
	hi = "99999999999999999999"
	if f.Since != nil && *f.Since > 0 {
		lo = fmt.Sprintf("%020d", *f.Since)
	}
	if f.Until != nil && *f.Until >= 0 {
		hi = fmt.Sprintf("%020d", *f.Until+1)
	}
	return lo, hi
}

// streamFilter executes a single filter against the most selective index:
// ids beat authors, authors beat tags, tags beat kinds, and the created_at
// scan is the fallback. Every candidate is post-filtered with Matches, so
// the index only needs to over-approximate. Distinct matches are emitted
// once each; emit returning false ends the stream.
func (s *Store) streamFilter(f *nostr.Filter, seen map[string]struct{}, emit func(*Record) bool) error {
	limit := f.Limit

	err := func() error {
		switch {
		case len(f.IDs) > 0:
			for _, id := range f.IDs {
				if len(id) == hexIDLen {
					if _, ok := seen[id]; ok {
						continue
					}
					rec, err := s.getRecord(id)
					if err != nil {
						return err
					}
					if rec != nil && !rec.Deleted && f.Matches(&rec.Event) {
						seen[id] = struct{}{}
						if !emit(rec) {
							return errStopIteration
						}
					}
					continue
				}
				// prefix id: scan the event namespace under it
				if err := s.scanPrefixIDs([]byte(prefixEvent+id), f, limit, seen, emit); err != nil {
					return err
				}
			}

		case len(f.Authors) > 0:
			lo, hi := timeBounds(f)
			for _, author := range f.Authors {
				var lower, upper []byte
				if len(author) == hexIDLen {
					lower = []byte(prefixAuthor + author + ":" + lo)
					upper = []byte(prefixAuthor + author + ":" + hi)
				} else {
					lower = []byte(prefixAuthor + author)
					upper = prefixUpperBound(lower)
				}
				if err := s.scanIndexDesc(lower, upper, f, limit, seen, emit); err != nil {
					return err
				}
			}

		case len(f.Tags) > 0:
			name, values := smallestTagSet(f)
			for _, v := range values {
				lower := []byte(prefixTag + name + ":" + v + ":")
				if err := s.scanIndexDesc(lower, prefixUpperBound(lower), f, limit, seen, emit); err != nil {
					return err
				}
			}

		case len(f.Kinds) > 0:
			lo, hi := timeBounds(f)
			for _, kind := range f.Kinds {
				lower := []byte(fmt.Sprintf("%s%010d:%s", prefixKind, kind, lo))
				upper := []byte(fmt.Sprintf("%s%010d:%s", prefixKind, kind, hi))
				if err := s.scanIndexDesc(lower, upper, f, limit, seen, emit); err != nil {
					return err
				}
			}

		default:
			lo, hi := timeBounds(f)
			lower := []byte(prefixCreated + lo)
			upper := []byte(prefixCreated + hi)
			if err := s.scanIndexDesc(lower, upper, f, limit, seen, emit); err != nil {
				return err
			}
		}
		return nil
	}()

	if errors.Is(err, errStopIteration) {
		return nil
	}
	return err
}

// queryFilter collects a single filter's matches, sorted newest-first and
// truncated to the filter limit. Truncation happens after dedupe, so the
// limit counts distinct events.
func (s *Store) queryFilter(f *nostr.Filter) ([]*Record, error) {
	var out []*Record
	seen := make(map[string]struct{})
	if err := s.streamFilter(f, seen, func(rec *Record) bool {
		out = append(out, rec)
		return true
	}); err != nil {
		return nil, err
	}
	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// scanPrefixIDs walks event rows whose id starts with the given prefix.
func (s *Store) scanPrefixIDs(lower []byte, f *nostr.Filter, limit int, seen map[string]struct{}, emit func(*Record) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()
	matched := 0
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Key()[len(prefixEvent):])
		if _, ok := seen[id]; ok {
			continue
		}
		rec, err := s.getRecord(id)
		if err != nil {
			return err
		}
		if rec == nil || rec.Deleted || !f.Matches(&rec.Event) {
			continue
		}
		seen[id] = struct{}{}
		if !emit(rec) {
			return errStopIteration
		}
		matched++
		if limit > 0 && matched >= limit {
			break
		}
	}
	return iter.Error()
}

// smallestTagSet picks the tag name with the fewest values, the cheapest
// one to scan; Matches enforces the rest.
func smallestTagSet(f *nostr.Filter) (string, []string) {
	var bestName string
	var bestValues []string
	for name, values := range f.Tags {
		if bestName == "" || len(values) < len(bestValues) {
			bestName, bestValues = name, values
		}
	}
	return bestName, bestValues
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt > recs[j].CreatedAt
		}
		return recs[i].ID < recs[j].ID
	})
}

// Query executes a set of filters as a union, deduplicates by id, and
// returns events newest-first clamped to limit (0 means no overall cap).
func (s *Store) Query(filters []nostr.Filter, limit int) ([]*nostr.Event, error) {
	seen := make(map[string]struct{})
	var merged []*Record
	for i := range filters {
		recs, err := s.queryFilter(&filters[i])
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if _, ok := seen[rec.ID]; ok {
				continue
			}
			seen[rec.ID] = struct{}{}
			merged = append(merged, rec)
		}
	}
	sortRecords(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	events := make([]*nostr.Event, 0, len(merged))
	for _, rec := range merged {
		ev := rec.Event
		events = append(events, &ev)
	}
	return events, nil
}

// QueryStream executes filters as a union and invokes fn once per distinct
// matching event without materializing the full result set. Events arrive
// newest-first within each index scan. fn returning false stops the
// stream; limit caps total deliveries (0 means no cap).
func (s *Store) QueryStream(filters []nostr.Filter, limit int, fn func(*nostr.Event) bool) error {
	seen := make(map[string]struct{})
	delivered := 0
	for i := range filters {
		stopped := false
		err := s.streamFilter(&filters[i], seen, func(rec *Record) bool {
			ev := rec.Event
			if !fn(&ev) {
				stopped = true
				return false
			}
			delivered++
			if limit > 0 && delivered >= limit {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
	return nil
}
