package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"nostrelay/pkg/logger"
)

// usageRecheckEvery bounds how often the size pass re-estimates disk usage.
const usageRecheckEvery = 100

// hardDelete removes an event row, its index rows, and its replaceable
// index entry when it is the current one, in a single synced batch.
func (s *Store) hardDelete(rec *Record) error {
	b := s.db.NewBatch()
	removeEvent(b, rec)
	if rec.IsReplaceable() || rec.IsParameterizedReplaceable() {
		dTag := ""
		if rec.IsParameterizedReplaceable() {
			dTag = rec.DTag()
		}
		rk := replKey(rec.PubKey, rec.Kind, dTag)
		cur, closer, err := s.db.Get(rk)
		if err == nil {
			if string(cur) == rec.ID {
				_ = b.Delete(rk, nil)
			}
			_ = closer.Close()
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("read replaceable index: %w", err)
		}
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		return fmt.Errorf("hard delete %s: %w", rec.ID, err)
	}
	return nil
}

// deleteOldest hard-deletes up to n events oldest-first and returns the
// number removed.
func (s *Store) deleteOldest(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	var victims []*Record
	err := s.scanRecords(prefixCreated, func(rec *Record) bool {
		victims = append(victims, rec)
		return len(victims) < n
	})
	if err != nil {
		return 0, err
	}
	for i, rec := range victims {
		if err := s.hardDelete(rec); err != nil {
			return i, err
		}
	}
	return len(victims), nil
}

// EnforceRetention prunes events oldest-first until the store satisfies its
// limits: maxAge expires by created_at, maxCount caps the total number of
// events, maxBytes caps the estimated on-disk size. A zero for any limit
// disables it. Returns the number of events removed.
func (s *Store) EnforceRetention(maxCount int64, maxBytes uint64, maxAge time.Duration) (int, error) {
	removed := 0

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).Unix()
		var expired []*Record
		err := s.scanRecords(prefixCreated, func(rec *Record) bool {
			if rec.CreatedAt >= cutoff {
				return false
			}
			expired = append(expired, rec)
			return true
		})
		if err != nil {
			return removed, err
		}
		for _, rec := range expired {
			if err := s.hardDelete(rec); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if maxCount > 0 {
		n, err := s.CountEvents()
		if err != nil {
			return removed, err
		}
		if n > maxCount {
			d, err := s.deleteOldest(int(n - maxCount))
			removed += d
			if err != nil {
				return removed, err
			}
		}
	}

	if maxBytes > 0 {
		for {
			usage, err := s.DiskUsage()
			if err != nil {
				return removed, err
			}
			if usage <= maxBytes {
				break
			}
			d, err := s.deleteOldest(usageRecheckEvery)
			removed += d
			if err != nil {
				return removed, err
			}
			if d == 0 {
				// estimate can lag compaction; nothing left to remove
				break
			}
		}
	}

	if removed > 0 {
		eventsPruned.Add(float64(removed))
		logger.Info("retention_enforced", zap.Int("removed", removed))
	}
	return removed, nil
}
