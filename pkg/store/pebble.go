package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"nostrelay/pkg/logger"
	"nostrelay/pkg/nostr"
)

// schemaVersion tracks the key layout for future migrations.
const schemaVersion = "1"

var (
	// ErrAlreadyExists is returned by Put when an event with the same id is
	// already present, including soft-deleted rows.
	ErrAlreadyExists = errors.New("event already exists")
)

// Record is an event as persisted: the wire fields plus relay-local
// metadata. Deleted is monotonic; it is never cleared once set.
type Record struct {
	nostr.Event
	ReceivedAt int64 `json:"received_at"`
	Deleted    bool  `json:"deleted,omitempty"`
}

// DeletionRecord is one row of the deletions audit table (NIP-09).
type DeletionRecord struct {
	DeletionEventID string `json:"deletion_event_id"`
	DeletedEventID  string `json:"deleted_event_id"`
	DeletedAt       int64  `json:"deleted_at"`
}

// Stats is a snapshot of storage counters.
type Stats struct {
	TotalEvents int64  `json:"total_events"`
	TotalBytes  uint64 `json:"total_bytes"`
}

// Store is the durable event store. All methods must be called from the
// single storage sequence; the store itself takes no locks.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) the Pebble database at path and initializes the
// schema metadata.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if err := s.initMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("pebble_opened", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed")
	return err
}

// Ready reports whether the store is open.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

func (s *Store) initMeta() error {
	v, closer, err := s.db.Get(metaKey("schema_version"))
	switch {
	case err == nil:
		cur := string(v)
		_ = closer.Close()
		if cur != schemaVersion {
			// single-version layout so far, nothing to rewrite
			logger.Info("store_schema_migrate", zap.String("from", cur), zap.String("to", schemaVersion))
			if err := s.db.Set(metaKey("schema_version"), []byte(schemaVersion), pebble.Sync); err != nil {
				return fmt.Errorf("bump schema version: %w", err)
			}
		}
		return nil
	case errors.Is(err, pebble.ErrNotFound):
		b := s.db.NewBatch()
		_ = b.Set(metaKey("schema_version"), []byte(schemaVersion), nil)
		_ = b.Set(metaKey("created_at"), []byte(fmt.Sprintf("%d", time.Now().Unix())), nil)
		if err := s.db.Apply(b, pebble.Sync); err != nil {
			return fmt.Errorf("write schema metadata: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("read schema metadata: %w", err)
	}
}

// exists reports whether an event row is present, soft-deleted or not.
func (s *Store) exists(id string) (bool, error) {
	_, closer, err := s.db.Get(eventKey(id))
	if err == nil {
		_ = closer.Close()
		return true, nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// indexKeys returns the secondary-index keys for a record. Every value
// position after the tag name is indexed; queries post-filter, so the
// index only has to be a superset of the matches.
func indexKeys(rec *Record) [][]byte {
	keys := [][]byte{
		createdKey(rec.CreatedAt, rec.ID),
		authorKey(rec.PubKey, rec.CreatedAt, rec.ID),
		kindKey(rec.Kind, rec.CreatedAt, rec.ID),
	}
	for _, tag := range rec.Tags {
		name := tag.Name()
		if name == "" {
			continue
		}
		for _, v := range tag[1:] {
			keys = append(keys, tagKey(name, v, rec.ID))
		}
	}
	return keys
}

// Put persists an ordinary (non-replaceable) event and its index rows in a
// single synced batch. It fails with ErrAlreadyExists for duplicate ids.
func (s *Store) Put(ev *nostr.Event, receivedAt int64) error {
	dup, err := s.exists(ev.ID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if dup {
		return ErrAlreadyExists
	}

	rec := &Record{Event: *ev, ReceivedAt: receivedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	b := s.db.NewBatch()
	_ = b.Set(eventKey(rec.ID), data, nil)
	for _, k := range indexKeys(rec) {
		_ = b.Set(k, nil, nil)
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("store_event_failed", zap.String("id", rec.ID), zap.Error(err))
		return fmt.Errorf("store event %s: %w", rec.ID, err)
	}
	eventsStored.Inc()
	logger.Debug("event_stored", zap.String("id", rec.ID), zap.Int("kind", rec.Kind))
	return nil
}

// UpsertReplaceable stores a replaceable or parameterized-replaceable event
// if no entry for its (pubkey, kind[, d-tag]) key is at least as new.
// On equal created_at the existing entry wins. The superseded event is
// eagerly removed in the same batch. Returns whether the store occurred;
// re-sending an event already present (live or tombstoned) returns
// ErrAlreadyExists rather than the stale-timestamp rejection.
func (s *Store) UpsertReplaceable(ev *nostr.Event, receivedAt int64) (bool, error) {
	dup, err := s.exists(ev.ID)
	if err != nil {
		return false, err
	}
	if dup {
		return false, ErrAlreadyExists
	}

	dTag := ""
	if ev.IsParameterizedReplaceable() {
		dTag = ev.DTag()
	}
	rk := replKey(ev.PubKey, ev.Kind, dTag)

	var superseded *Record
	cur, closer, err := s.db.Get(rk)
	switch {
	case err == nil:
		curID := string(cur)
		_ = closer.Close()
		existing, gerr := s.getRecord(curID)
		if gerr != nil {
			return false, gerr
		}
		if existing != nil {
			if existing.CreatedAt >= ev.CreatedAt {
				return false, nil
			}
			superseded = existing
		}
	case errors.Is(err, pebble.ErrNotFound):
		// first event for this key
	default:
		return false, fmt.Errorf("read replaceable index: %w", err)
	}

	rec := &Record{Event: *ev, ReceivedAt: receivedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	b := s.db.NewBatch()
	if superseded != nil {
		removeEvent(b, superseded)
	}
	_ = b.Set(eventKey(rec.ID), data, nil)
	for _, k := range indexKeys(rec) {
		_ = b.Set(k, nil, nil)
	}
	_ = b.Set(rk, []byte(rec.ID), nil)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("store_replaceable_failed", zap.String("id", rec.ID), zap.Error(err))
		return false, fmt.Errorf("store replaceable %s: %w", rec.ID, err)
	}
	eventsStored.Inc()
	if superseded != nil {
		eventsReplaced.Inc()
		logger.Debug("event_replaced",
			zap.String("old", superseded.ID), zap.String("new", rec.ID),
			zap.Int("kind", rec.Kind), zap.String("d_tag", dTag))
	}
	return true, nil
}

// removeEvent stages the hard removal of an event row and all of its index
// rows into the batch. The replaceable index entry is the caller's concern.
func removeEvent(b *pebble.Batch, rec *Record) {
	_ = b.Delete(eventKey(rec.ID), nil)
	for _, k := range indexKeys(rec) {
		_ = b.Delete(k, nil)
	}
}

// getRecord loads a record by id, soft-deleted rows included. Returns
// (nil, nil) for unknown ids.
func (s *Store) getRecord(id string) (*Record, error) {
	v, closer, err := s.db.Get(eventKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("corrupt event record %s: %w", id, err)
	}
	return &rec, nil
}

// Get returns the event with the given id, or nil for unknown and
// soft-deleted ids.
func (s *Store) Get(id string) (*nostr.Event, error) {
	rec, err := s.getRecord(id)
	if err != nil || rec == nil || rec.Deleted {
		return nil, err
	}
	ev := rec.Event
	return &ev, nil
}

// SoftDelete marks an event as deleted. Idempotent; reports whether a row
// existed.
func (s *Store) SoftDelete(id string) (bool, error) {
	rec, err := s.getRecord(id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.Deleted {
		return true, nil
	}
	rec.Deleted = true
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal event %s: %w", id, err)
	}
	if err := s.db.Set(eventKey(id), data, pebble.Sync); err != nil {
		return false, fmt.Errorf("soft delete %s: %w", id, err)
	}
	eventsDeleted.Inc()
	return true, nil
}

// ApplyDeletion processes a kind-5 deletion event: every event referenced
// by an "e" tag and authored by the same pubkey is soft-deleted and an
// audit row is written. References to other authors' events are skipped.
// Returns the number of events deleted.
func (s *Store) ApplyDeletion(ev *nostr.Event) (int, error) {
	if ev.Kind != nostr.KindDeletion {
		return 0, nil
	}
	deleted := 0
	now := time.Now().Unix()
	for _, tag := range ev.Tags {
		if tag.Name() != "e" || tag.Value() == "" {
			continue
		}
		targetID := tag.Value()
		target, err := s.getRecord(targetID)
		if err != nil {
			return deleted, err
		}
		if target == nil {
			continue
		}
		if target.PubKey != ev.PubKey {
			// ownership check: only the author may delete their events
			logger.Warn("deletion_owner_mismatch",
				zap.String("deletion", ev.ID), zap.String("target", targetID))
			continue
		}
		if _, err := s.SoftDelete(targetID); err != nil {
			return deleted, err
		}
		audit := DeletionRecord{DeletionEventID: ev.ID, DeletedEventID: targetID, DeletedAt: now}
		data, err := json.Marshal(audit)
		if err != nil {
			return deleted, fmt.Errorf("marshal deletion audit: %w", err)
		}
		if err := s.db.Set(deletionKey(ev.ID, targetID), data, pebble.Sync); err != nil {
			return deleted, fmt.Errorf("write deletion audit: %w", err)
		}
		deleted++
	}
	if deleted > 0 {
		logger.Info("deletion_applied", zap.String("id", ev.ID), zap.Int("count", deleted))
	}
	return deleted, nil
}

// CountEvents returns the number of non-deleted events.
func (s *Store) CountEvents() (int64, error) {
	var n int64
	err := s.scanRecords(prefixCreated, func(rec *Record) bool {
		if !rec.Deleted {
			n++
		}
		return true
	})
	return n, err
}

// DiskUsage returns the approximate on-disk size of the store.
func (s *Store) DiskUsage() (uint64, error) {
	return s.db.EstimateDiskUsage([]byte{0x00}, []byte{0xff})
}

// GetStats returns a storage snapshot for the /stats endpoint.
func (s *Store) GetStats() (Stats, error) {
	n, err := s.CountEvents()
	if err != nil {
		return Stats{}, err
	}
	bytes, err := s.DiskUsage()
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalEvents: n, TotalBytes: bytes}, nil
}
