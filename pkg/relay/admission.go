package relay

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"nostrelay/pkg/logger"
	"nostrelay/pkg/nostr"
	"nostrelay/pkg/store"
)

// Admission limit defaults.
const (
	maxTagCount    = 1000
	maxTagValueLen = 1024
)

// AdmitOutcome is the result of processing one inbound event. Reason is
// the OK-message text when Accepted is false, empty otherwise.
type AdmitOutcome struct {
	Accepted bool
	Stored   bool
	Reason   string
	Deleted  int
}

func rejected(reason string) AdmitOutcome { return AdmitOutcome{Reason: reason} }

// Admitter validates events and routes them into the store. All methods
// run on the storage sequence.
type Admitter struct {
	store        *store.Store
	maxEventSize int
}

func NewAdmitter(st *store.Store, maxEventSize int) *Admitter {
	return &Admitter{store: st, maxEventSize: maxEventSize}
}

// validate applies the structural, id, and signature checks. It returns an
// empty string when the event passes.
func (a *Admitter) validate(ev *nostr.Event) string {
	if len(ev.ID) != 64 || len(ev.PubKey) != 64 || len(ev.Sig) != 128 {
		return "invalid event"
	}
	if ev.CreatedAt <= 0 || ev.Kind < 0 {
		return "invalid event"
	}
	if len(ev.Tags) > maxTagCount {
		return "invalid event"
	}
	for _, tag := range ev.Tags {
		for _, v := range tag {
			if len(v) > maxTagValueLen {
				return "invalid event"
			}
		}
	}
	if a.maxEventSize > 0 && len(ev.Serialize()) > a.maxEventSize {
		return "event too large"
	}
	if !ev.CheckID() {
		return "invalid event id"
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return "invalid signature"
	}
	return ""
}

// Admit runs the full admission pipeline: validation, ephemeral bypass,
// replaceable routing, duplicate detection, and kind-5 deletion handling.
// Accepted events with Stored=false are ephemeral; the caller fans both
// stored and ephemeral events out to live subscriptions.
func (a *Admitter) Admit(ev *nostr.Event) AdmitOutcome {
	if reason := a.validate(ev); reason != "" {
		eventsRejected.WithLabelValues(reason).Inc()
		return rejected(reason)
	}

	if ev.IsEphemeral() {
		return AdmitOutcome{Accepted: true}
	}

	receivedAt := time.Now().Unix()

	if ev.IsReplaceable() || ev.IsParameterizedReplaceable() {
		stored, err := a.store.UpsertReplaceable(ev, receivedAt)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				eventsRejected.WithLabelValues("duplicate event").Inc()
				return rejected("duplicate event")
			}
			logger.Error("admit_upsert_failed", zap.String("id", ev.ID), zap.Error(err))
			return rejected("invalid event")
		}
		if !stored {
			eventsRejected.WithLabelValues("older replaceable event").Inc()
			return rejected("older replaceable event")
		}
		return AdmitOutcome{Accepted: true, Stored: true}
	}

	if err := a.store.Put(ev, receivedAt); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			eventsRejected.WithLabelValues("duplicate event").Inc()
			return rejected("duplicate event")
		}
		logger.Error("admit_store_failed", zap.String("id", ev.ID), zap.Error(err))
		return rejected("invalid event")
	}

	out := AdmitOutcome{Accepted: true, Stored: true}
	if ev.Kind == nostr.KindDeletion {
		n, err := a.store.ApplyDeletion(ev)
		if err != nil {
			logger.Error("admit_deletion_failed", zap.String("id", ev.ID), zap.Error(err))
		}
		out.Deleted = n
	}
	return out
}
