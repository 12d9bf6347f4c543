// Package reconcile keeps a local, optimistically edited view of the
// active/archived flag of every card in step with the card API.
//
// Local toggles are collected in a pending set and sent as one batch when the
// list view is left. The remote snapshot is always re-read afterwards, so the
// caller sees the authoritative state whether or not the batch was accepted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conorfennell/cardsync/internal/api"
	"github.com/conorfennell/cardsync/internal/domain"
)

// ErrUnknownCard is returned when toggling a card that is not in the snapshot.
var ErrUnknownCard = errors.New("card not in snapshot")

// Remote is the part of the card API the reconciler needs.
type Remote interface {
	FetchCards(ctx context.Context) ([]domain.Card, error)
	BatchSetActive(ctx context.Context, updates []domain.CardUpdate) (api.BatchResult, error)
}

// Journal persists pending overrides and the last snapshot across restarts.
type Journal interface {
	LoadPending() (map[domain.CardID]bool, error)
	SavePending(id domain.CardID, active bool) error
	DeletePending(ids []domain.CardID) error
	SaveSnapshot(cards []domain.Card) error
}

// State is the position of the reconciler in its flush cycle.
type State int

const (
	Idle State = iota
	Dirty
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dirty:
		return "dirty"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FlushResult describes the outcome of a flush.
type FlushResult struct {
	// Sent is the batch handed to the card API. Empty when nothing was pending.
	Sent []domain.CardUpdate
	// Applied is the count the card API acknowledged.
	Applied int
	// Retained is the pending set once the flush settled.
	Retained map[domain.CardID]bool
	// Err is the batch failure, if any. The sent entries are still pending.
	Err error
	// RefreshErr is the failure of the refresh that follows every batch.
	RefreshErr error
}

// OK reports whether the batch was acknowledged.
func (r FlushResult) OK() bool { return r.Err == nil }

// Reconciler owns the snapshot of remote cards and the set of local overrides
// not yet confirmed by the card API. It is safe for concurrent use.
type Reconciler struct {
	remote  Remote
	journal Journal
	logger  *slog.Logger

	mu          sync.Mutex
	snapshot    []domain.Card
	index       map[domain.CardID]int
	pending     map[domain.CardID]bool
	flushing    bool
	refreshedAt time.Time
	// seq stamps every change to pending, in the order it was made.
	seq uint64

	// journalMu guards journaled, the stamp of the last write per card. A
	// journal write older than the one already on disk is skipped, so the
	// journal ends in the same order as pending without holding mu.
	journalMu sync.Mutex
	journaled map[domain.CardID]uint64
	// refreshMu keeps snapshot swaps in the order their fetches started.
	refreshMu sync.Mutex
	flights   singleflight.Group
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithJournal makes pending overrides survive process restarts.
func WithJournal(j Journal) Option {
	return func(r *Reconciler) { r.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a reconciler. When a journal is configured, the overrides it
// holds are restored as pending.
func New(remote Remote, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		remote:    remote,
		logger:    slog.Default(),
		index:     make(map[domain.CardID]int),
		pending:   make(map[domain.CardID]bool),
		journaled: make(map[domain.CardID]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.journal != nil {
		pending, err := r.journal.LoadPending()
		if err != nil {
			return nil, fmt.Errorf("failed to restore pending changes: %w", err)
		}
		r.pending = pending
		if len(pending) > 0 {
			r.logger.Info("Restored pending changes from journal", "count", len(pending))
		}
	}
	return r, nil
}

// Seed installs cards as the snapshot without contacting the card API. It is
// used to show a cached snapshot before the first refresh.
func (r *Reconciler) Seed(cards []domain.Card, fetchedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setSnapshotLocked(cards)
	r.refreshedAt = fetchedAt
}

func (r *Reconciler) setSnapshotLocked(cards []domain.Card) {
	r.snapshot = make([]domain.Card, len(cards))
	copy(r.snapshot, cards)
	r.index = make(map[domain.CardID]int, len(cards))
	for i, c := range r.snapshot {
		r.index[c.ID] = i
	}
}

// Refresh replaces the snapshot with the card API's current card list. Pending
// overrides are kept, except those for cards the card API no longer returns,
// which are dropped from pending and the journal. On failure the snapshot is
// left as it was.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	cards, err := r.remote.FetchCards(ctx)
	if err != nil {
		r.logger.Warn("Refresh failed, keeping previous snapshot", "error", err)
		return fmt.Errorf("refresh: %w", err)
	}

	r.mu.Lock()
	r.setSnapshotLocked(cards)
	r.refreshedAt = time.Now()
	var orphans []domain.CardID
	for id := range r.pending {
		if _, ok := r.index[id]; !ok {
			delete(r.pending, id)
			orphans = append(orphans, id)
		}
	}
	var seq uint64
	if len(orphans) > 0 {
		r.seq++
		seq = r.seq
	}
	pending := len(r.pending)
	r.mu.Unlock()

	if len(orphans) > 0 {
		slices.Sort(orphans)
		r.logger.Warn("Dropped pending changes for cards missing from the card API", "card_ids", orphans)
		r.journalDelete(seq, orphans)
	}
	if r.journal != nil {
		if err := r.journal.SaveSnapshot(cards); err != nil {
			r.logger.Warn("Failed to cache snapshot", "error", err)
		}
	}
	r.logger.Debug("Snapshot refreshed", "cards", len(cards), "pending", pending)
	return nil
}

// SetLocalActive records a local choice for a card. It never contacts the card
// API. A later call for the same card replaces the earlier one.
func (r *Reconciler) SetLocalActive(id domain.CardID, active bool) error {
	r.mu.Lock()
	if _, ok := r.index[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("toggle card %d: %w", id, ErrUnknownCard)
	}
	r.pending[id] = active
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	r.journalSave(seq, id, active)
	return nil
}

// journalSave writes a pending choice unless a later change to the same card
// has already been written. The in-memory entry is authoritative for this
// process; a failed write only loses durability.
func (r *Reconciler) journalSave(seq uint64, id domain.CardID, active bool) {
	if r.journal == nil {
		return
	}
	r.journalMu.Lock()
	defer r.journalMu.Unlock()
	if r.journaled[id] > seq {
		return
	}
	r.journaled[id] = seq
	if err := r.journal.SavePending(id, active); err != nil {
		r.logger.Warn("Failed to journal pending change", "card_id", id, "error", err)
	}
}

// journalDelete removes cards from the journal, skipping any whose later
// change has already been written.
func (r *Reconciler) journalDelete(seq uint64, ids []domain.CardID) {
	if r.journal == nil || len(ids) == 0 {
		return
	}
	r.journalMu.Lock()
	defer r.journalMu.Unlock()
	current := make([]domain.CardID, 0, len(ids))
	for _, id := range ids {
		if r.journaled[id] > seq {
			continue
		}
		r.journaled[id] = seq
		current = append(current, id)
	}
	if len(current) == 0 {
		return
	}
	if err := r.journal.DeletePending(current); err != nil {
		r.logger.Warn("Failed to clear pending changes from journal", "card_ids", current, "error", err)
	}
}

// Flush sends every pending override to the card API as one batch and then
// refreshes the snapshot. With nothing pending it returns at once without
// contacting the card API.
//
// Concurrent calls share the flush already in progress. If entries were added
// while it ran and it succeeded, callers that joined it run one more flush for
// those entries. A caller whose ctx ends stops waiting, but the flush itself
// runs to completion.
func (r *Reconciler) Flush(ctx context.Context) (FlushResult, error) {
	detached := context.WithoutCancel(ctx)
	for {
		ch := r.flights.DoChan("flush", func() (any, error) {
			res := r.flush(detached)
			return res, res.Err
		})

		var out singleflight.Result
		select {
		case <-ctx.Done():
			return FlushResult{Retained: r.Pending()}, ctx.Err()
		case out = <-ch:
		}

		res := out.Val.(FlushResult)
		if out.Shared && res.OK() && len(res.Retained) > 0 {
			continue
		}
		return res, res.Err
	}
}

func (r *Reconciler) flush(ctx context.Context) FlushResult {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return FlushResult{Retained: map[domain.CardID]bool{}}
	}
	batch := domain.Updates(r.pending)
	r.flushing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.flushing = false
		r.mu.Unlock()
	}()

	r.logger.Info("Flushing pending changes", "count", len(batch))
	res := FlushResult{Sent: batch}

	ack, err := r.remote.BatchSetActive(ctx, batch)
	if err != nil {
		// Part of the batch may have been applied; all of it stays pending
		// and is resent verbatim next time.
		r.logger.Warn("Batch update failed, keeping pending changes", "count", len(batch), "error", err)
		res.Err = fmt.Errorf("flush: %w", err)
	} else {
		res.Applied = ack.Count
		r.confirm(batch)
		r.logger.Info("Batch update acknowledged", "sent", len(batch), "applied", ack.Count)
	}

	if err := r.Refresh(ctx); err != nil {
		res.RefreshErr = err
	}
	res.Retained = r.Pending()
	return res
}

// confirm drops acknowledged entries from pending and paints them onto the
// snapshot so the display does not flip back before the refresh lands. An
// entry changed after the batch was taken stays pending.
func (r *Reconciler) confirm(batch []domain.CardUpdate) {
	r.mu.Lock()
	var cleared []domain.CardID
	for _, u := range batch {
		if i, ok := r.index[u.ID]; ok {
			r.snapshot[i].Active = u.Active
		}
		if v, ok := r.pending[u.ID]; ok && v == u.Active {
			delete(r.pending, u.ID)
			cleared = append(cleared, u.ID)
		}
	}
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	r.journalDelete(seq, cleared)
}

// Pending returns a copy of the unconfirmed overrides.
func (r *Reconciler) Pending() map[domain.CardID]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.pending)
}

// Dirty reports whether any override is waiting to be flushed.
func (r *Reconciler) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// State reports where the reconciler is in its flush cycle.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.flushing:
		return Flushing
	case len(r.pending) > 0:
		return Dirty
	default:
		return Idle
	}
}

// RefreshedAt is the time of the snapshot currently held.
func (r *Reconciler) RefreshedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshedAt
}

// DisplayCards returns the snapshot with pending overrides applied.
func (r *Reconciler) DisplayCards() []domain.Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	cards := make([]domain.Card, len(r.snapshot))
	copy(cards, r.snapshot)
	for i := range cards {
		if active, ok := r.pending[cards[i].ID]; ok {
			cards[i].Active = active
		}
	}
	return cards
}
