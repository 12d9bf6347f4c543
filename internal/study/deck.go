package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/conorfennell/cardsync/internal/domain"
	"github.com/conorfennell/cardsync/internal/knol"
)

var (
	// ErrNoActiveCards is returned by Next when every card is archived.
	ErrNoActiveCards = errors.New("no active cards")
	// ErrDuplicate is returned by Add when a card with the same content exists.
	ErrDuplicate = errors.New("duplicate card")
)

// Remote is the part of the card API used directly by the study view.
type Remote interface {
	ToggleActive(ctx context.Context, id domain.CardID, active bool) (domain.Card, error)
	AddCard(ctx context.Context, question, answer string) (domain.Card, error)
	UpdateCard(ctx context.Context, id domain.CardID, question, answer string) (domain.Card, error)
	BulkCreateCards(ctx context.Context, cards []domain.Card, classID string) (int, error)
}

// Source provides the card state the study view reads.
type Source interface {
	Cards(ctx context.Context) ([]domain.Card, error)
	Refresh(ctx context.Context) error
}

// Deck serves cards for study in random order.
type Deck struct {
	remote Remote
	source Source
	logger *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	current domain.CardID
}

// NewDeck creates a deck. A nil rng uses a randomly seeded generator.
func NewDeck(remote Remote, source Source, rng *rand.Rand, logger *slog.Logger) *Deck {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deck{remote: remote, source: source, rng: rng, logger: logger}
}

// Next picks a random active card. With more than one active card it never
// returns the card it returned last.
func (d *Deck) Next(ctx context.Context) (domain.Card, error) {
	cards, err := d.source.Cards(ctx)
	if err != nil {
		return domain.Card{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var candidates []domain.Card
	var currentActive bool
	for _, c := range cards {
		if !c.Active {
			continue
		}
		if c.ID == d.current {
			currentActive = true
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		if currentActive {
			// The only active card is the one already shown.
			for _, c := range cards {
				if c.ID == d.current {
					return c, nil
				}
			}
		}
		return domain.Card{}, ErrNoActiveCards
	}

	next := candidates[d.rng.IntN(len(candidates))]
	d.current = next.ID
	return next, nil
}

// Archive sets the active flag of one card immediately, bypassing the list
// session's pending set, and refreshes the card state.
func (d *Deck) Archive(ctx context.Context, id domain.CardID, active bool) (domain.Card, error) {
	card, err := d.remote.ToggleActive(ctx, id, active)
	if err != nil {
		return domain.Card{}, fmt.Errorf("archive card %d: %w", id, err)
	}
	d.logger.Info("Card archive flag set", "card_id", id, "active", active)
	d.refresh(ctx)
	return card, nil
}

// Add creates a card after checking that no card with the same content exists.
func (d *Deck) Add(ctx context.Context, question, answer string) (domain.Card, error) {
	card, err := domain.NewCard(question, answer)
	if err != nil {
		return domain.Card{}, err
	}

	existing, err := d.source.Cards(ctx)
	if err != nil {
		return domain.Card{}, err
	}
	if dup, ok := knol.NewIndex(existing).Duplicate(card); ok {
		return domain.Card{}, fmt.Errorf("%w: matches card %d", ErrDuplicate, dup.ID)
	}

	created, err := d.remote.AddCard(ctx, card.Question, card.Answer)
	if err != nil {
		return domain.Card{}, fmt.Errorf("add card: %w", err)
	}
	d.logger.Info("Card added", "card_id", created.ID)
	d.refresh(ctx)
	return created, nil
}

// Edit replaces the question and answer of a card.
func (d *Deck) Edit(ctx context.Context, id domain.CardID, question, answer string) (domain.Card, error) {
	card, err := domain.NewCard(question, answer)
	if err != nil {
		return domain.Card{}, err
	}
	updated, err := d.remote.UpdateCard(ctx, id, card.Question, card.Answer)
	if err != nil {
		return domain.Card{}, fmt.Errorf("edit card %d: %w", id, err)
	}
	d.logger.Info("Card edited", "card_id", id)
	d.refresh(ctx)
	return updated, nil
}

// ImportResult counts the outcome of Import.
type ImportResult struct {
	Created int `json:"created"`
	// Skipped counts rows that were incomplete or duplicated an existing
	// card or an earlier row.
	Skipped int `json:"skipped"`
}

// Import creates many cards in one request, optionally assigned to a class.
// Rows missing a question or an answer, and rows that duplicate a card, are
// skipped. With nothing left to create no request is made.
func (d *Deck) Import(ctx context.Context, rows []domain.Card, classID string) (ImportResult, error) {
	existing, err := d.source.Cards(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	index := knol.NewIndex(existing)

	var res ImportResult
	var cards []domain.Card
	for _, row := range rows {
		card, err := domain.NewCard(row.Question, row.Answer)
		if err != nil {
			res.Skipped++
			continue
		}
		if _, ok := index.Duplicate(card); ok {
			res.Skipped++
			continue
		}
		index[knol.Hash(card)] = card
		cards = append(cards, card)
	}
	if len(cards) == 0 {
		return res, fmt.Errorf("%w: no new cards to import", domain.ErrInvalidCard)
	}

	res.Created, err = d.remote.BulkCreateCards(ctx, cards, classID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import cards: %w", err)
	}
	d.logger.Info("Cards imported", "created", res.Created, "skipped", res.Skipped, "class_id", classID)
	d.refresh(ctx)
	return res, nil
}

// refresh re-reads the card state after a write. The write already succeeded,
// so a failed refresh is only logged.
func (d *Deck) refresh(ctx context.Context) {
	if err := d.source.Refresh(ctx); err != nil {
		d.logger.Warn("Failed to refresh cards after write", "error", err)
	}
}
