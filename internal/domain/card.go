package domain

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// CardID is the identifier assigned to a card by the remote store.
type CardID int64

// Card represents a single question-answer entry as known to the remote store.
type Card struct {
	ID       CardID `json:"id"`
	Question string `json:"question" validate:"required"`
	Answer   string `json:"answer" validate:"required"`
	Active   bool   `json:"active"`
	OwnerID  string `json:"owner_id,omitempty"`
	ClassID  string `json:"class_id,omitempty"`
}

// CardUpdate is one entry of a batch active/archived change.
type CardUpdate struct {
	ID     CardID
	Active bool
}

// ErrInvalidCard is wrapped by every card validation failure.
var ErrInvalidCard = errors.New("invalid card")

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewCard trims the question and answer and checks that neither is empty.
func NewCard(question, answer string) (Card, error) {
	c := Card{
		Question: strings.TrimSpace(question),
		Answer:   strings.TrimSpace(answer),
		Active:   true,
	}
	if err := Validate(c); err != nil {
		return Card{}, err
	}
	return c, nil
}

// Validate reports missing required fields on a card.
func Validate(c Card) error {
	if err := validate.Struct(c); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			return fmt.Errorf("%w: missing %s", ErrInvalidCard, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	return nil
}

// Updates converts an id→active mapping into a batch, ordered by id.
func Updates(m map[CardID]bool) []CardUpdate {
	out := make([]CardUpdate, 0, len(m))
	for id, active := range m {
		out = append(out, CardUpdate{ID: id, Active: active})
	}
	slices.SortFunc(out, func(a, b CardUpdate) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
