package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/conorfennell/cardsync/internal/domain"
)

// Normalize joins the card's question and answer after cleaning each part.
// Each part is lowercased, trimmed, has its line endings normalized and its
// inner whitespace collapsed, so cosmetic edits do not change the result.
func Normalize(card domain.Card) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		lines := strings.Split(p, "\n")
		for i, line := range lines {
			lines[i] = strings.Join(strings.Fields(line), " ")
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}

	// A separator that cannot appear in a normalized part keeps
	// "ab"+"c" distinct from "a"+"bc".
	return normalizePart(card.Question) + "\x00" + normalizePart(card.Answer)
}

// Hash takes a card, normalizes it, and returns its SHA-256 hash as a hex string.
func Hash(card domain.Card) string {
	hashBytes := sha256.Sum256([]byte(Normalize(card)))
	return fmt.Sprintf("%x", hashBytes)
}

// Index maps content hashes to the cards that carry them.
type Index map[string]domain.Card

// NewIndex builds an Index over the given cards. When two cards share content
// the first one wins.
func NewIndex(cards []domain.Card) Index {
	idx := make(Index, len(cards))
	for _, c := range cards {
		h := Hash(c)
		if _, exists := idx[h]; !exists {
			idx[h] = c
		}
	}
	return idx
}

// Duplicate returns the indexed card with the same content as card, if any.
func (idx Index) Duplicate(card domain.Card) (domain.Card, bool) {
	c, ok := idx[Hash(card)]
	return c, ok
}
