package holdem

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"

	"pokerarena/card"
)

// Deck is an ordered 52-card sequence derived deterministically from a
// seed string. The same seed always produces the same permutation,
// independent of platform or process.
type Deck struct {
	cards []card.Card
	drawn int
}

// NewDeck shuffles a full deck with a PRNG seeded from the given string.
func NewDeck(seed string) *Deck {
	sum := sha256.Sum256([]byte(seed))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))

	cards := make([]card.Card, len(card.FullDeck))
	copy(cards, card.FullDeck)
	rng.Shuffle(len(cards), func(i, j int) { cards[i], cards[j] = cards[j], cards[i] })

	return &Deck{cards: cards}
}

// HandSeed derives the per-hand deck seed as a pure function of the table
// seed and the hand index, so replays reproduce every hand from the
// original config seed alone.
func HandSeed(tableSeed string, handNumber uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", tableSeed, handNumber)))
	return hex.EncodeToString(sum[:])
}

// Draw removes and returns the next n cards.
func (d *Deck) Draw(n int) ([]card.Card, error) {
	if n < 0 || d.drawn+n > len(d.cards) {
		return nil, ErrDeckExhausted
	}
	out := d.cards[d.drawn : d.drawn+n]
	d.drawn += n
	return out, nil
}

// Remaining returns the number of undrawn cards.
func (d *Deck) Remaining() int {
	return len(d.cards) - d.drawn
}
