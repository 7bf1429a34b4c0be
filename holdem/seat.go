package holdem

import "pokerarena/card"

// Seat is one chair of the table. Invariants: folded implies not all-in;
// all-in implies stack == 0; hole cards are present only while the seat is
// dealt into a hand in progress.
type Seat struct {
	ID        int
	AgentID   string
	AgentName string

	stack int64
	bet   int64

	folded bool
	allIn  bool
	active bool

	holeCards []card.Card
}

func (s *Seat) Stack() int64           { return s.stack }
func (s *Seat) Bet() int64             { return s.bet }
func (s *Seat) Folded() bool           { return s.folded }
func (s *Seat) AllIn() bool            { return s.allIn }
func (s *Seat) Active() bool           { return s.active }
func (s *Seat) HoleCards() []card.Card { return s.holeCards }

func (s *Seat) resetForNewHand() {
	s.bet = 0
	s.folded = false
	s.allIn = false
	s.holeCards = nil
}

func (s *Seat) addHoleCard(c card.Card) {
	s.holeCards = append(s.holeCards, c)
}

// placeBet moves up to amount from stack to the street bet, capping at the
// remaining stack (partial payment means all-in).
func (s *Seat) placeBet(amount int64) {
	if amount <= 0 {
		return
	}
	if amount >= s.stack {
		amount = s.stack
		s.allIn = true
	}
	s.stack -= amount
	s.bet += amount
}

func (s *Seat) addStack(amount int64) { s.stack += amount }
func (s *Seat) addBet(amount int64)   { s.bet += amount }
func (s *Seat) resetBet()             { s.bet = 0 }

func (s *Seat) setFolded() {
	s.folded = true
	s.allIn = false
}

// liveWithDecision reports whether the seat can still take betting
// decisions this hand.
func (s *Seat) liveWithDecision() bool {
	return s != nil && s.active && !s.folded && !s.allIn && len(s.holeCards) == 2
}

// inHand reports whether the seat was dealt in and has not folded.
func (s *Seat) inHand() bool {
	return s != nil && !s.folded && len(s.holeCards) == 2
}
