package holdem

import "pokerarena/card"

// SeatState is one seat as projected to a viewer.
type SeatState struct {
	Seat      int
	AgentID   string
	Name      string
	Stack     int64
	Bet       int64
	Folded    bool
	AllIn     bool
	Active    bool
	HasCards  bool
	HoleCards []card.Card // nil unless the viewer may see them
}

// PotState is one pot as projected to a viewer.
type PotState struct {
	Amount        int64
	EligibleSeats []int
}

// LegalAction describes one currently legal action for the actor.
type LegalAction struct {
	Kind string
	Min  int64
	Max  int64
}

// TableState is a projection of the runtime. StateForSeat reveals only
// that seat's hole cards; PublicState redacts all of them. The turn token
// is present only in the private view of the current actor.
type TableState struct {
	TableID        string
	Phase          string
	HandNumber     uint64
	Seq            uint64
	DealerSeat     int
	CurrentSeat    int
	SmallBlind     int64
	BigBlind       int64
	CommunityCards []card.Card
	Pots           []PotState
	Seats          []SeatState
	ToCall         int64
	MinRaiseTo     int64
	LegalActions   []LegalAction
	TurnToken      string
}

// StateForSeat returns the private view for one seat.
func (g *Game) StateForSeat(seatID int) *TableState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(seatID, false)
}

// PublicState returns the observer view with every hole card redacted.
func (g *Game) PublicState() *TableState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(NoSeat, false)
}

// OpenState reveals every hole card; reserved for admin observers.
func (g *Game) OpenState() *TableState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(NoSeat, true)
}

func (g *Game) stateLocked(viewerSeat int, showAll bool) *TableState {
	st := &TableState{
		TableID:        g.tableID,
		Phase:          g.phase.String(),
		HandNumber:     g.handNumber,
		Seq:            g.seq,
		DealerSeat:     g.dealerSeat,
		CurrentSeat:    g.currentSeat,
		SmallBlind:     g.cfg.SmallBlind,
		BigBlind:       g.cfg.BigBlind,
		CommunityCards: append([]card.Card(nil), g.community...),
	}

	for _, p := range g.pots.pots {
		st.Pots = append(st.Pots, PotState{
			Amount:        p.amount,
			EligibleSeats: sortedSeatIDs(p.eligibleSeats),
		})
	}

	for id, s := range g.seats {
		if s == nil {
			continue
		}
		ss := SeatState{
			Seat:     id,
			AgentID:  s.AgentID,
			Name:     s.AgentName,
			Stack:    s.stack,
			Bet:      s.bet,
			Folded:   s.folded,
			AllIn:    s.allIn,
			Active:   s.active,
			HasCards: len(s.holeCards) == 2,
		}
		if showAll || id == viewerSeat {
			ss.HoleCards = append([]card.Card(nil), s.holeCards...)
		}
		st.Seats = append(st.Seats, ss)
	}

	if g.phase.IsBetting() && g.currentSeat != NoSeat {
		actor := g.seats[g.currentSeat]
		st.ToCall = g.curBet - actor.bet
		if st.ToCall < 0 {
			st.ToCall = 0
		}
		st.MinRaiseTo = g.minRaiseTo()
		st.LegalActions = g.legalActionsLocked(actor)
		if viewerSeat == g.currentSeat {
			st.TurnToken = g.turnToken
		}
	}
	return st
}

func (g *Game) legalActionsLocked(actor *Seat) []LegalAction {
	acts := []LegalAction{{Kind: ActionFold.String()}}

	if actor.bet == g.curBet {
		acts = append(acts, LegalAction{Kind: ActionCheck.String()})
	} else {
		call := g.curBet - actor.bet
		if call > actor.stack {
			call = actor.stack
		}
		acts = append(acts, LegalAction{Kind: ActionCall.String(), Min: call, Max: call})
	}

	max := actor.bet + actor.stack
	if max > g.curBet && !g.acted[actor.ID] {
		min := g.minRaiseTo()
		if min > max {
			// Only a short all-in remains.
			min = max
		}
		acts = append(acts, LegalAction{Kind: ActionRaiseTo.String(), Min: min, Max: max})
	}
	return acts
}
