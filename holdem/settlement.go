package holdem

import (
	"fmt"
	"sort"

	"pokerarena/card"
)

// PotAward records the resolution of one pot.
type PotAward struct {
	Amount     int64
	Eligible   []int
	Winners    []int
	WinAmounts []int64
}

// ShowdownHand is one revealed hand at showdown.
type ShowdownHand struct {
	SeatID    int
	HoleCards []card.Card
	Value     *HandValue
}

// Settlement is the final accounting of a hand.
type Settlement struct {
	HandNumber  uint64
	Showdown    bool
	Hands       []ShowdownHand
	Pots        []PotAward
	FinalStacks map[int]int64
}

// settleFoldWin awards every pot to the last seat standing, with no
// showdown.
func (g *Game) settleFoldWin(res *ActionResult, winnerSeat int) error {
	g.collectBets()
	winner := g.seats[winnerSeat]

	settle := &Settlement{HandNumber: g.handNumber}
	for _, p := range g.pots.pots {
		winner.addStack(p.amount)
		settle.Pots = append(settle.Pots, PotAward{
			Amount:     p.amount,
			Eligible:   sortedSeatIDs(p.eligibleSeats),
			Winners:    []int{winnerSeat},
			WinAmounts: []int64{p.amount},
		})
	}
	return g.finishHand(res, settle)
}

// settleShowdown evaluates every contesting hand and pays each pot to its
// best eligible hand, splitting ties with integer division. Odd chips go
// to the winner closest clockwise from the dealer.
func (g *Game) settleShowdown(res *ActionResult) error {
	g.phase = PhaseShowdown

	values := make(map[int]*HandValue, g.cfg.MaxSeats)
	settle := &Settlement{HandNumber: g.handNumber, Showdown: true}
	for _, id := range g.seatsInHand() {
		seat := g.seats[id]
		all := make([]card.Card, 0, 7)
		all = append(all, seat.holeCards...)
		all = append(all, g.community...)
		hv, err := Evaluate(all)
		if err != nil {
			return errCode(CodeInternalError, err.Error())
		}
		values[id] = hv
		settle.Hands = append(settle.Hands, ShowdownHand{
			SeatID:    id,
			HoleCards: seat.holeCards,
			Value:     hv,
		})
	}

	for _, p := range g.pots.pots {
		eligible := sortedSeatIDs(p.eligibleSeats)
		winners := bestOf(eligible, values)
		award := PotAward{Amount: p.amount, Eligible: eligible, Winners: winners}
		if len(winners) == 0 {
			settle.Pots = append(settle.Pots, award)
			continue
		}

		share := p.amount / int64(len(winners))
		remainder := p.amount % int64(len(winners))
		oddSeat := g.closestClockwise(winners)
		award.WinAmounts = make([]int64, len(winners))
		for i, w := range winners {
			amt := share
			if w == oddSeat {
				amt += remainder
			}
			award.WinAmounts[i] = amt
			g.seats[w].addStack(amt)
		}
		settle.Pots = append(settle.Pots, award)
	}

	g.emit(res, EventShowdown, showdownPayload(settle, g.community))
	return g.finishHand(res, settle)
}

// finishHand verifies chip conservation, records the settlement and emits
// HAND_COMPLETE.
func (g *Game) finishHand(res *ActionResult, settle *Settlement) error {
	settle.FinalStacks = make(map[int]int64, g.cfg.MaxSeats)
	var total int64
	for id, s := range g.seats {
		if s == nil || len(s.holeCards) != 2 {
			continue
		}
		settle.FinalStacks[id] = s.stack
		total += s.stack + s.bet
	}
	if total != g.handStartTotal {
		g.phase = PhaseEnded
		g.currentSeat = NoSeat
		return errCode(CodeInternalError,
			fmt.Sprintf("chip conservation violated: start=%d end=%d", g.handStartTotal, total))
	}

	g.pots.reset()
	g.phase = PhaseEnded
	g.currentSeat = NoSeat
	g.turnToken = ""
	g.lastSettlement = settle

	g.emit(res, EventHandComplete, handCompletePayload(settle))
	res.HandComplete = true
	res.Settlement = settle
	return nil
}

// bestOf returns the eligible seats holding the strongest hand, in seat
// order.
func bestOf(eligible []int, values map[int]*HandValue) []int {
	var winners []int
	for _, id := range eligible {
		hv := values[id]
		if hv == nil {
			continue
		}
		if len(winners) == 0 {
			winners = []int{id}
			continue
		}
		switch Compare(hv, values[winners[0]]) {
		case 1:
			winners = []int{id}
		case 0:
			winners = append(winners, id)
		}
	}
	sort.Ints(winners)
	return winners
}

// closestClockwise picks the seat with the shortest clockwise distance
// from the seat after the dealer.
func (g *Game) closestClockwise(seatIDs []int) int {
	best := NoSeat
	bestDist := g.cfg.MaxSeats + 1
	for _, id := range seatIDs {
		dist := (id - g.dealerSeat - 1 + g.cfg.MaxSeats) % g.cfg.MaxSeats
		if dist < bestDist {
			bestDist = dist
			best = id
		}
	}
	return best
}

func showdownPayload(settle *Settlement, board []card.Card) map[string]any {
	hands := make([]map[string]any, 0, len(settle.Hands))
	for _, h := range settle.Hands {
		hands = append(hands, map[string]any{
			"seat":        h.SeatID,
			"cards":       card.Strings(h.HoleCards),
			"rank":        h.Value.Rank.String(),
			"best_five":   card.Strings(h.Value.BestFive),
			"description": h.Value.Description,
		})
	}
	return map[string]any{
		"board": card.Strings(board),
		"hands": hands,
	}
}

func handCompletePayload(settle *Settlement) map[string]any {
	pots := make([]map[string]any, 0, len(settle.Pots))
	for _, p := range settle.Pots {
		pots = append(pots, map[string]any{
			"amount":   p.Amount,
			"eligible": p.Eligible,
			"winners":  p.Winners,
			"amounts":  p.WinAmounts,
		})
	}
	stacks := make([]map[string]any, 0, len(settle.FinalStacks))
	for _, id := range sortedKeys(settle.FinalStacks) {
		stacks = append(stacks, map[string]any{"seat": id, "stack": settle.FinalStacks[id]})
	}
	return map[string]any{
		"hand":     settle.HandNumber,
		"showdown": settle.Showdown,
		"pots":     pots,
		"stacks":   stacks,
	}
}

func sortedKeys(m map[int]int64) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
