package holdem

import "sort"

type pot struct {
	amount        int64
	eligibleSeats map[int]bool
}

type potManager struct {
	pots         []pot
	excessSeat   int
	excessAmount int64
}

func (pm *potManager) reset() {
	pm.pots = nil
	pm.excessSeat = NoSeat
	pm.excessAmount = 0
}

func (pm *potManager) total() int64 {
	var sum int64
	for _, p := range pm.pots {
		sum += p.amount
	}
	return sum
}

func (pm *potManager) dropSeat(seatID int) {
	for i := range pm.pots {
		delete(pm.pots[i].eligibleSeats, seatID)
	}
}

// collect layers the street bets into main and side pots. Seats are
// partitioned by distinct contribution levels: each level forms a pot
// containing every seat that paid at least that much, with folded seats
// contributing but not eligible. An unmatched overbet (all-in callers for
// less) is refunded before pot formation.
func (pm *potManager) collect(seatsWithBets []*Seat) {
	if len(seatsWithBets) == 0 {
		return
	}
	sort.Slice(seatsWithBets, func(i, j int) bool {
		if seatsWithBets[i].bet != seatsWithBets[j].bet {
			return seatsWithBets[i].bet < seatsWithBets[j].bet
		}
		return seatsWithBets[i].ID < seatsWithBets[j].ID
	})

	// Refund the portion of the highest bet no other seat matched.
	pm.excessSeat = NoSeat
	pm.excessAmount = 0
	last := seatsWithBets[len(seatsWithBets)-1]
	var secondMax int64
	if len(seatsWithBets) > 1 {
		secondMax = seatsWithBets[len(seatsWithBets)-2].bet
	}
	if excess := last.bet - secondMax; excess > 0 {
		last.addStack(excess)
		last.addBet(-excess)
		pm.excessSeat = last.ID
		pm.excessAmount = excess
	}

	contributed := int64(0)
	for i, seat := range seatsWithBets {
		level := seat.bet - contributed
		if level <= 0 {
			continue
		}

		next := pot{eligibleSeats: make(map[int]bool)}
		for j := i; j < len(seatsWithBets); j++ {
			other := seatsWithBets[j]
			part := level
			if part > other.bet-contributed {
				part = other.bet - contributed
			}
			next.amount += part
			if !other.folded {
				next.eligibleSeats[other.ID] = true
			}
		}

		// Merge into the previous pot when eligibility is identical.
		if n := len(pm.pots); n > 0 && sameSeats(pm.pots[n-1].eligibleSeats, next.eligibleSeats) {
			pm.pots[n-1].amount += next.amount
		} else {
			pm.pots = append(pm.pots, next)
		}
		contributed += level
	}

	for _, seat := range seatsWithBets {
		seat.resetBet()
	}
}

func sameSeats(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sortedSeatIDs(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
