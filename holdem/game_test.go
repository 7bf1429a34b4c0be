package holdem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(seed string, maxSeats int) TableConfig {
	return TableConfig{
		SmallBlind:        1,
		BigBlind:          2,
		MaxSeats:          maxSeats,
		InitialStack:      1000,
		ActionTimeoutMs:   30000,
		MinPlayersToStart: 2,
		Seed:              seed,
	}
}

func newHeadsUp(t *testing.T, seed string) *Game {
	t.Helper()
	g, err := NewGame("tbl-1", testConfig(seed, 2))
	require.NoError(t, err)
	require.NoError(t, g.AddPlayer(0, "agent-0", "alpha", 1000))
	require.NoError(t, g.AddPlayer(1, "agent-1", "beta", 1000))
	return g
}

func currentToken(t *testing.T, g *Game) string {
	t.Helper()
	st := g.StateForSeat(g.CurrentSeat())
	require.NotEmpty(t, st.TurnToken)
	return st.TurnToken
}

func act(t *testing.T, g *Game, kind ActionKind, amount int64) *ActionResult {
	t.Helper()
	seat := g.CurrentSeat()
	res, err := g.ApplyAction(seat, ActionRequest{
		TurnToken: currentToken(t, g),
		Kind:      kind,
		Amount:    amount,
	})
	require.NoError(t, err)
	return res
}

func totalChips(g *Game) int64 {
	st := g.PublicState()
	var sum int64
	for _, s := range st.Seats {
		sum += s.Stack + s.Bet
	}
	for _, p := range st.Pots {
		sum += p.Amount
	}
	return sum
}

func eventTypes(results ...*ActionResult) []string {
	var out []string
	for _, r := range results {
		for _, ev := range r.Events {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestAddPlayerValidation(t *testing.T) {
	g, err := NewGame("tbl-1", testConfig("s", 2))
	require.NoError(t, err)

	require.NoError(t, g.AddPlayer(0, "a", "a", 1000))

	err = g.AddPlayer(0, "b", "b", 1000)
	require.Error(t, err)
	assert.Equal(t, CodeSeatTaken, AsCodeError(err).Code)

	err = g.AddPlayer(5, "b", "b", 1000)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidSeat, AsCodeError(err).Code)
}

func TestStartHandNeedsTwoStacks(t *testing.T) {
	g, err := NewGame("tbl-1", testConfig("s", 3))
	require.NoError(t, err)
	require.NoError(t, g.AddPlayer(0, "a", "a", 1000))

	_, err = g.StartHand()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidTableState, AsCodeError(err).Code)
}

// Heads-up, dealer folds preflop: the big blind's uncalled chip is returned
// and it wins the 2-chip pot, ending 1001 to 999.
func TestHeadsUpFoldPreflop(t *testing.T) {
	g := newHeadsUp(t, "t1")

	start, err := g.StartHand()
	require.NoError(t, err)
	assert.Equal(t, []string{EventHandStart}, eventTypes(start))
	assert.Equal(t, 0, g.DealerSeat())
	assert.Equal(t, 0, g.CurrentSeat(), "dealer acts first heads-up preflop")

	res := act(t, g, ActionFold, 0)
	require.True(t, res.HandComplete)
	assert.Equal(t, []string{EventPlayerAction, EventHandComplete}, eventTypes(res))

	settle := res.Settlement
	require.NotNil(t, settle)
	assert.False(t, settle.Showdown)
	assert.Equal(t, int64(999), settle.FinalStacks[0])
	assert.Equal(t, int64(1001), settle.FinalStacks[1])

	require.Len(t, settle.Pots, 1)
	assert.Equal(t, int64(2), settle.Pots[0].Amount)
	assert.Equal(t, []int{1}, settle.Pots[0].Winners)
	assert.Equal(t, PhaseEnded, g.Phase())
}

// Replaying the same turn token yields one state transition and two
// identical acks.
func TestTurnTokenReplay(t *testing.T) {
	g := newHeadsUp(t, "t1")
	_, err := g.StartHand()
	require.NoError(t, err)

	token := currentToken(t, g)
	first, err := g.ApplyAction(0, ActionRequest{TurnToken: token, Kind: ActionCall})
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	seqAfter := g.Seq()

	second, err := g.ApplyAction(0, ActionRequest{TurnToken: token, Kind: ActionCall})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Empty(t, second.Events, "duplicate must not re-emit events")
	assert.Equal(t, seqAfter, g.Seq(), "no second state advance")
}

func TestStaleTokenRejected(t *testing.T) {
	g := newHeadsUp(t, "t1")
	_, err := g.StartHand()
	require.NoError(t, err)

	_, err = g.ApplyAction(0, ActionRequest{TurnToken: "bogus", Kind: ActionCall})
	require.Error(t, err)
	assert.Equal(t, CodeStaleToken, AsCodeError(err).Code)
}

func TestNotYourTurn(t *testing.T) {
	g := newHeadsUp(t, "t1")
	_, err := g.StartHand()
	require.NoError(t, err)

	_, err = g.ApplyAction(1, ActionRequest{TurnToken: "x", Kind: ActionFold})
	require.Error(t, err)
	assert.Equal(t, CodeNotYourTurn, AsCodeError(err).Code)
}

// Error results never mutate state.
func TestLegalityClosure(t *testing.T) {
	g := newHeadsUp(t, "t1")
	_, err := g.StartHand()
	require.NoError(t, err)

	before := g.PublicState()
	token := currentToken(t, g)

	// Checking while facing the big blind is illegal for the small blind.
	_, err = g.ApplyAction(0, ActionRequest{TurnToken: token, Kind: ActionCheck})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidAction, AsCodeError(err).Code)

	// Raise below the minimum without being all-in.
	_, err = g.ApplyAction(0, ActionRequest{TurnToken: token, Kind: ActionRaiseTo, Amount: 3})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidAction, AsCodeError(err).Code)

	after := g.PublicState()
	assert.Equal(t, before, after)
	assert.Equal(t, token, currentToken(t, g), "token unchanged after rejection")
}

// Check the hand down to showdown; chips are conserved at every step.
func TestCheckdownConservation(t *testing.T) {
	g := newHeadsUp(t, "det-seed")
	_, err := g.StartHand()
	require.NoError(t, err)
	require.Equal(t, int64(2000), totalChips(g))

	var results []*ActionResult
	results = append(results, act(t, g, ActionCall, 0)) // SB completes
	require.Equal(t, int64(2000), totalChips(g))
	results = append(results, act(t, g, ActionCheck, 0)) // BB option

	for g.Phase().IsBetting() {
		require.Equal(t, int64(2000), totalChips(g))
		results = append(results, act(t, g, ActionCheck, 0))
	}

	last := results[len(results)-1]
	require.True(t, last.HandComplete)
	require.NotNil(t, last.Settlement)
	assert.True(t, last.Settlement.Showdown)

	var sum int64
	for _, st := range last.Settlement.FinalStacks {
		sum += st
	}
	assert.Equal(t, int64(2000), sum)
	assert.Len(t, g.PublicState().CommunityCards, 5)
}

// Same seed and same ordered inputs produce an identical event stream.
func TestDeterministicReplay(t *testing.T) {
	run := func() ([]Event, map[int]int64) {
		g := newHeadsUp(t, "replay-seed")
		start, err := g.StartHand()
		require.NoError(t, err)

		events := append([]Event(nil), start.Events...)
		var settle *Settlement
		results := []*ActionResult{act(t, g, ActionCall, 0), act(t, g, ActionCheck, 0)}
		for g.Phase().IsBetting() {
			results = append(results, act(t, g, ActionCheck, 0))
		}
		for _, r := range results {
			events = append(events, r.Events...)
			if r.Settlement != nil {
				settle = r.Settlement
			}
		}
		require.NotNil(t, settle)
		return events, settle.FinalStacks
	}

	eventsA, stacksA := run()
	eventsB, stacksB := run()
	assert.Equal(t, eventsA, eventsB)
	assert.Equal(t, stacksA, stacksB)
}

// A three-handed pot with one short all-in builds a main pot and one side
// pot whose awards sum to
// the contributed chips.
func TestSidePotOnAllIn(t *testing.T) {
	g, err := NewGame("tbl-side", testConfig("s4", 3))
	require.NoError(t, err)
	require.NoError(t, g.AddPlayer(0, "a0", "short", 100))
	require.NoError(t, g.AddPlayer(1, "a1", "mid", 500))
	require.NoError(t, g.AddPlayer(2, "a2", "big", 500))

	_, err = g.StartHand()
	require.NoError(t, err)
	// Dealer 0, SB seat 1, BB seat 2; seat 0 opens.
	require.Equal(t, 0, g.CurrentSeat())

	act(t, g, ActionRaiseTo, 100) // short stack all-in (full raise)
	act(t, g, ActionRaiseTo, 300) // seat 1 re-raises
	act(t, g, ActionCall, 0)      // seat 2 calls 300

	// Postflop the two live stacks check it down.
	var last *ActionResult
	for g.Phase().IsBetting() {
		last = act(t, g, ActionCheck, 0)
	}
	require.NotNil(t, last)
	require.True(t, last.HandComplete)

	settle := last.Settlement
	require.NotNil(t, settle)
	assert.True(t, settle.Showdown)
	require.Len(t, settle.Pots, 2)

	main, side := settle.Pots[0], settle.Pots[1]
	assert.Equal(t, int64(300), main.Amount)
	assert.Equal(t, []int{0, 1, 2}, main.Eligible)
	assert.Equal(t, int64(400), side.Amount)
	assert.Equal(t, []int{1, 2}, side.Eligible)

	var awarded int64
	for _, p := range settle.Pots {
		for _, a := range p.WinAmounts {
			awarded += a
		}
	}
	assert.Equal(t, int64(700), awarded)

	var sum int64
	for _, st := range settle.FinalStacks {
		sum += st
	}
	assert.Equal(t, int64(1100), sum)
}

// A short all-in raise does not re-open the action for seats that already
// acted.
func TestShortAllInDoesNotReopen(t *testing.T) {
	g, err := NewGame("tbl-reopen", testConfig("s-re", 3))
	require.NoError(t, err)
	require.NoError(t, g.AddPlayer(0, "a0", "p0", 1000))
	require.NoError(t, g.AddPlayer(1, "a1", "p1", 1000))
	require.NoError(t, g.AddPlayer(2, "a2", "p2", 95))

	_, err = g.StartHand()
	require.NoError(t, err)
	require.Equal(t, 0, g.CurrentSeat())

	act(t, g, ActionRaiseTo, 50) // seat 0 full raise, min re-raise to 98
	act(t, g, ActionCall, 0)     // seat 1 calls
	// Seat 2 shoves 95 total: above the current bet, below the minimum.
	res := act(t, g, ActionRaiseTo, 95)
	require.False(t, res.HandComplete)

	require.Equal(t, 0, g.CurrentSeat())
	st := g.StateForSeat(0)
	for _, la := range st.LegalActions {
		assert.NotEqual(t, ActionRaiseTo.String(), la.Kind, "raise must not be offered")
	}
	_, err = g.ApplyAction(0, ActionRequest{
		TurnToken: currentToken(t, g), Kind: ActionRaiseTo, Amount: 200,
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidAction, AsCodeError(err).Code)

	act(t, g, ActionCall, 0) // seat 0 calls the 95
	res = act(t, g, ActionCall, 0)
	assert.Equal(t, PhaseFlop, g.Phase())
	_ = res
}

// Timeout path: forced fold of the current actor behaves like a normal
// fold and is tagged in the event payload.
func TestForceFoldTimeout(t *testing.T) {
	g := newHeadsUp(t, "t-timeout")
	_, err := g.StartHand()
	require.NoError(t, err)

	res, err := g.ForceFold(0, true)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, res.HandComplete)

	require.GreaterOrEqual(t, len(res.Events), 2)
	assert.Equal(t, EventPlayerAction, res.Events[0].Type)
	assert.Equal(t, true, res.Events[0].Payload["isTimeout"])

	// Firing again is a no-op.
	again, err := g.ForceFold(0, true)
	require.NoError(t, err)
	assert.Nil(t, again)
}

// Removing the current actor mid-hand folds silently (no PLAYER_ACTION)
// and hands the pot over when only one contester remains.
func TestRemovePlayerMidHand(t *testing.T) {
	g := newHeadsUp(t, "t-leave")
	_, err := g.StartHand()
	require.NoError(t, err)

	res, err := g.RemovePlayer(0)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, res.HandComplete)
	assert.Equal(t, []string{EventHandComplete}, eventTypes(res))

	// The seat is released once the next hand would begin.
	_, err = g.StartHand()
	require.Error(t, err, "only one funded seat remains")
}

func TestSeqMonotonicAndDense(t *testing.T) {
	g := newHeadsUp(t, "t-seq")
	start, err := g.StartHand()
	require.NoError(t, err)

	events := append([]Event(nil), start.Events...)
	results := []*ActionResult{act(t, g, ActionCall, 0), act(t, g, ActionCheck, 0)}
	for g.Phase().IsBetting() {
		results = append(results, act(t, g, ActionCheck, 0))
	}
	for _, r := range results {
		events = append(events, r.Events...)
	}

	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq, "seq must be dense from 1")
	}
}
