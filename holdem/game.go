package holdem

import (
	"fmt"
	"sync"

	"pokerarena/card"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
)

// processedTokenLimit bounds the per-hand replay window for turn tokens.
const processedTokenLimit = 64

// Game is the authoritative state machine for one table. It owns the
// deck, seats and pots; callers serialize access through the per-table
// action lock (the internal mutex is a second line of defense, not a
// substitute for it).
type Game struct {
	mu sync.Mutex

	tableID string
	cfg     TableConfig

	phase       Phase
	handNumber  uint64
	dealerSeat  int
	currentSeat int
	seats       []*Seat
	community   []card.Card
	pots        potManager
	deck        *Deck

	seq       uint64
	turnToken string
	processed *lru.Cache[string, *ActionResult]

	curBet   int64
	minRaise int64
	acted    map[int]bool

	smallBlindSeat int
	bigBlindSeat   int
	handStartTotal int64
	lastSettlement *Settlement
}

// ActionRequest is one player decision addressed at the current turn.
type ActionRequest struct {
	TurnToken string
	Kind      ActionKind
	Amount    int64
	IsTimeout bool
}

// ActionResult reports a state transition: the seq acknowledged to the
// actor plus every event the transition produced, in order.
type ActionResult struct {
	Seq          uint64
	Duplicate    bool
	Events       []Event
	HandComplete bool
	Settlement   *Settlement
}

func NewGame(tableID string, cfg TableConfig) (*Game, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Game{
		tableID:        tableID,
		cfg:            cfg,
		phase:          PhaseWaiting,
		dealerSeat:     NoSeat,
		currentSeat:    NoSeat,
		smallBlindSeat: NoSeat,
		bigBlindSeat:   NoSeat,
		seats:          make([]*Seat, cfg.MaxSeats),
		acted:          make(map[int]bool),
	}
	g.pots.reset()
	return g, nil
}

func (g *Game) TableID() string     { return g.tableID }
func (g *Game) Config() TableConfig { return g.cfg }

func (g *Game) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *Game) Seq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

func (g *Game) HandNumber() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handNumber
}

func (g *Game) CurrentSeat() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentSeat
}

func (g *Game) DealerSeat() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dealerSeat
}

// NextSeq hands out the next dense sequence number for an event produced
// outside the runtime (lifecycle joins/leaves, table start/end).
func (g *Game) NextSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.seq
}

// SeatsWithChips counts occupied active seats holding a positive stack.
func (g *Game) SeatsWithChips() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.seats {
		if s != nil && s.active && s.stack > 0 {
			n++
		}
	}
	return n
}

// AddPlayer seats an agent. Valid only while the seat is empty.
func (g *Game) AddPlayer(seatID int, agentID, name string, stack int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seatID < 0 || seatID >= g.cfg.MaxSeats {
		return errCode(CodeInvalidSeat, fmt.Sprintf("seat %d out of range", seatID))
	}
	if g.seats[seatID] != nil {
		return errCode(CodeSeatTaken, fmt.Sprintf("seat %d is occupied", seatID))
	}
	if stack < 0 {
		return errCode(CodeInvalidAction, "stack must be >= 0")
	}
	g.seats[seatID] = &Seat{
		ID:        seatID,
		AgentID:   agentID,
		AgentName: name,
		stack:     stack,
		active:    true,
	}
	return nil
}

// RemovePlayer vacates a seat. Mid-hand the seat is folded and
// deactivated (no PLAYER_ACTION is recorded for it); between hands it is
// cleared outright. The returned result carries any events the implied
// fold produced, and is nil when nothing happened.
func (g *Game) RemovePlayer(seatID int) (*ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seatID < 0 || seatID >= g.cfg.MaxSeats || g.seats[seatID] == nil {
		return nil, nil
	}
	seat := g.seats[seatID]

	if !g.phase.IsBetting() {
		g.seats[seatID] = nil
		return nil, nil
	}

	seat.active = false
	if !seat.inHand() {
		return nil, nil
	}

	res := &ActionResult{}
	wasCurrent := seatID == g.currentSeat
	seat.setFolded()
	if err := g.afterFold(res, seatID, wasCurrent); err != nil {
		return nil, err
	}
	return res, nil
}

// StartHand deals the next hand. It fails when fewer than two active
// seats hold chips.
func (g *Game) StartHand() (*ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase.IsBetting() || g.phase == PhaseShowdown {
		return nil, errCode(CodeInvalidTableState, "hand in progress")
	}

	// Seats whose agent left mid-hand are released now.
	for i, s := range g.seats {
		if s != nil && !s.active {
			g.seats[i] = nil
		}
	}

	ready := make([]int, 0, g.cfg.MaxSeats)
	for i, s := range g.seats {
		if s != nil && s.stack > 0 {
			ready = append(ready, i)
		}
	}
	if len(ready) < 2 {
		return nil, errCode(CodeInvalidTableState,
			fmt.Sprintf("need 2 players with chips, have %d", len(ready)))
	}

	g.handNumber++
	g.dealerSeat = g.nextDealer(ready)
	g.deck = NewDeck(HandSeed(g.cfg.Seed, g.handNumber))
	g.community = nil
	g.pots.reset()
	g.lastSettlement = nil
	g.acted = make(map[int]bool)
	g.processed, _ = lru.New[string, *ActionResult](processedTokenLimit)

	g.handStartTotal = 0
	for _, id := range ready {
		g.seats[id].resetForNewHand()
		g.handStartTotal += g.seats[id].stack
	}

	// Blinds: heads-up the dealer posts the small blind.
	if len(ready) == 2 {
		g.smallBlindSeat = g.dealerSeat
	} else {
		g.smallBlindSeat = g.nextIn(ready, g.dealerSeat)
	}
	g.bigBlindSeat = g.nextIn(ready, g.smallBlindSeat)
	g.seats[g.smallBlindSeat].placeBet(g.cfg.SmallBlind)
	g.seats[g.bigBlindSeat].placeBet(g.cfg.BigBlind)
	g.curBet = g.cfg.BigBlind
	g.minRaise = g.cfg.BigBlind

	// Two passes around the ring starting left of the dealer.
	for pass := 0; pass < 2; pass++ {
		seatID := g.nextIn(ready, g.dealerSeat)
		for range ready {
			cards, err := g.deck.Draw(1)
			if err != nil {
				return nil, errCode(CodeInternalError, err.Error())
			}
			g.seats[seatID].addHoleCard(cards[0])
			seatID = g.nextIn(ready, seatID)
		}
	}

	g.phase = PhasePreflop
	if len(ready) == 2 {
		g.currentSeat = g.smallBlindSeat
	} else {
		g.currentSeat = g.nextIn(ready, g.bigBlindSeat)
	}
	if !g.seats[g.currentSeat].liveWithDecision() {
		g.currentSeat = g.nextDecisionSeat(g.seatAfter(g.currentSeat))
	}
	g.rotateToken()

	res := &ActionResult{}
	g.emit(res, EventHandStart, map[string]any{
		"hand":        g.handNumber,
		"dealer":      g.dealerSeat,
		"small_blind": map[string]any{"seat": g.smallBlindSeat, "amount": g.cfg.SmallBlind},
		"big_blind":   map[string]any{"seat": g.bigBlindSeat, "amount": g.cfg.BigBlind},
		"seats":       g.handSeatsPayload(ready),
	})
	res.Seq = g.seq

	// Blinds can put everyone all-in; run the board out with no betting.
	if !g.bettingPossible() {
		if err := g.runout(res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ApplyAction validates and applies one decision for the current actor.
// Validation errors leave the table state untouched; an INTERNAL_ERROR can
// follow a partly applied transition.
func (g *Game) ApplyAction(seatID int, req ActionRequest) (*ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// End-to-end idempotency: a token already applied returns the original
	// outcome without a second state transition, even when the turn has
	// moved on since.
	if g.processed != nil {
		if prior, ok := g.processed.Get(req.TurnToken); ok {
			return &ActionResult{Seq: prior.Seq, Duplicate: true, HandComplete: prior.HandComplete}, nil
		}
	}
	if !g.phase.IsBetting() {
		return nil, errCode(CodeInvalidAction, "no betting in progress")
	}
	if seatID != g.currentSeat {
		return nil, errCode(CodeNotYourTurn, fmt.Sprintf("seat %d is to act", g.currentSeat))
	}
	if req.TurnToken != g.turnToken {
		return nil, errCode(CodeStaleToken, "turn token is not current")
	}

	seat := g.seats[seatID]
	raiseFull := false

	// Validate before any mutation.
	switch req.Kind {
	case ActionFold:
	case ActionCheck:
		if seat.bet != g.curBet {
			return nil, errCode(CodeInvalidAction,
				fmt.Sprintf("cannot check facing a bet of %d", g.curBet))
		}
	case ActionCall:
		if seat.bet >= g.curBet {
			return nil, errCode(CodeInvalidAction, "nothing to call")
		}
	case ActionRaiseTo:
		// A seat that already acted this round may raise again only after
		// a full raise re-opened the action.
		if g.acted[seatID] {
			return nil, errCode(CodeInvalidAction, "action is not re-opened")
		}
		delta := req.Amount - seat.bet
		if req.Amount <= g.curBet || delta <= 0 {
			return nil, errCode(CodeInvalidAction,
				fmt.Sprintf("raise must exceed current bet of %d", g.curBet))
		}
		if delta > seat.stack {
			return nil, errCode(CodeInvalidAction,
				fmt.Sprintf("raise to %d exceeds stack", req.Amount))
		}
		floor := g.minRaiseTo()
		raiseFull = req.Amount >= floor
		// A short all-in is allowed but does not re-open the action.
		if !raiseFull && delta != seat.stack {
			return nil, errCode(CodeInvalidAction,
				fmt.Sprintf("minimum raise is to %d", floor))
		}
	default:
		return nil, errCode(CodeInvalidAction, "unknown action kind")
	}

	res := &ActionResult{}

	switch req.Kind {
	case ActionFold:
		seat.setFolded()
	case ActionCheck:
	case ActionCall:
		seat.placeBet(g.curBet - seat.bet)
	case ActionRaiseTo:
		if raiseFull {
			g.minRaise = req.Amount - g.curBet
			g.acted = make(map[int]bool)
		}
		g.curBet = req.Amount
		seat.placeBet(req.Amount - seat.bet)
	}
	g.acted[seatID] = true

	g.emit(res, EventPlayerAction, actionPayload(seatID, req.Kind, seat.bet, req.IsTimeout))
	res.Seq = g.seq
	g.processed.Add(req.TurnToken, res)

	var err error
	if req.Kind == ActionFold {
		err = g.afterFold(res, seatID, true)
	} else {
		err = g.advanceOrClose(res, seatID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ForceFold folds a seat as if it had acted; used by the action timeout
// and kicks. It is a no-op when the seat is already out of the hand.
func (g *Game) ForceFold(seatID int, isTimeout bool) (*ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.phase.IsBetting() {
		return nil, nil
	}
	if seatID < 0 || seatID >= g.cfg.MaxSeats {
		return nil, nil
	}
	seat := g.seats[seatID]
	if seat == nil || !seat.inHand() {
		return nil, nil
	}

	res := &ActionResult{}
	wasCurrent := seatID == g.currentSeat
	seat.setFolded()
	g.emit(res, EventPlayerAction, actionPayload(seatID, ActionFold, seat.bet, isTimeout))
	res.Seq = g.seq
	if err := g.afterFold(res, seatID, wasCurrent); err != nil {
		return nil, err
	}
	return res, nil
}

func actionPayload(seatID int, kind ActionKind, bet int64, isTimeout bool) map[string]any {
	p := map[string]any{
		"seat":   seatID,
		"kind":   kind.String(),
		"amount": bet,
	}
	if isTimeout {
		p["isTimeout"] = true
	}
	return p
}

// --- transition internals (callers hold g.mu) ---

func (g *Game) emit(res *ActionResult, typ string, payload map[string]any) {
	g.seq++
	res.Events = append(res.Events, Event{
		Seq:        g.seq,
		HandNumber: g.handNumber,
		Type:       typ,
		Payload:    payload,
	})
}

func (g *Game) rotateToken() {
	g.turnToken = uuid.NewString()
}

func (g *Game) minRaiseTo() int64 {
	floor := g.curBet + g.minRaise
	if min := 2 * g.cfg.BigBlind; floor < min {
		floor = min
	}
	return floor
}

func (g *Game) seatAfter(id int) int {
	return (id + 1) % g.cfg.MaxSeats
}

// nextDealer rotates the button: the lowest ready seat on the first hand,
// the next ready seat clockwise afterwards.
func (g *Game) nextDealer(ready []int) int {
	if g.dealerSeat == NoSeat {
		return ready[0]
	}
	return g.nextIn(ready, g.dealerSeat)
}

// nextIn returns the member of ring (sorted seat IDs) clockwise after id.
func (g *Game) nextIn(ring []int, id int) int {
	for _, r := range ring {
		if r > id {
			return r
		}
	}
	return ring[0]
}

// nextDecisionSeat walks clockwise from the given seat (inclusive) to the
// first seat that can still act, or NoSeat.
func (g *Game) nextDecisionSeat(from int) int {
	for i := 0; i < g.cfg.MaxSeats; i++ {
		id := (from + i) % g.cfg.MaxSeats
		if g.seats[id].liveWithDecision() {
			return id
		}
	}
	return NoSeat
}

func (g *Game) seatsInHand() []int {
	out := make([]int, 0, g.cfg.MaxSeats)
	for i, s := range g.seats {
		if s.inHand() {
			out = append(out, i)
		}
	}
	return out
}

// bettingPossible reports whether any further decision can change the
// outcome of the current street.
func (g *Game) bettingPossible() bool {
	deciders := 0
	last := NoSeat
	for i, s := range g.seats {
		if s.liveWithDecision() {
			deciders++
			last = i
		}
	}
	if deciders == 0 {
		return false
	}
	if deciders > 1 {
		return true
	}
	// A single decider only acts when an opponent's bet is still unmatched.
	return g.seats[last].bet < g.curBet
}

func (g *Game) roundClosed() bool {
	for _, s := range g.seats {
		if !s.liveWithDecision() {
			continue
		}
		if !g.acted[s.ID] || s.bet != g.curBet {
			return false
		}
	}
	return true
}

func (g *Game) advanceOrClose(res *ActionResult, actedSeat int) error {
	if g.roundClosed() {
		return g.closeRound(res)
	}
	next := g.nextDecisionSeat(g.seatAfter(actedSeat))
	if next == NoSeat {
		return g.closeRound(res)
	}
	g.currentSeat = next
	g.rotateToken()
	return nil
}

func (g *Game) afterFold(res *ActionResult, seatID int, wasCurrent bool) error {
	g.pots.dropSeat(seatID)
	delete(g.acted, seatID)

	live := g.seatsInHand()
	if len(live) == 1 {
		return g.settleFoldWin(res, live[0])
	}
	if wasCurrent {
		return g.advanceOrClose(res, seatID)
	}
	if g.roundClosed() {
		return g.closeRound(res)
	}
	return nil
}

func (g *Game) collectBets() {
	withBets := make([]*Seat, 0, g.cfg.MaxSeats)
	for _, s := range g.seats {
		if s != nil && s.bet > 0 {
			withBets = append(withBets, s)
		}
	}
	g.pots.collect(withBets)
	g.curBet = 0
}

func (g *Game) closeRound(res *ActionResult) error {
	g.collectBets()

	if g.phase == PhaseRiver {
		return g.settleShowdown(res)
	}

	if err := g.dealStreet(res, g.phase+1); err != nil {
		return err
	}
	g.minRaise = g.cfg.BigBlind
	g.acted = make(map[int]bool)
	g.currentSeat = g.nextDecisionSeat(g.seatAfter(g.dealerSeat))
	g.rotateToken()

	if !g.bettingPossible() {
		return g.runout(res)
	}
	return nil
}

func (g *Game) dealStreet(res *ActionResult, next Phase) error {
	reveal := 0
	switch next {
	case PhaseFlop:
		reveal = 3
	case PhaseTurn, PhaseRiver:
		reveal = 1
	}
	cards, err := g.deck.Draw(reveal)
	if err != nil {
		return errCode(CodeInternalError, err.Error())
	}
	g.community = append(g.community, cards...)
	g.phase = next
	g.emit(res, EventStreetDealt, map[string]any{
		"phase": next.String(),
		"cards": card.Strings(cards),
		"board": card.Strings(g.community),
	})
	return nil
}

// runout deals the remaining streets without further input and settles at
// showdown. Used when no further betting decision is possible: every
// contested hand is all-in, or only one seat can still act and owes nothing.
func (g *Game) runout(res *ActionResult) error {
	g.collectBets()
	g.currentSeat = NoSeat
	for g.phase < PhaseRiver {
		if err := g.dealStreet(res, g.phase+1); err != nil {
			return err
		}
	}
	return g.settleShowdown(res)
}

func (g *Game) handSeatsPayload(ready []int) []map[string]any {
	out := make([]map[string]any, 0, len(ready))
	for _, id := range ready {
		s := g.seats[id]
		out = append(out, map[string]any{
			"seat":     id,
			"agent_id": s.AgentID,
			"name":     s.AgentName,
			"stack":    s.stack + s.bet,
		})
	}
	return out
}
