// Package codec defines the JSON wire protocol: the server envelope, the
// typed message payloads and the compact game-state projection agent
// clients can opt into.
package codec

import (
	"encoding/json"
	"time"

	"pokerarena/card"
	"pokerarena/holdem"
)

// Server → client message types.
const (
	TypeWelcome      = "welcome"
	TypeGameState    = "game_state"
	TypeAck          = "ack"
	TypeError        = "error"
	TypeHandComplete = "hand_complete"
	TypePlayerJoined = "player_joined"
	TypePlayerLeft   = "player_left"
	TypeTableStatus  = "table_status"
	TypeStreetDealt  = "street_dealt"
	TypePong         = "pong"
)

// Client → server message types.
const (
	TypePing   = "ping"
	TypeAction = "action"
)

// Stable transport error codes (game-logic codes come from holdem).
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidAPIKey   = "INVALID_API_KEY"
	CodeInvalidSession  = "INVALID_SESSION"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeOutdatedClient  = "OUTDATED_CLIENT"
	CodeValidationError = "VALIDATION_ERROR"
	CodeTableNotFound   = "TABLE_NOT_FOUND"
	CodeTableEnded      = "TABLE_ENDED"
	CodeTableFull       = "TABLE_FULL"
	CodeAlreadySeated   = "ALREADY_SEATED"
	CodeNotSeated       = "NOT_SEATED"
	CodeStaleSeq        = "STALE_SEQ"
)

// SkillDocURL points agents at the protocol documentation so they can
// self-correct on errors.
const SkillDocURL = "https://pokerarena.dev/docs/protocol"

// Envelope wraps every server→client frame.
type Envelope struct {
	Type    string `json:"type"`
	TableID string `json:"table_id,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Ts      int64  `json:"ts"`
	Payload any    `json:"payload,omitempty"`
}

func NewEnvelope(typ, tableID string, seq uint64, now time.Time, payload any) Envelope {
	return Envelope{
		Type:    typ,
		TableID: tableID,
		Seq:     seq,
		Ts:      now.UnixMilli(),
		Payload: payload,
	}
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

type WelcomePayload struct {
	TableID         string `json:"table_id"`
	SeatID          int    `json:"seat_id"`
	AgentID         string `json:"agent_id"`
	ProtocolVersion int    `json:"protocol_version"`
	ActionTimeoutMs int64  `json:"action_timeout_ms"`
}

type AckPayload struct {
	Seq       uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	SkillDocURL string `json:"skill_doc_url,omitempty"`
}

type TableStatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type PlayerJoinedPayload struct {
	Seat    int    `json:"seat"`
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

type PlayerLeftPayload struct {
	Seat    int    `json:"seat"`
	AgentID string `json:"agent_id"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// --- game state, full form ---

type PotJSON struct {
	Amount   int64 `json:"amount"`
	Eligible []int `json:"eligible"`
}

type PlayerJSON struct {
	Seat   int      `json:"seat"`
	Name   string   `json:"name"`
	Stack  int64    `json:"stack"`
	Bet    int64    `json:"bet"`
	Folded bool     `json:"folded"`
	AllIn  bool     `json:"allIn"`
	Cards  []string `json:"cards,omitempty"`
}

type ActionJSON struct {
	Kind string `json:"kind"`
	Min  int64  `json:"min,omitempty"`
	Max  int64  `json:"max,omitempty"`
}

type GameStatePayload struct {
	Hand       uint64       `json:"hand"`
	Phase      string       `json:"phase"`
	Board      []string     `json:"board"`
	Pots       []PotJSON    `json:"pots"`
	Players    []PlayerJSON `json:"players"`
	Dealer     int          `json:"dealer"`
	Turn       *int         `json:"turn,omitempty"`
	Actions    []ActionJSON `json:"actions,omitempty"`
	ToCall     int64        `json:"toCall,omitempty"`
	MinRaiseTo int64        `json:"minRaiseTo,omitempty"`
	TurnToken  string       `json:"turn_token,omitempty"`
}

// GameState builds the full projection payload from a runtime view.
func GameState(st *holdem.TableState) GameStatePayload {
	p := GameStatePayload{
		Hand:       st.HandNumber,
		Phase:      st.Phase,
		Board:      card.Strings(st.CommunityCards),
		Dealer:     st.DealerSeat,
		ToCall:     st.ToCall,
		MinRaiseTo: st.MinRaiseTo,
		TurnToken:  st.TurnToken,
		Pots:       make([]PotJSON, 0, len(st.Pots)),
		Players:    make([]PlayerJSON, 0, len(st.Seats)),
	}
	if st.CurrentSeat != holdem.NoSeat {
		turn := st.CurrentSeat
		p.Turn = &turn
	}
	for _, pot := range st.Pots {
		p.Pots = append(p.Pots, PotJSON{Amount: pot.Amount, Eligible: pot.EligibleSeats})
	}
	for _, s := range st.Seats {
		pj := PlayerJSON{
			Seat:   s.Seat,
			Name:   s.Name,
			Stack:  s.Stack,
			Bet:    s.Bet,
			Folded: s.Folded,
			AllIn:  s.AllIn,
		}
		if len(s.HoleCards) > 0 {
			pj.Cards = card.Strings(s.HoleCards)
		}
		p.Players = append(p.Players, pj)
	}
	for _, la := range st.LegalActions {
		p.Actions = append(p.Actions, ActionJSON{Kind: la.Kind, Min: la.Min, Max: la.Max})
	}
	return p
}

// --- game state, compact form ---

// CompactPlayer omits falsey fields for token economy.
type CompactPlayer struct {
	Seat   int      `json:"seat"`
	Name   string   `json:"name,omitempty"`
	Stack  int64    `json:"stack"`
	Bet    int64    `json:"bet,omitempty"`
	Folded bool     `json:"folded,omitempty"`
	AllIn  bool     `json:"allIn,omitempty"`
	Cards  []string `json:"cards,omitempty"`
}

// CompactState is the flat compact game_state frame: envelope metadata is
// stripped and side pots are summed into a single pot value.
type CompactState struct {
	Type      string          `json:"type"`
	Hand      uint64          `json:"hand"`
	Phase     string          `json:"phase"`
	Board     []string        `json:"board,omitempty"`
	Pot       int64           `json:"pot"`
	Players   []CompactPlayer `json:"players"`
	Dealer    int             `json:"dealer"`
	Turn      *int            `json:"turn,omitempty"`
	Actions   []ActionJSON    `json:"actions,omitempty"`
	ToCall    int64           `json:"toCall,omitempty"`
	TurnToken string          `json:"turn_token,omitempty"`
}

func CompactGameState(st *holdem.TableState) CompactState {
	c := CompactState{
		Type:      TypeGameState,
		Hand:      st.HandNumber,
		Phase:     st.Phase,
		Board:     card.Strings(st.CommunityCards),
		Dealer:    st.DealerSeat,
		ToCall:    st.ToCall,
		TurnToken: st.TurnToken,
		Players:   make([]CompactPlayer, 0, len(st.Seats)),
	}
	if st.CurrentSeat != holdem.NoSeat {
		turn := st.CurrentSeat
		c.Turn = &turn
	}
	for _, pot := range st.Pots {
		c.Pot += pot.Amount
	}
	for _, s := range st.Seats {
		cp := CompactPlayer{
			Seat:   s.Seat,
			Name:   s.Name,
			Stack:  s.Stack,
			Bet:    s.Bet,
			Folded: s.Folded,
			AllIn:  s.AllIn,
		}
		if len(s.HoleCards) > 0 {
			cp.Cards = card.Strings(s.HoleCards)
		}
		c.Players = append(c.Players, cp)
	}
	for _, la := range st.LegalActions {
		c.Actions = append(c.Actions, ActionJSON{Kind: la.Kind, Min: la.Min, Max: la.Max})
	}
	return c
}

// --- client messages ---

type ClientMessage struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Action      *ActionMessage  `json:"action,omitempty"`
	ExpectedSeq *uint64         `json:"expected_seq,omitempty"`
}

type ActionMessage struct {
	TurnToken string `json:"turn_token"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount,omitempty"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}
