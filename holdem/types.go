package holdem

// NoSeat marks the absence of a seat reference.
const NoSeat = -1

// Phase is the lifecycle stage of a table runtime.
type Phase byte

const (
	PhaseWaiting Phase = iota
	PhasePreflop
	PhaseFlop
	PhaseTurn
	PhaseRiver
	PhaseShowdown
	PhaseEnded
)

var phaseNames = map[Phase]string{
	PhaseWaiting:  "waiting",
	PhasePreflop:  "preflop",
	PhaseFlop:     "flop",
	PhaseTurn:     "turn",
	PhaseRiver:    "river",
	PhaseShowdown: "showdown",
	PhaseEnded:    "ended",
}

func (p Phase) String() string { return phaseNames[p] }

// IsBetting reports whether player actions are accepted in this phase.
func (p Phase) IsBetting() bool {
	return p >= PhasePreflop && p <= PhaseRiver
}

// ActionKind is a player decision on the current street.
type ActionKind byte

const (
	ActionNone ActionKind = iota
	ActionFold
	ActionCheck
	ActionCall
	ActionRaiseTo
)

var actionNames = map[ActionKind]string{
	ActionNone:    "none",
	ActionFold:    "fold",
	ActionCheck:   "check",
	ActionCall:    "call",
	ActionRaiseTo: "raiseTo",
}

func (a ActionKind) String() string { return actionNames[a] }

// ParseActionKind maps a wire action string to its kind. Unknown strings
// map to ActionNone.
func ParseActionKind(s string) ActionKind {
	switch s {
	case "fold":
		return ActionFold
	case "check":
		return ActionCheck
	case "call":
		return ActionCall
	case "raiseTo":
		return ActionRaiseTo
	}
	return ActionNone
}

// Event log record types.
const (
	EventTableStarted = "TABLE_STARTED"
	EventPlayerJoined = "PLAYER_JOINED"
	EventHandStart    = "HAND_START"
	EventStreetDealt  = "STREET_DEALT"
	EventPlayerAction = "PLAYER_ACTION"
	EventShowdown     = "SHOWDOWN"
	EventHandComplete = "HAND_COMPLETE"
	EventPlayerLeft   = "PLAYER_LEFT"
	EventTableEnded   = "TABLE_ENDED"
)

// Event is a single entry of the per-table ordered record. Seq values are
// assigned by the runtime and are strictly increasing and dense.
type Event struct {
	Seq        uint64
	HandNumber uint64
	Type       string
	Payload    map[string]any
}
