package table

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Timers is the per-table timer fabric: the per-seat action timeout, the
// inter-hand delay and the abandonment grace. Every fire callback runs on
// its own goroutine and must re-validate state under the action lock; a
// fire that lost the race with a cancellation is a no-op.
type Timers struct {
	clock quartz.Clock

	mu      sync.Mutex
	stopped bool

	action     *quartz.Timer
	actionSeat int
	actionSeq  uint64

	nextHand *quartz.Timer
	abandon  *quartz.Timer
}

func NewTimers(clock quartz.Clock) *Timers {
	return &Timers{clock: clock, actionSeat: -1}
}

// ArmAction schedules the action timeout for one seat, replacing any
// previous one. The fire callback receives the (seat, seq) pair observed
// at arm time so the handler can detect staleness.
func (t *Timers) ArmAction(seat int, seq uint64, d time.Duration, fire func(seat int, seq uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.action != nil {
		t.action.Stop()
	}
	t.actionSeat = seat
	t.actionSeq = seq
	t.action = t.clock.AfterFunc(d, func() {
		fire(seat, seq)
	})
}

func (t *Timers) CancelAction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.action != nil {
		t.action.Stop()
		t.action = nil
	}
	t.actionSeat = -1
}

// ArmNextHand schedules the inter-hand pause.
func (t *Timers) ArmNextHand(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.nextHand != nil {
		t.nextHand.Stop()
	}
	t.nextHand = t.clock.AfterFunc(d, fire)
}

func (t *Timers) CancelNextHand() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextHand != nil {
		t.nextHand.Stop()
		t.nextHand = nil
	}
}

// ArmAbandon starts the abandonment grace unless one is already pending.
func (t *Timers) ArmAbandon(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.abandon != nil {
		return
	}
	t.abandon = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		t.abandon = nil
		t.mu.Unlock()
		fire()
	})
}

func (t *Timers) CancelAbandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandon != nil {
		t.abandon.Stop()
		t.abandon = nil
	}
}

// StopAll cancels everything and refuses further arming; called on table
// destruction.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.action != nil {
		t.action.Stop()
		t.action = nil
	}
	if t.nextHand != nil {
		t.nextHand.Stop()
		t.nextHand = nil
	}
	if t.abandon != nil {
		t.abandon.Stop()
		t.abandon = nil
	}
}
