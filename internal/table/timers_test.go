package table

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pokerarena/holdem"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelledActionTimerDoesNotFire(t *testing.T) {
	clock := quartz.NewMock(t)
	timers := NewTimers(clock)

	var fired atomic.Int32
	timers.ArmAction(0, 1, 100*time.Millisecond, func(int, uint64) { fired.Add(1) })
	timers.CancelAction()

	clock.Advance(200 * time.Millisecond).MustWait(context.Background())
	assert.Equal(t, int32(0), fired.Load())
}

func TestArmActionReplacesPrevious(t *testing.T) {
	clock := quartz.NewMock(t)
	timers := NewTimers(clock)

	var firstFired, secondFired atomic.Int32
	timers.ArmAction(0, 1, 100*time.Millisecond, func(int, uint64) { firstFired.Add(1) })
	timers.ArmAction(1, 2, 100*time.Millisecond, func(seat int, seq uint64) {
		assert.Equal(t, 1, seat)
		assert.Equal(t, uint64(2), seq)
		secondFired.Add(1)
	})

	clock.Advance(100 * time.Millisecond).MustWait(context.Background())
	assert.Equal(t, int32(0), firstFired.Load())
	assert.Equal(t, int32(1), secondFired.Load())
}

func TestAbandonTimerIsSingleShotWhilePending(t *testing.T) {
	clock := quartz.NewMock(t)
	timers := NewTimers(clock)

	var fired atomic.Int32
	timers.ArmAbandon(100*time.Millisecond, func() { fired.Add(1) })
	// A second arm while one is pending must not schedule another fire.
	timers.ArmAbandon(100*time.Millisecond, func() { fired.Add(1) })

	clock.Advance(100 * time.Millisecond).MustWait(context.Background())
	assert.Equal(t, int32(1), fired.Load())
}

func TestStopAllSilencesEverything(t *testing.T) {
	clock := quartz.NewMock(t)
	timers := NewTimers(clock)

	var fired atomic.Int32
	timers.ArmAction(0, 1, 50*time.Millisecond, func(int, uint64) { fired.Add(1) })
	timers.ArmNextHand(50*time.Millisecond, func() { fired.Add(1) })
	timers.ArmAbandon(50*time.Millisecond, func() { fired.Add(1) })
	timers.StopAll()

	// Arming after stop is refused too.
	timers.ArmNextHand(50*time.Millisecond, func() { fired.Add(1) })

	clock.Advance(time.Second).MustWait(context.Background())
	assert.Equal(t, int32(0), fired.Load())
}

func TestManagerRegistry(t *testing.T) {
	m := NewManager()
	clock := quartz.NewMock(t)

	g, err := holdem.NewGame("t1", holdem.TableConfig{
		SmallBlind: 1, BigBlind: 2, MaxSeats: 2, InitialStack: 100,
		ActionTimeoutMs: 1000, MinPlayersToStart: 2, Seed: "s",
	})
	require.NoError(t, err)

	mt, err := m.Create("t1", g, NewTimers(clock))
	require.NoError(t, err)
	assert.Equal(t, "t1", mt.ID)

	_, err = m.Create("t1", g, NewTimers(clock))
	assert.ErrorIs(t, err, ErrTableExists)

	got, ok := m.Get("t1")
	require.True(t, ok)
	assert.Same(t, mt, got)
	assert.True(t, m.Has("t1"))

	m.Destroy("t1")
	m.Destroy("t1") // idempotent
	assert.False(t, m.Has("t1"))
}
