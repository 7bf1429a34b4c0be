package eventlog

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pokerarena/holdem"
	"pokerarena/internal/store"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first N AppendEvent calls.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) AppendEvent(ctx context.Context, rec store.EventRecord) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.Store.AppendEvent(ctx, rec)
}

func newTestLog(st store.Store) *Log {
	l := New(st, quartz.NewReal(), log.New(io.Discard))
	l.backoff = time.Millisecond
	return l
}

func TestCriticalEventAwaited(t *testing.T) {
	mem := store.NewMemory()
	l := newTestLog(mem)

	ev := holdem.Event{Seq: 1, HandNumber: 1, Type: holdem.EventHandStart,
		Payload: map[string]any{"hand": 1}}
	require.NoError(t, l.Append(context.Background(), "t1", ev))

	recs, err := l.Range(context.Background(), "t1", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, holdem.EventHandStart, recs[0].Type)
}

func TestCriticalEventRetriedOnce(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemory(), failures: 1}
	l := newTestLog(flaky)

	ev := holdem.Event{Seq: 1, Type: holdem.EventHandComplete, Payload: map[string]any{}}
	require.NoError(t, l.Append(context.Background(), "t1", ev))

	recs, err := l.Range(context.Background(), "t1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCriticalEventFailsAfterRetry(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemory(), failures: 2}
	l := newTestLog(flaky)

	ev := holdem.Event{Seq: 1, Type: holdem.EventTableEnded, Payload: map[string]any{}}
	assert.Error(t, l.Append(context.Background(), "t1", ev))
}

func TestNonCriticalIsFireAndForget(t *testing.T) {
	mem := store.NewMemory()
	l := newTestLog(mem)

	ev := holdem.Event{Seq: 1, Type: holdem.EventStreetDealt, Payload: map[string]any{"phase": "flop"}}
	require.NoError(t, l.Append(context.Background(), "t1", ev))

	// The async write lands shortly after.
	require.Eventually(t, func() bool {
		recs, err := l.Range(context.Background(), "t1", 0, 10)
		return err == nil && len(recs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAppendAllPreservesOrder(t *testing.T) {
	mem := store.NewMemory()
	l := newTestLog(mem)

	events := []holdem.Event{
		{Seq: 1, Type: holdem.EventHandStart, Payload: map[string]any{}},
		{Seq: 2, Type: holdem.EventPlayerAction, Payload: map[string]any{}},
		{Seq: 3, Type: holdem.EventHandComplete, Payload: map[string]any{}},
	}
	require.NoError(t, l.AppendAll(context.Background(), "t1", events))

	require.Eventually(t, func() bool {
		recs, _ := l.Range(context.Background(), "t1", 0, 10)
		return len(recs) == 3
	}, time.Second, 5*time.Millisecond)

	recs, err := l.Range(context.Background(), "t1", 0, 10)
	require.NoError(t, err)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}
