package table

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"pokerarena/holdem"
	"pokerarena/internal/auth"
	"pokerarena/internal/codec"
	"pokerarena/internal/config"
	"pokerarena/internal/eventlog"
	"pokerarena/internal/lock"
	"pokerarena/internal/store"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu          sync.Mutex
	connections map[string]int
	statuses    []string
	joined      int
	left        int
	states      int
	completes   int
	streets     int
	disconnects []string
	promoted    []string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{connections: make(map[string]int)}
}

func (f *fakeBroadcaster) setConnections(tableID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[tableID] = n
}

func (f *fakeBroadcaster) PromotePending(tableID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, tableID)
}

func (f *fakeBroadcaster) BroadcastGameState(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states++
}

func (f *fakeBroadcaster) BroadcastStreetDealt(string, holdem.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streets++
}

func (f *fakeBroadcaster) BroadcastHandComplete(string, holdem.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
}

func (f *fakeBroadcaster) BroadcastPlayerJoined(string, uint64, int, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined++
}

func (f *fakeBroadcaster) BroadcastPlayerLeft(string, uint64, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left++
}

func (f *fakeBroadcaster) BroadcastTableStatus(_ string, status, reason string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status+":"+reason)
}

func (f *fakeBroadcaster) DisconnectAll(tableID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, tableID)
	f.connections[tableID] = 0
}

func (f *fakeBroadcaster) ConnectionCount(tableID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections[tableID]
}

type fixture struct {
	svc     *Service
	store   *store.Memory
	manager *Manager
	bcast   *fakeBroadcaster
	clock   *quartz.Mock
	auth    *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	mem := store.NewMemory()
	logger := log.New(io.Discard)
	cfg := config.Config{
		ProtocolVersion:             1,
		MinSupportedProtocolVersion: 1,
		SessionTTL:                  time.Hour,
		ActionTimeoutMs:             200,
		InterHandDelayMs:            2000,
		AbandonmentGraceMs:          100,
		MinPlayersToStart:           2,
		SessionSigningSecret:        "secret",
	}
	authSvc := auth.NewService(mem, clock, logger, cfg.SessionSigningSecret, cfg.SessionTTL)
	bcast := newFakeBroadcaster()
	manager := NewManager()
	svc := NewService(Deps{
		Config:      cfg,
		Store:       mem,
		Manager:     manager,
		Locks:       lock.New(),
		Events:      eventlog.New(mem, clock, logger),
		Auth:        authSvc,
		Broadcaster: bcast,
		Clock:       clock,
		Logger:      logger,
	})
	return &fixture{svc: svc, store: mem, manager: manager, bcast: bcast, clock: clock, auth: authSvc}
}

func (f *fixture) registerAgent(t *testing.T, name string) store.AgentRecord {
	t.Helper()
	rec, _, err := f.auth.RegisterAgent(context.Background(), name)
	require.NoError(t, err)
	return rec
}

func (f *fixture) createTable(t *testing.T, seed string) string {
	t.Helper()
	rec, err := f.svc.CreateTable(context.Background(), "", holdem.TableConfig{
		SmallBlind:        1,
		BigBlind:          2,
		MaxSeats:          3,
		InitialStack:      1000,
		ActionTimeoutMs:   200,
		MinPlayersToStart: 2,
		Seed:              seed,
	})
	require.NoError(t, err)
	return rec.ID
}

func (f *fixture) eventTypes(t *testing.T, tableID string) []string {
	t.Helper()
	recs, err := f.store.ListEvents(context.Background(), tableID, 0, 100)
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Type)
	}
	return out
}

func (f *fixture) waitEvents(t *testing.T, tableID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		recs, err := f.store.ListEvents(context.Background(), tableID, 0, 100)
		return err == nil && len(recs) >= n
	}, time.Second, 2*time.Millisecond)
}

func TestJoinAutoStartsWhenQuorumReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-1")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")

	res, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SeatID)
	assert.NotEmpty(t, res.SessionToken)
	assert.False(t, f.manager.Has(tableID), "one player does not start the table")

	res, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SeatID)
	require.True(t, f.manager.Has(tableID), "quorum starts the runtime")

	rec, err := f.store.GetTable(ctx, tableID)
	require.NoError(t, err)
	assert.Equal(t, store.TableStatusRunning, rec.Status)

	f.waitEvents(t, tableID, 4)
	assert.Equal(t, []string{
		holdem.EventTableStarted,
		holdem.EventPlayerJoined,
		holdem.EventPlayerJoined,
		holdem.EventHandStart,
	}, f.eventTypes(t, tableID))

	f.bcast.mu.Lock()
	defer f.bcast.mu.Unlock()
	assert.Contains(t, f.bcast.promoted, tableID, "pending sockets promoted at start")
	assert.Contains(t, f.bcast.statuses, "running:")
}

func TestJoinRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-rej")
	a1 := f.registerAgent(t, "alpha")

	_, err := f.svc.Join(ctx, "missing", a1.ID, a1.Name, nil, 1)
	require.Error(t, err)
	assert.Equal(t, codec.CodeTableNotFound, holdem.AsCodeError(err).Code)

	_, err = f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 0)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.Error(t, err)
	assert.Equal(t, codec.CodeAlreadySeated, holdem.AsCodeError(err).Code)

	// Outdated protocol.
	a2 := f.registerAgent(t, "beta")
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, -1)
	require.Error(t, err)
	assert.Equal(t, codec.CodeOutdatedClient, holdem.AsCodeError(err).Code)
}

func TestPreferredSeatAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-seat")
	a1 := f.registerAgent(t, "alpha")

	want := 2
	res, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, &want, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SeatID)
}

func TestActionPipelineWithStaleSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-act")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	mt, ok := f.manager.Get(tableID)
	require.True(t, ok)
	actor := mt.Runtime.CurrentSeat()
	token := mt.Runtime.StateForSeat(actor).TurnToken

	res, cerr := f.svc.HandleAction(ctx, tableID, actor, codec.ActionMessage{
		TurnToken: token, Kind: "call",
	}, nil)
	require.Nil(t, cerr)
	assert.False(t, res.Duplicate)

	// Replay of the same frame acks idempotently.
	dup, cerr := f.svc.HandleAction(ctx, tableID, actor, codec.ActionMessage{
		TurnToken: token, Kind: "call",
	}, nil)
	require.Nil(t, cerr)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, res.Seq, dup.Seq)

	// A reconnecting client declaring an old seq is rejected.
	stale := res.Seq - 1
	next := mt.Runtime.CurrentSeat()
	_, cerr = f.svc.HandleAction(ctx, tableID, next, codec.ActionMessage{
		TurnToken: mt.Runtime.StateForSeat(next).TurnToken, Kind: "check",
	}, &stale)
	require.NotNil(t, cerr)
	assert.Equal(t, codec.CodeStaleSeq, cerr.Code)

	// Unknown kinds are a validation error, not a game rejection.
	_, cerr = f.svc.HandleAction(ctx, tableID, next, codec.ActionMessage{
		TurnToken: "x", Kind: "jam",
	}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, codec.CodeValidationError, cerr.Code)
}

// S3: an expired action timeout force-folds the current seat and the
// next-hand timer deals again after the inter-hand delay.
func TestActionTimeoutAndNextHand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-timeout")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	mt, ok := f.manager.Get(tableID)
	require.True(t, ok)
	require.Equal(t, uint64(1), mt.Runtime.HandNumber())

	f.clock.Advance(200 * time.Millisecond).MustWait(ctx)

	// Heads-up: the fold ends the hand immediately.
	require.Equal(t, holdem.PhaseEnded.String(), mt.Runtime.Phase().String())
	f.waitEvents(t, tableID, 6)

	recs, err := f.store.ListEvents(ctx, tableID, 0, 100)
	require.NoError(t, err)
	var timeoutSeen bool
	for _, rec := range recs {
		if rec.Type == holdem.EventPlayerAction {
			assert.Contains(t, string(rec.Payload), `"isTimeout":true`)
			timeoutSeen = true
		}
	}
	assert.True(t, timeoutSeen, "timeout fold is recorded")

	f.clock.Advance(2 * time.Second).MustWait(ctx)
	require.Equal(t, uint64(2), mt.Runtime.HandNumber(), "next hand dealt after delay")
}

// A timer that lost its race (seat already acted) must be a no-op.
func TestActionTimeoutRaceGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-race")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	mt, _ := f.manager.Get(tableID)
	actor := mt.Runtime.CurrentSeat()
	token := mt.Runtime.StateForSeat(actor).TurnToken

	// Fire the handler with the pre-action (seat, seq) observation after
	// the action landed: it must do nothing.
	staleSeq := mt.Runtime.Seq()
	_, cerr := f.svc.HandleAction(ctx, tableID, actor, codec.ActionMessage{TurnToken: token, Kind: "call"}, nil)
	require.Nil(t, cerr)
	seqAfter := mt.Runtime.Seq()

	f.svc.handleActionTimeout(tableID, actor, staleSeq)
	assert.Equal(t, seqAfter, mt.Runtime.Seq(), "stale timeout fire is a no-op")
}

// S5: with zero connections past the grace period the table ends with
// reason abandoned.
func TestAbandonment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-abandon")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	f.bcast.setConnections(tableID, 0)
	f.svc.OnPlayerDisconnected(tableID)

	f.clock.Advance(100 * time.Millisecond).MustWait(ctx)

	assert.False(t, f.manager.Has(tableID), "runtime destroyed")
	rec, err := f.store.GetTable(ctx, tableID)
	require.NoError(t, err)
	assert.Equal(t, store.TableStatusEnded, rec.Status)

	recs, err := f.store.ListEvents(ctx, tableID, 0, 100)
	require.NoError(t, err)
	var ended bool
	for _, ev := range recs {
		if ev.Type == holdem.EventTableEnded {
			assert.Contains(t, string(ev.Payload), `"reason":"abandoned"`)
			ended = true
		}
	}
	assert.True(t, ended)
	assert.Contains(t, f.bcast.disconnects, tableID)
}

// A reconnect before the grace fires cancels the abandonment.
func TestAbandonmentCancelledByReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-cancel")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	f.bcast.setConnections(tableID, 0)
	f.svc.OnPlayerDisconnected(tableID)

	f.bcast.setConnections(tableID, 1)
	f.svc.OnPlayerConnected(tableID)

	f.clock.Advance(150 * time.Millisecond).MustWait(ctx)
	assert.True(t, f.manager.Has(tableID), "table survives after cancelled grace")
}

func TestEndTableIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-end")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	req := EndRequest{TableID: tableID, Reason: "maintenance", Source: "admin"}
	require.NoError(t, f.svc.EndTable(ctx, req))
	require.NoError(t, f.svc.EndTable(ctx, req), "second end is a no-op")

	rec, err := f.store.GetTable(ctx, tableID)
	require.NoError(t, err)
	assert.Equal(t, store.TableStatusEnded, rec.Status)

	// Final stacks were persisted.
	seats, err := f.store.ListSeats(ctx, tableID)
	require.NoError(t, err)
	var total int64
	for _, s := range seats {
		total += s.Stack
	}
	assert.Equal(t, int64(2000), total)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tableID := f.createTable(t, "seed-leave")
	a1 := f.registerAgent(t, "alpha")
	a2 := f.registerAgent(t, "beta")
	_, err := f.svc.Join(ctx, tableID, a1.ID, a1.Name, nil, 1)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, tableID, a2.ID, a2.Name, nil, 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, tableID, a1.ID))
	require.NoError(t, f.svc.Leave(ctx, tableID, a1.ID), "repeat leave succeeds")

	seats, err := f.store.ListSeats(ctx, tableID)
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, a2.ID, seats[0].AgentID)

	// Leaving an ended table is a success no-op.
	require.NoError(t, f.svc.EndTable(ctx, EndRequest{TableID: tableID, Reason: "x", Source: "admin"}))
	require.NoError(t, f.svc.Leave(ctx, tableID, a2.ID))
}
