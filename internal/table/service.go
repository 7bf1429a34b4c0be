package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/google/uuid"
)

// Broadcaster is the fan-out surface the service drives. The connection
// registry implements it; the service never touches sockets directly.
type Broadcaster interface {
	PromotePending(tableID string)
	BroadcastGameState(tableID string)
	BroadcastStreetDealt(tableID string, ev holdem.Event)
	BroadcastHandComplete(tableID string, ev holdem.Event)
	BroadcastPlayerJoined(tableID string, seq uint64, seatID int, agentID, name string)
	BroadcastPlayerLeft(tableID string, seq uint64, seatID int, agentID string)
	BroadcastTableStatus(tableID, status, reason string, includeObservers bool)
	DisconnectAll(tableID, reason string)
	ConnectionCount(tableID string) int
}

// EndRequest names the single termination entrypoint's inputs.
type EndRequest struct {
	TableID string
	Reason  string
	Source  string // timeout | abandonment | admin
}

// JoinResult is returned to a joining agent.
type JoinResult struct {
	TableID                     string
	SeatID                      int
	SessionToken                string
	WSURL                       string
	ProtocolVersion             int
	MinSupportedProtocolVersion int
	ActionTimeoutMs             int64
}

// Service coordinates the table subsystem: seat assignment, lifecycle,
// the per-action pipeline and every timer fire path.
type Service struct {
	cfg     config.Config
	store   store.Store
	manager *Manager
	locks   *lock.TableLocks
	events  *eventlog.Log
	auth    *auth.Service
	bcast   Broadcaster
	clock   quartz.Clock
	logger  *log.Logger
}

type Deps struct {
	Config      config.Config
	Store       store.Store
	Manager     *Manager
	Locks       *lock.TableLocks
	Events      *eventlog.Log
	Auth        *auth.Service
	Broadcaster Broadcaster
	Clock       quartz.Clock
	Logger      *log.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		cfg:     d.Config,
		store:   d.Store,
		manager: d.Manager,
		locks:   d.Locks,
		events:  d.Events,
		auth:    d.Auth,
		bcast:   d.Broadcaster,
		clock:   d.Clock,
		logger:  d.Logger.With("component", "table"),
	}
}

func svcErr(code, format string, args ...any) *holdem.CodeError {
	return &holdem.CodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CreateTable persists a new waiting table. An empty seed is replaced
// with a random one so every hand stays reproducible from the record.
func (s *Service) CreateTable(ctx context.Context, id string, tcfg holdem.TableConfig) (store.TableRecord, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if tcfg.Seed == "" {
		tcfg.Seed = uuid.NewString()
	}
	if tcfg.ActionTimeoutMs == 0 {
		tcfg.ActionTimeoutMs = s.cfg.ActionTimeoutMs
	}
	if tcfg.MinPlayersToStart == 0 {
		tcfg.MinPlayersToStart = s.cfg.MinPlayersToStart
	}
	if err := tcfg.Validate(); err != nil {
		return store.TableRecord{}, err
	}

	cfgJSON, err := json.Marshal(tcfg)
	if err != nil {
		return store.TableRecord{}, err
	}
	rec := store.TableRecord{
		ID:        id,
		Status:    store.TableStatusWaiting,
		Config:    cfgJSON,
		Seed:      tcfg.Seed,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateTable(ctx, rec); err != nil {
		return store.TableRecord{}, err
	}
	s.logger.Info("table created", "table", id, "blinds",
		fmt.Sprintf("%d/%d", tcfg.SmallBlind, tcfg.BigBlind), "seats", tcfg.MaxSeats)
	return rec, nil
}

func (s *Service) tableConfig(rec store.TableRecord) (holdem.TableConfig, error) {
	var tcfg holdem.TableConfig
	if err := json.Unmarshal(rec.Config, &tcfg); err != nil {
		return tcfg, err
	}
	if tcfg.Seed == "" {
		tcfg.Seed = rec.Seed
	}
	return tcfg, nil
}

// Join seats an agent at a table and issues a session. A late join onto a
// running runtime adds the player live; on a waiting table it may trigger
// auto-start.
func (s *Service) Join(ctx context.Context, tableID, agentID, agentName string, preferredSeat *int, clientProtocolVersion int) (*JoinResult, error) {
	if clientProtocolVersion != 0 && clientProtocolVersion < s.cfg.MinSupportedProtocolVersion {
		return nil, svcErr(codec.CodeOutdatedClient,
			"client protocol %d below minimum supported %d",
			clientProtocolVersion, s.cfg.MinSupportedProtocolVersion)
	}

	rec, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, svcErr(codec.CodeTableNotFound, "table %s not found", tableID)
		}
		return nil, err
	}
	switch rec.Status {
	case store.TableStatusWaiting, store.TableStatusRunning:
	case store.TableStatusEnded:
		return nil, svcErr(codec.CodeTableEnded, "table %s has ended", tableID)
	default:
		return nil, svcErr(holdem.CodeInvalidTableState, "table %s is %s", tableID, rec.Status)
	}
	tcfg, err := s.tableConfig(rec)
	if err != nil {
		return nil, err
	}

	seats, err := s.store.ListSeats(ctx, tableID)
	if err != nil {
		return nil, err
	}
	taken := make(map[int]bool, len(seats))
	for _, seat := range seats {
		if seat.AgentID == agentID {
			return nil, svcErr(codec.CodeAlreadySeated, "agent already seated at seat %d", seat.SeatID)
		}
		taken[seat.SeatID] = true
	}
	if len(seats) >= tcfg.MaxSeats {
		return nil, svcErr(codec.CodeTableFull, "table %s is full", tableID)
	}

	seatID := -1
	if preferredSeat != nil && *preferredSeat >= 0 && *preferredSeat < tcfg.MaxSeats && !taken[*preferredSeat] {
		seatID = *preferredSeat
	} else {
		for i := 0; i < tcfg.MaxSeats; i++ {
			if !taken[i] {
				seatID = i
				break
			}
		}
	}
	if seatID < 0 {
		return nil, svcErr(codec.CodeTableFull, "table %s is full", tableID)
	}

	if err := s.store.UpsertSeat(ctx, store.SeatRecord{
		TableID:  tableID,
		SeatID:   seatID,
		AgentID:  agentID,
		Stack:    tcfg.InitialStack,
		IsActive: true,
	}); err != nil {
		return nil, err
	}
	_, token, err := s.auth.CreateSession(ctx, agentID, tableID, seatID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent joined", "table", tableID, "agent", agentID, "seat", seatID)

	if mt, ok := s.manager.Get(tableID); ok {
		// Late join: seat the player in the live runtime.
		release := s.locks.Acquire(tableID)
		addErr := mt.Runtime.AddPlayer(seatID, agentID, agentName, tcfg.InitialStack)
		var joinEv holdem.Event
		if addErr == nil {
			joinEv = holdem.Event{
				Seq:        mt.Runtime.NextSeq(),
				HandNumber: mt.Runtime.HandNumber(),
				Type:       holdem.EventPlayerJoined,
				Payload:    map[string]any{"seat": seatID, "agent_id": agentID, "name": agentName},
			}
		}
		release()
		if addErr != nil {
			return nil, addErr
		}
		if err := s.events.Append(ctx, tableID, joinEv); err != nil {
			s.logger.Warn("join event write failed", "table", tableID, "err", err)
		}
		s.bcast.BroadcastPlayerJoined(tableID, joinEv.Seq, seatID, agentID, agentName)
		s.bcast.BroadcastGameState(tableID)
	} else if len(seats)+1 >= tcfg.MinPlayersToStart {
		if err := s.StartTableRuntime(ctx, tableID); err != nil {
			s.logger.Error("auto-start failed", "table", tableID, "err", err)
		}
	}

	return &JoinResult{
		TableID:                     tableID,
		SeatID:                      seatID,
		SessionToken:                token,
		WSURL:                       "/v1/ws?token=" + token,
		ProtocolVersion:             s.cfg.ProtocolVersion,
		MinSupportedProtocolVersion: s.cfg.MinSupportedProtocolVersion,
		ActionTimeoutMs:             tcfg.ActionTimeoutMs,
	}, nil
}

// Leave releases an agent's seat. Idempotent: leaving an ended table or
// one the agent is not seated at succeeds as a no-op.
func (s *Service) Leave(ctx context.Context, tableID, agentID string) error {
	rec, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return svcErr(codec.CodeTableNotFound, "table %s not found", tableID)
		}
		return err
	}
	if rec.Status == store.TableStatusEnded {
		return nil
	}

	seats, err := s.store.ListSeats(ctx, tableID)
	if err != nil {
		return err
	}
	seatID := -1
	for _, seat := range seats {
		if seat.AgentID == agentID {
			seatID = seat.SeatID
			break
		}
	}
	if seatID < 0 {
		return nil
	}

	if err := s.store.ClearSeat(ctx, tableID, seatID); err != nil {
		return err
	}
	if err := s.auth.RevokeSessions(ctx, agentID, tableID); err != nil {
		s.logger.Warn("session revoke failed", "table", tableID, "agent", agentID, "err", err)
	}

	s.logger.Info("agent left", "table", tableID, "agent", agentID, "seat", seatID)

	mt, ok := s.manager.Get(tableID)
	if !ok {
		return nil
	}

	release := s.locks.Acquire(tableID)
	res, rmErr := mt.Runtime.RemovePlayer(seatID)
	leftEv := holdem.Event{
		Seq:        mt.Runtime.NextSeq(),
		HandNumber: mt.Runtime.HandNumber(),
		Type:       holdem.EventPlayerLeft,
		Payload:    map[string]any{"seat": seatID, "agent_id": agentID},
	}
	release()

	if rmErr != nil {
		s.failTable(ctx, tableID, rmErr)
		return rmErr
	}
	if res != nil {
		s.dispatch(ctx, tableID, mt, res)
	}
	if err := s.events.Append(ctx, tableID, leftEv); err != nil {
		s.logger.Warn("leave event write failed", "table", tableID, "err", err)
	}
	s.bcast.BroadcastPlayerLeft(tableID, leftEv.Seq, seatID, agentID)
	s.bcast.BroadcastGameState(tableID)
	return nil
}

// StartTableRuntime materializes the runtime for a waiting table, deals
// the first hand and promotes any pending sockets.
func (s *Service) StartTableRuntime(ctx context.Context, tableID string) error {
	rec, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return svcErr(codec.CodeTableNotFound, "table %s not found", tableID)
		}
		return err
	}
	if rec.Status != store.TableStatusWaiting {
		return svcErr(holdem.CodeInvalidTableState, "table %s is %s", tableID, rec.Status)
	}
	tcfg, err := s.tableConfig(rec)
	if err != nil {
		return err
	}

	seats, err := s.store.ListSeats(ctx, tableID)
	if err != nil {
		return err
	}
	if len(seats) < tcfg.MinPlayersToStart {
		return svcErr(holdem.CodeInvalidTableState,
			"table %s has %d of %d required players", tableID, len(seats), tcfg.MinPlayersToStart)
	}

	runtime, err := holdem.NewGame(tableID, tcfg)
	if err != nil {
		return err
	}
	mt, err := s.manager.Create(tableID, runtime, NewTimers(s.clock))
	if err != nil {
		if errors.Is(err, ErrTableExists) {
			return nil
		}
		return err
	}

	agentNames := make(map[string]string, len(seats))
	for _, seat := range seats {
		name := seat.AgentID
		if agent, err := s.store.GetAgent(ctx, seat.AgentID); err == nil {
			name = agent.Name
		}
		agentNames[seat.AgentID] = name
		if err := runtime.AddPlayer(seat.SeatID, seat.AgentID, name, seat.Stack); err != nil {
			s.manager.Destroy(tableID)
			return err
		}
	}

	if err := s.store.UpdateTableStatus(ctx, tableID, store.TableStatusRunning); err != nil {
		s.manager.Destroy(tableID)
		return err
	}

	release := s.locks.Acquire(tableID)
	bootstrap := []holdem.Event{{
		Seq:  runtime.NextSeq(),
		Type: holdem.EventTableStarted,
		Payload: map[string]any{
			"config": map[string]any{
				"small_blind":          tcfg.SmallBlind,
				"big_blind":            tcfg.BigBlind,
				"max_seats":            tcfg.MaxSeats,
				"initial_stack":        tcfg.InitialStack,
				"action_timeout_ms":    tcfg.ActionTimeoutMs,
				"min_players_to_start": tcfg.MinPlayersToStart,
			},
		},
	}}
	for _, seat := range seats {
		bootstrap = append(bootstrap, holdem.Event{
			Seq:  runtime.NextSeq(),
			Type: holdem.EventPlayerJoined,
			Payload: map[string]any{
				"seat":     seat.SeatID,
				"agent_id": seat.AgentID,
				"name":     agentNames[seat.AgentID],
			},
		})
	}
	startRes, startErr := runtime.StartHand()
	release()

	if err := s.events.AppendAll(ctx, tableID, bootstrap); err != nil {
		s.logger.Error("bootstrap event write failed", "table", tableID, "err", err)
	}
	if startErr != nil {
		s.failTable(ctx, tableID, startErr)
		return startErr
	}

	s.logger.Info("table started", "table", tableID, "players", len(seats),
		"hand", runtime.HandNumber(), "dealer", runtime.DealerSeat())

	s.bcast.PromotePending(tableID)
	s.bcast.BroadcastTableStatus(tableID, store.TableStatusRunning, "", true)
	s.dispatch(ctx, tableID, mt, startRes)
	return nil
}

// HandleAction is the per-action pipeline behind the socket layer.
func (s *Service) HandleAction(ctx context.Context, tableID string, seatID int, msg codec.ActionMessage, expectedSeq *uint64) (*holdem.ActionResult, *holdem.CodeError) {
	mt, ok := s.manager.Get(tableID)
	if !ok {
		return nil, svcErr(codec.CodeTableNotFound, "no live runtime for table %s", tableID)
	}
	kind := holdem.ParseActionKind(msg.Kind)
	if kind == holdem.ActionNone {
		return nil, svcErr(codec.CodeValidationError, "unknown action kind %q", msg.Kind)
	}

	release := s.locks.Acquire(tableID)
	if expectedSeq != nil && mt.Runtime.Seq() > *expectedSeq {
		seq := mt.Runtime.Seq()
		release()
		return nil, svcErr(codec.CodeStaleSeq, "state advanced to seq %d", seq)
	}
	res, err := mt.Runtime.ApplyAction(seatID, holdem.ActionRequest{
		TurnToken: msg.TurnToken,
		Kind:      kind,
		Amount:    msg.Amount,
	})
	if err == nil && !res.Duplicate {
		mt.Timers.CancelAction()
	}
	release()

	if err != nil {
		ce := holdem.AsCodeError(err)
		if ce.Code == holdem.CodeInternalError {
			s.failTable(ctx, tableID, err)
		}
		return nil, ce
	}
	if !res.Duplicate {
		s.dispatch(ctx, tableID, mt, res)
	}
	return res, nil
}

// EndTable is the single termination entrypoint. Idempotent: with the
// runtime already gone only the persistent status update and a
// best-effort broadcast remain.
func (s *Service) EndTable(ctx context.Context, req EndRequest) error {
	mt, ok := s.manager.Get(req.TableID)
	if ok {
		release := s.locks.Acquire(req.TableID)
		mt.Timers.StopAll()
		// Bets of the current street go back to their owners; chips already
		// collected into pots are not returned.
		finalStacks := make(map[int]int64)
		for _, seat := range mt.Runtime.PublicState().Seats {
			finalStacks[seat.Seat] = seat.Stack + seat.Bet
		}
		endEv := holdem.Event{
			Seq:        mt.Runtime.NextSeq(),
			HandNumber: mt.Runtime.HandNumber(),
			Type:       holdem.EventTableEnded,
			Payload:    map[string]any{"reason": req.Reason, "source": req.Source},
		}
		release()

		if err := s.events.Append(ctx, req.TableID, endEv); err != nil {
			s.logger.Warn("end event write failed", "table", req.TableID, "err", err)
		}
		if err := s.store.UpdateSeatStacks(ctx, req.TableID, finalStacks); err != nil {
			s.logger.Warn("final stack persist failed", "table", req.TableID, "err", err)
		}
		s.manager.Destroy(req.TableID)
		s.locks.Forget(req.TableID)
	}

	if err := s.store.UpdateTableStatus(ctx, req.TableID, store.TableStatusEnded); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.logger.Info("table ended", "table", req.TableID, "reason", req.Reason, "source", req.Source)
	s.bcast.BroadcastTableStatus(req.TableID, store.TableStatusEnded, req.Reason, true)
	s.bcast.DisconnectAll(req.TableID, "table ended: "+req.Reason)
	return nil
}

// OnPlayerConnected cancels any pending abandonment grace.
func (s *Service) OnPlayerConnected(tableID string) {
	if mt, ok := s.manager.Get(tableID); ok {
		mt.Timers.CancelAbandon()
	}
}

// OnPlayerDisconnected arms the abandonment grace once the last player
// socket is gone.
func (s *Service) OnPlayerDisconnected(tableID string) {
	mt, ok := s.manager.Get(tableID)
	if !ok {
		return
	}
	if s.bcast.ConnectionCount(tableID) > 0 {
		return
	}
	grace := time.Duration(s.cfg.AbandonmentGraceMs) * time.Millisecond
	mt.Timers.ArmAbandon(grace, func() { s.handleAbandonment(tableID) })
}

// --- timer fire paths; each re-validates under the action lock ---

func (s *Service) handleActionTimeout(tableID string, seat int, seq uint64) {
	ctx := context.Background()
	mt, ok := s.manager.Get(tableID)
	if !ok {
		return
	}

	release := s.locks.Acquire(tableID)
	if mt.Runtime.CurrentSeat() != seat || mt.Runtime.Seq() != seq {
		release()
		return
	}
	res, err := mt.Runtime.ForceFold(seat, true)
	release()

	if err != nil {
		s.failTable(ctx, tableID, err)
		return
	}
	if res == nil {
		return
	}
	s.logger.Info("action timeout", "table", tableID, "seat", seat)
	s.dispatch(ctx, tableID, mt, res)
}

func (s *Service) handleNextHand(tableID string) {
	ctx := context.Background()
	mt, ok := s.manager.Get(tableID)
	if !ok {
		return
	}

	release := s.locks.Acquire(tableID)
	if mt.Runtime.SeatsWithChips() < 2 {
		release()
		if err := s.EndTable(ctx, EndRequest{TableID: tableID, Reason: "insufficient_players", Source: "timeout"}); err != nil {
			s.logger.Error("end after next-hand check failed", "table", tableID, "err", err)
		}
		return
	}
	res, err := mt.Runtime.StartHand()
	release()

	if err != nil {
		// The race guard: a hand may have started through another path.
		s.logger.Warn("scheduled hand start skipped", "table", tableID, "err", err)
		return
	}
	s.dispatch(ctx, tableID, mt, res)
}

func (s *Service) handleAbandonment(tableID string) {
	if s.bcast.ConnectionCount(tableID) > 0 {
		return
	}
	if !s.manager.Has(tableID) {
		return
	}
	if err := s.EndTable(context.Background(), EndRequest{TableID: tableID, Reason: "abandoned", Source: "abandonment"}); err != nil {
		s.logger.Error("abandonment end failed", "table", tableID, "err", err)
	}
}

// failTable ends a table after an internal invariant violation.
func (s *Service) failTable(ctx context.Context, tableID string, cause error) {
	s.logger.Error("internal table failure", "table", tableID, "err", cause)
	if err := s.EndTable(ctx, EndRequest{TableID: tableID, Reason: "internal_error", Source: "admin"}); err != nil {
		s.logger.Error("failure end failed", "table", tableID, "err", err)
	}
}

// dispatch logs a transition's events, fans out the projections and arms
// the follow-up timers. Runs outside the action lock.
func (s *Service) dispatch(ctx context.Context, tableID string, mt *ManagedTable, res *holdem.ActionResult) {
	if err := s.events.AppendAll(ctx, tableID, res.Events); err != nil {
		s.logger.Warn("event append failed", "table", tableID, "err", err)
	}

	s.bcast.BroadcastGameState(tableID)
	for _, ev := range res.Events {
		switch ev.Type {
		case holdem.EventStreetDealt:
			s.bcast.BroadcastStreetDealt(tableID, ev)
		case holdem.EventHandComplete:
			s.bcast.BroadcastHandComplete(tableID, ev)
		}
	}

	if res.HandComplete {
		mt.Timers.CancelAction()
		delay := time.Duration(s.cfg.InterHandDelayMs) * time.Millisecond
		mt.Timers.ArmNextHand(delay, func() { s.handleNextHand(tableID) })
		if res.Settlement != nil {
			if err := s.store.UpdateSeatStacks(ctx, tableID, res.Settlement.FinalStacks); err != nil {
				s.logger.Warn("stack persist failed", "table", tableID, "err", err)
			}
		}
		return
	}

	if seat := mt.Runtime.CurrentSeat(); seat != holdem.NoSeat {
		timeout := time.Duration(mt.Runtime.Config().ActionTimeoutMs) * time.Millisecond
		mt.Timers.ArmAction(seat, mt.Runtime.Seq(), timeout, func(seat int, seq uint64) {
			s.handleActionTimeout(tableID, seat, seq)
		})
	}
}
