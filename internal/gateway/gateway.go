// Package gateway owns every WebSocket: the per-table connection
// registry, the single-writer send queues and the fan-out of projected
// views. No other component touches a socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"pokerarena/holdem"
	"pokerarena/internal/auth"
	"pokerarena/internal/codec"
	"pokerarena/internal/config"
	"pokerarena/internal/store"
	"pokerarena/internal/table"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
)

const (
	sendQueueSize  = 256
	writeDeadline  = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Agent clients are not browsers; origin checks stay permissive.
		return true
	},
}

type connKind int

const (
	kindPlayer connKind = iota
	kindObserver
	kindPendingPlayer
)

// Conn is one socket. The write pump is the only writer; everything else
// enqueues onto send.
type Conn struct {
	tableID   string
	agentID   string
	seatID    int
	kind      connKind
	compact   bool
	showCards bool

	sock      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop rather than stall the broadcaster.
	}
}

func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		close(c.done)
		c.sock.Close()
	})
}

type tableConns struct {
	mu        sync.Mutex
	players   map[int]*Conn // seatID -> connection
	observers map[*Conn]bool
	pending   map[*Conn]bool
}

// Gateway is the connection registry and broadcaster.
type Gateway struct {
	cfg     config.Config
	auth    *auth.Service
	store   store.Store
	manager *table.Manager
	clock   quartz.Clock
	logger  *log.Logger

	svc *table.Service

	mu     sync.Mutex
	tables map[string]*tableConns
}

func New(cfg config.Config, authSvc *auth.Service, st store.Store, manager *table.Manager, clock quartz.Clock, logger *log.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		auth:    authSvc,
		store:   st,
		manager: manager,
		clock:   clock,
		logger:  logger.With("component", "gateway"),
		tables:  make(map[string]*tableConns),
	}
}

// Bind attaches the table service after construction; the registry and
// the service reference each other only through this explicit seam.
func (g *Gateway) Bind(svc *table.Service) { g.svc = svc }

func (g *Gateway) conns(tableID string) *tableConns {
	g.mu.Lock()
	defer g.mu.Unlock()
	tc, ok := g.tables[tableID]
	if !ok {
		tc = &tableConns{
			players:   make(map[int]*Conn),
			observers: make(map[*Conn]bool),
			pending:   make(map[*Conn]bool),
		}
		g.tables[tableID] = tc
	}
	return tc
}

// --- HTTP handlers ---

// HandlePlayerWS upgrades a player socket: /v1/ws?token=...&compact=1
func (g *Gateway) HandlePlayerWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")
	sess, err := g.auth.ValidateSessionToken(ctx, token)
	if err != nil {
		code := codec.CodeInvalidSession
		if errors.Is(err, auth.ErrSessionExpired) {
			code = codec.CodeSessionExpired
		}
		g.rejectUpgrade(w, r, code, err.Error())
		return
	}

	rec, err := g.store.GetTable(ctx, sess.TableID)
	if err != nil || rec.Status == store.TableStatusEnded {
		g.rejectUpgrade(w, r, codec.CodeTableNotFound, "table is not available")
		return
	}
	// A running row whose runtime is gone is a leftover from a previous
	// process; the client should re-list tables.
	if rec.Status == store.TableStatusRunning && !g.manager.Has(sess.TableID) {
		g.rejectUpgrade(w, r, codec.CodeTableNotFound, "table runtime is not available")
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "err", err)
		return
	}

	c := &Conn{
		tableID: sess.TableID,
		agentID: sess.AgentID,
		seatID:  sess.SeatID,
		kind:    kindPlayer,
		compact: r.URL.Query().Get("compact") == "1",
		sock:    sock,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}

	live := g.manager.Has(sess.TableID)
	if !live {
		c.kind = kindPendingPlayer
	}

	tc := g.conns(sess.TableID)
	tc.mu.Lock()
	if c.kind == kindPlayer {
		// Last writer wins on reconnect.
		if prev := tc.players[c.seatID]; prev != nil {
			prev.close(websocket.CloseNormalClosure, "replaced by reconnect")
		}
		tc.players[c.seatID] = c
	} else {
		tc.pending[c] = true
	}
	tc.mu.Unlock()

	g.logger.Info("player connected", "table", sess.TableID, "agent", sess.AgentID,
		"seat", sess.SeatID, "pending", !live)

	go c.writePump()
	go g.readPump(c)

	if live {
		g.sendWelcome(c)
		g.sendGameState(c)
	}
	g.svc.OnPlayerConnected(sess.TableID)
}

// HandleObserverWS upgrades an observer socket:
// /v1/ws/observe/{tableID}?showCards=true
func (g *Gateway) HandleObserverWS(w http.ResponseWriter, r *http.Request, tableID string) {
	ctx := r.Context()
	showCards := r.URL.Query().Get("showCards") == "true"
	if showCards && !g.cfg.IsAdminEmail(r.Header.Get("X-Admin-Email")) {
		g.rejectUpgrade(w, r, codec.CodeUnauthorized, "showCards requires admin credentials")
		return
	}

	rec, err := g.store.GetTable(ctx, tableID)
	if err != nil || rec.Status == store.TableStatusEnded ||
		(rec.Status == store.TableStatusRunning && !g.manager.Has(tableID)) {
		g.rejectUpgrade(w, r, codec.CodeTableNotFound, "table not found")
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "err", err)
		return
	}

	c := &Conn{
		tableID:   tableID,
		seatID:    holdem.NoSeat,
		kind:      kindObserver,
		showCards: showCards,
		sock:      sock,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	tc := g.conns(tableID)
	tc.mu.Lock()
	tc.observers[c] = true
	tc.mu.Unlock()

	g.logger.Info("observer connected", "table", tableID, "showCards", showCards)

	go c.writePump()
	go g.readPump(c)
	g.sendGameState(c)
}

func (g *Gateway) rejectUpgrade(w http.ResponseWriter, r *http.Request, code, message string) {
	// Complete the upgrade so the client receives a structured error frame
	// and a policy close instead of a bare HTTP failure.
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	env := codec.NewEnvelope(codec.TypeError, "", 0, g.clock.Now(), codec.ErrorPayload{
		Code: code, Message: message, SkillDocURL: codec.SkillDocURL,
	})
	if data, err := codec.Encode(env); err == nil {
		_ = sock.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
	_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	sock.Close()
}

// --- pumps ---

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (g *Gateway) readPump(c *Conn) {
	defer func() {
		g.unregister(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("read error", "table", c.tableID, "agent", c.agentID, "err", err)
			}
			return
		}
		g.handleMessage(c, data)
	}
}

func (g *Gateway) handleMessage(c *Conn, data []byte) {
	var msg codec.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.sendError(c, codec.CodeValidationError, "malformed JSON")
		return
	}

	switch msg.Type {
	case codec.TypePing:
		var ping codec.PingPayload
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &ping)
		}
		env := codec.NewEnvelope(codec.TypePong, c.tableID, 0, g.clock.Now(),
			codec.PongPayload{Timestamp: ping.Timestamp})
		g.send(c, env)

	case codec.TypeAction:
		if c.kind != kindPlayer {
			g.sendError(c, codec.CodeNotSeated, "observers cannot act")
			return
		}
		if msg.Action == nil {
			g.sendError(c, codec.CodeValidationError, "action message requires an action body")
			return
		}
		res, cerr := g.svc.HandleAction(context.Background(), c.tableID, c.seatID, *msg.Action, msg.ExpectedSeq)
		if cerr != nil {
			g.sendError(c, cerr.Code, cerr.Message)
			return
		}
		env := codec.NewEnvelope(codec.TypeAck, c.tableID, res.Seq, g.clock.Now(),
			codec.AckPayload{Seq: res.Seq, Duplicate: res.Duplicate})
		g.send(c, env)

	default:
		g.sendError(c, codec.CodeValidationError, "unknown message type "+msg.Type)
	}
}

func (g *Gateway) unregister(c *Conn) {
	tc := g.conns(c.tableID)
	tc.mu.Lock()
	switch c.kind {
	case kindPlayer:
		if tc.players[c.seatID] == c {
			delete(tc.players, c.seatID)
		}
	case kindObserver:
		delete(tc.observers, c)
	case kindPendingPlayer:
		delete(tc.pending, c)
	}
	tc.mu.Unlock()

	if c.kind != kindObserver {
		g.logger.Info("player disconnected", "table", c.tableID, "agent", c.agentID, "seat", c.seatID)
		g.svc.OnPlayerDisconnected(c.tableID)
	}
}

// --- per-connection senders ---

func (g *Gateway) send(c *Conn, env codec.Envelope) {
	data, err := codec.Encode(env)
	if err != nil {
		g.logger.Error("encode failed", "type", env.Type, "err", err)
		return
	}
	c.enqueue(data)
}

func (g *Gateway) sendError(c *Conn, code, message string) {
	g.send(c, codec.NewEnvelope(codec.TypeError, c.tableID, 0, g.clock.Now(), codec.ErrorPayload{
		Code: code, Message: message, SkillDocURL: codec.SkillDocURL,
	}))
}

func (g *Gateway) sendWelcome(c *Conn) {
	mt, ok := g.manager.Get(c.tableID)
	if !ok {
		return
	}
	g.send(c, codec.NewEnvelope(codec.TypeWelcome, c.tableID, mt.Runtime.Seq(), g.clock.Now(),
		codec.WelcomePayload{
			TableID:         c.tableID,
			SeatID:          c.seatID,
			AgentID:         c.agentID,
			ProtocolVersion: g.cfg.ProtocolVersion,
			ActionTimeoutMs: mt.Runtime.Config().ActionTimeoutMs,
		}))
}

// sendGameState projects the runtime for one connection.
func (g *Gateway) sendGameState(c *Conn) {
	mt, ok := g.manager.Get(c.tableID)
	if !ok {
		return
	}
	var st *holdem.TableState
	switch {
	case c.kind == kindPlayer:
		st = mt.Runtime.StateForSeat(c.seatID)
	case c.showCards:
		st = mt.Runtime.OpenState()
	default:
		st = mt.Runtime.PublicState()
	}

	if c.compact {
		data, err := json.Marshal(codec.CompactGameState(st))
		if err != nil {
			g.logger.Error("compact encode failed", "err", err)
			return
		}
		c.enqueue(data)
		return
	}
	g.send(c, codec.NewEnvelope(codec.TypeGameState, c.tableID, st.Seq, g.clock.Now(), codec.GameState(st)))
}

// --- Broadcaster implementation ---

func (g *Gateway) forEach(tableID string, fn func(c *Conn)) {
	tc := g.conns(tableID)
	tc.mu.Lock()
	conns := make([]*Conn, 0, len(tc.players)+len(tc.observers))
	for _, c := range tc.players {
		conns = append(conns, c)
	}
	for c := range tc.observers {
		conns = append(conns, c)
	}
	tc.mu.Unlock()

	for _, c := range conns {
		fn(c)
	}
}

// PromotePending converts sockets that connected before the runtime
// existed into live players.
func (g *Gateway) PromotePending(tableID string) {
	tc := g.conns(tableID)
	tc.mu.Lock()
	promoted := make([]*Conn, 0, len(tc.pending))
	for c := range tc.pending {
		delete(tc.pending, c)
		c.kind = kindPlayer
		if prev := tc.players[c.seatID]; prev != nil {
			prev.close(websocket.CloseNormalClosure, "replaced by reconnect")
		}
		tc.players[c.seatID] = c
		promoted = append(promoted, c)
	}
	tc.mu.Unlock()

	for _, c := range promoted {
		g.sendWelcome(c)
		g.sendGameState(c)
	}
}

// BroadcastGameState fans the current state out: each player gets their
// private projection, observers the public (or admin) one.
func (g *Gateway) BroadcastGameState(tableID string) {
	g.forEach(tableID, func(c *Conn) {
		g.sendGameState(c)
	})
}

func (g *Gateway) BroadcastStreetDealt(tableID string, ev holdem.Event) {
	// The street itself rides on game_state; the dedicated frame keeps
	// event-log parity for clients consuming the stream.
	env := codec.NewEnvelope(codec.TypeStreetDealt, tableID, ev.Seq, g.clock.Now(), ev.Payload)
	g.forEach(tableID, func(c *Conn) { g.send(c, env) })
}

func (g *Gateway) BroadcastHandComplete(tableID string, ev holdem.Event) {
	env := codec.NewEnvelope(codec.TypeHandComplete, tableID, ev.Seq, g.clock.Now(), ev.Payload)
	g.forEach(tableID, func(c *Conn) { g.send(c, env) })
}

func (g *Gateway) BroadcastPlayerJoined(tableID string, seq uint64, seatID int, agentID, name string) {
	env := codec.NewEnvelope(codec.TypePlayerJoined, tableID, seq, g.clock.Now(),
		codec.PlayerJoinedPayload{Seat: seatID, AgentID: agentID, Name: name})
	g.forEach(tableID, func(c *Conn) { g.send(c, env) })
}

func (g *Gateway) BroadcastPlayerLeft(tableID string, seq uint64, seatID int, agentID string) {
	env := codec.NewEnvelope(codec.TypePlayerLeft, tableID, seq, g.clock.Now(),
		codec.PlayerLeftPayload{Seat: seatID, AgentID: agentID})
	g.forEach(tableID, func(c *Conn) { g.send(c, env) })
}

func (g *Gateway) BroadcastTableStatus(tableID, status, reason string, includeObservers bool) {
	env := codec.NewEnvelope(codec.TypeTableStatus, tableID, 0, g.clock.Now(),
		codec.TableStatusPayload{Status: status, Reason: reason})
	data, err := codec.Encode(env)
	if err != nil {
		return
	}

	tc := g.conns(tableID)
	tc.mu.Lock()
	for _, c := range tc.players {
		c.enqueue(data)
	}
	if includeObservers {
		for c := range tc.observers {
			c.enqueue(data)
		}
	}
	tc.mu.Unlock()
}

// DisconnectAll closes every socket of the table with a normal closure.
func (g *Gateway) DisconnectAll(tableID, reason string) {
	tc := g.conns(tableID)
	tc.mu.Lock()
	conns := make([]*Conn, 0, len(tc.players)+len(tc.observers)+len(tc.pending))
	for _, c := range tc.players {
		conns = append(conns, c)
	}
	for c := range tc.observers {
		conns = append(conns, c)
	}
	for c := range tc.pending {
		conns = append(conns, c)
	}
	tc.players = make(map[int]*Conn)
	tc.observers = make(map[*Conn]bool)
	tc.pending = make(map[*Conn]bool)
	tc.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseNormalClosure, reason)
	}

	g.mu.Lock()
	delete(g.tables, tableID)
	g.mu.Unlock()
}

// ConnectionCount reports the number of open player sockets.
func (g *Gateway) ConnectionCount(tableID string) int {
	tc := g.conns(tableID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.players)
}
