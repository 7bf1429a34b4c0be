// Package httpapi exposes the public REST surface. Responses carry the
// stable error codes of the protocol; the socket layer handles everything
// realtime.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"pokerarena/holdem"
	"pokerarena/internal/auth"
	"pokerarena/internal/codec"
	"pokerarena/internal/config"
	"pokerarena/internal/eventlog"
	"pokerarena/internal/store"
	"pokerarena/internal/table"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
)

const maxEventPageSize = 500

type API struct {
	cfg     config.Config
	store   store.Store
	auth    *auth.Service
	svc     *table.Service
	manager *table.Manager
	events  *eventlog.Log
	logger  *log.Logger
}

func New(cfg config.Config, st store.Store, authSvc *auth.Service, svc *table.Service, manager *table.Manager, events *eventlog.Log, logger *log.Logger) *API {
	return &API{
		cfg:     cfg,
		store:   st,
		auth:    authSvc,
		svc:     svc,
		manager: manager,
		events:  events,
		logger:  logger.With("component", "http"),
	}
}

// Routes mounts the public API onto a chi router.
func (a *API) Routes(r chi.Router) {
	r.Get("/v1/tables", a.listTables)
	r.Get("/v1/tables/{tableID}", a.getTable)
	r.Get("/v1/tables/{tableID}/events", a.listEvents)
	r.Post("/v1/agents", a.registerAgent)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAPIKey)
		r.Post("/v1/tables/{tableID}/join", a.joinTable)
		r.Post("/v1/tables/{tableID}/leave", a.leaveTable)
	})
}

// --- middleware ---

type agentKey struct{}

func contextWithAgent(ctx context.Context, agent store.AgentRecord) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

func agentFrom(ctx context.Context) store.AgentRecord {
	agent, _ := ctx.Value(agentKey{}).(store.AgentRecord)
	return agent
}

func (a *API) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			a.writeError(w, http.StatusUnauthorized, codec.CodeUnauthorized, "missing bearer token")
			return
		}
		agent, err := a.auth.AuthenticateAPIKey(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if errors.Is(err, auth.ErrInvalidAPIKey) {
				a.writeError(w, http.StatusUnauthorized, codec.CodeInvalidAPIKey, "api key rejected")
				return
			}
			a.internalError(w, err)
			return
		}
		ctx := contextWithAgent(r.Context(), agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- handlers ---

type tableSummary struct {
	TableID   string          `json:"table_id"`
	Status    string          `json:"status"`
	Config    json.RawMessage `json:"config"`
	CreatedAt int64           `json:"created_at"`
	Seated    int             `json:"seated"`
}

func (a *API) listTables(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	recs, err := a.store.ListTables(r.Context(), status)
	if err != nil {
		a.internalError(w, err)
		return
	}

	out := make([]tableSummary, 0, len(recs))
	for _, rec := range recs {
		// A running row without a live runtime is a leftover from a prior
		// process; hide it from clients.
		if rec.Status == store.TableStatusRunning && !a.manager.Has(rec.ID) {
			continue
		}
		seats, err := a.store.ListSeats(r.Context(), rec.ID)
		if err != nil {
			a.internalError(w, err)
			return
		}
		out = append(out, tableSummary{
			TableID:   rec.ID,
			Status:    rec.Status,
			Config:    rec.Config,
			CreatedAt: rec.CreatedAt.UnixMilli(),
			Seated:    len(seats),
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (a *API) getTable(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	rec, err := a.store.GetTable(r.Context(), tableID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, codec.CodeTableNotFound, "table not found")
			return
		}
		a.internalError(w, err)
		return
	}
	seats, err := a.store.ListSeats(r.Context(), tableID)
	if err != nil {
		a.internalError(w, err)
		return
	}

	seatViews := make([]map[string]any, 0, len(seats))
	for _, s := range seats {
		seatViews = append(seatViews, map[string]any{
			"seat_id":   s.SeatID,
			"agent_id":  s.AgentID,
			"stack":     s.Stack,
			"is_active": s.IsActive,
		})
	}
	resp := map[string]any{
		"table_id":   rec.ID,
		"status":     rec.Status,
		"config":     json.RawMessage(rec.Config),
		"created_at": rec.CreatedAt.UnixMilli(),
		"seats":      seatViews,
	}
	if mt, ok := a.manager.Get(tableID); ok {
		resp["state"] = codec.GameState(mt.Runtime.PublicState())
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	if _, err := a.store.GetTable(r.Context(), tableID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, codec.CodeTableNotFound, "table not found")
			return
		}
		a.internalError(w, err)
		return
	}

	fromSeq, _ := strconv.ParseUint(r.URL.Query().Get("fromSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	recs, err := a.events.Range(r.Context(), tableID, fromSeq, limit)
	if err != nil {
		a.internalError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		ev := map[string]any{
			"seq":        rec.Seq,
			"type":       rec.Type,
			"payload":    json.RawMessage(rec.Payload),
			"created_at": rec.CreatedAt.UnixMilli(),
		}
		if rec.HandNumber > 0 {
			ev["hand_number"] = rec.HandNumber
		}
		out = append(out, ev)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"table_id": tableID, "events": out})
}

type registerAgentRequest struct {
	Name string `json:"name"`
}

func (a *API) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, codec.CodeValidationError, err.Error())
		return
	}
	rec, apiKey, err := a.auth.RegisterAgent(r.Context(), req.Name)
	if err != nil {
		a.internalError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id": rec.ID,
		"name":     rec.Name,
		"api_key":  apiKey,
	})
}

type joinRequest struct {
	ClientProtocolVersion int  `json:"client_protocol_version"`
	PreferredSeat         *int `json:"preferred_seat"`
}

func (a *API) joinTable(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	tableID := chi.URLParam(r, "tableID")

	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, codec.CodeValidationError, err.Error())
		return
	}

	res, err := a.svc.Join(r.Context(), tableID, agent.ID, agent.Name, req.PreferredSeat, req.ClientProtocolVersion)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"table_id":                       res.TableID,
		"seat_id":                        res.SeatID,
		"session_token":                  res.SessionToken,
		"ws_url":                         res.WSURL,
		"protocol_version":               res.ProtocolVersion,
		"min_supported_protocol_version": res.MinSupportedProtocolVersion,
		"action_timeout_ms":              res.ActionTimeoutMs,
	})
}

func (a *API) leaveTable(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	tableID := chi.URLParam(r, "tableID")

	if err := a.svc.Leave(r.Context(), tableID, agent.ID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "left table"})
}

// --- helpers ---

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

var httpStatusByCode = map[string]int{
	codec.CodeUnauthorized:          http.StatusUnauthorized,
	codec.CodeInvalidAPIKey:         http.StatusUnauthorized,
	codec.CodeInvalidSession:        http.StatusUnauthorized,
	codec.CodeSessionExpired:        http.StatusUnauthorized,
	codec.CodeOutdatedClient:        http.StatusBadRequest,
	codec.CodeValidationError:       http.StatusBadRequest,
	codec.CodeTableNotFound:         http.StatusNotFound,
	codec.CodeTableEnded:            http.StatusConflict,
	codec.CodeTableFull:             http.StatusConflict,
	codec.CodeAlreadySeated:         http.StatusConflict,
	codec.CodeNotSeated:             http.StatusConflict,
	codec.CodeStaleSeq:              http.StatusConflict,
	holdem.CodeInvalidTableState:    http.StatusConflict,
	holdem.CodeNotYourTurn:          http.StatusConflict,
	holdem.CodeInvalidAction:        http.StatusBadRequest,
	holdem.CodeInvalidSeat:          http.StatusBadRequest,
	holdem.CodeSeatTaken:            http.StatusConflict,
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var ce *holdem.CodeError
	if errors.As(err, &ce) {
		status, ok := httpStatusByCode[ce.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		a.writeError(w, status, ce.Code, ce.Message)
		return
	}
	a.internalError(w, err)
}

func (a *API) internalError(w http.ResponseWriter, err error) {
	a.logger.Error("request failed", "err", err)
	a.writeError(w, http.StatusInternalServerError, holdem.CodeInternalError, "internal error")
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, map[string]any{
		"error": codec.ErrorPayload{Code: code, Message: message, SkillDocURL: codec.SkillDocURL},
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("response encode failed", "err", err)
	}
}
