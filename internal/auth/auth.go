// Package auth manages agent identities, API keys and table sessions.
// API keys embed the agent ID so the bcrypt hash can be located without a
// hash index; verified keys are cached to keep the bcrypt cost off the
// hot path.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"pokerarena/internal/store"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix     = "ak"
	apiKeySecretLen  = 24
	verifiedKeyCache = 1024
)

var (
	ErrInvalidAPIKey  = errors.New("invalid api key")
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionExpired = errors.New("session expired")
)

type Service struct {
	store      store.Store
	clock      quartz.Clock
	logger     *log.Logger
	secret     []byte
	sessionTTL time.Duration
	verified   *lru.Cache[string, string]
}

func NewService(st store.Store, clock quartz.Clock, logger *log.Logger, signingSecret string, sessionTTL time.Duration) *Service {
	cache, _ := lru.New[string, string](verifiedKeyCache)
	return &Service{
		store:      st,
		clock:      clock,
		logger:     logger.With("component", "auth"),
		secret:     []byte(signingSecret),
		sessionTTL: sessionTTL,
		verified:   cache,
	}
}

// RegisterAgent creates an agent and returns the record together with the
// plaintext API key; the key is never stored or logged.
func (s *Service) RegisterAgent(ctx context.Context, name string) (store.AgentRecord, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "agent"
	}

	agentID := uuid.NewString()
	secret := randomToken(apiKeySecretLen)
	apiKey := strings.Join([]string{apiKeyPrefix, agentID, secret}, "_")

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return store.AgentRecord{}, "", err
	}
	rec := store.AgentRecord{
		ID:         agentID,
		Name:       name,
		APIKeyHash: string(hash),
		LastSeenAt: s.clock.Now(),
	}
	if err := s.store.CreateAgent(ctx, rec); err != nil {
		return store.AgentRecord{}, "", err
	}
	s.logger.Info("agent registered", "agent", agentID, "name", name)
	return rec, apiKey, nil
}

// AuthenticateAPIKey resolves a bearer key to its agent and refreshes
// last_seen_at.
func (s *Service) AuthenticateAPIKey(ctx context.Context, apiKey string) (store.AgentRecord, error) {
	parts := strings.SplitN(apiKey, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return store.AgentRecord{}, ErrInvalidAPIKey
	}
	agentID, secret := parts[1], parts[2]

	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.AgentRecord{}, ErrInvalidAPIKey
		}
		return store.AgentRecord{}, err
	}

	if cached, ok := s.verified.Get(apiKey); !ok || cached != agentID {
		if bcrypt.CompareHashAndPassword([]byte(rec.APIKeyHash), []byte(secret)) != nil {
			return store.AgentRecord{}, ErrInvalidAPIKey
		}
		s.verified.Add(apiKey, agentID)
	}

	if err := s.store.TouchAgent(ctx, agentID, s.clock.Now()); err != nil {
		s.logger.Warn("touch agent failed", "agent", agentID, "err", err)
	}
	return rec, nil
}

// CreateSession issues a session bound to (agent, table, seat) and a
// signed token for it.
func (s *Service) CreateSession(ctx context.Context, agentID, tableID string, seatID int) (store.SessionRecord, string, error) {
	rec := store.SessionRecord{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TableID:   tableID,
		SeatID:    seatID,
		ExpiresAt: s.clock.Now().Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, rec); err != nil {
		return store.SessionRecord{}, "", err
	}
	return rec, s.signToken(rec.ID), nil
}

// ValidateSessionToken checks signature, existence and expiry.
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (store.SessionRecord, error) {
	sessionID, ok := s.verifyToken(token)
	if !ok {
		return store.SessionRecord{}, ErrInvalidSession
	}
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.SessionRecord{}, ErrInvalidSession
		}
		return store.SessionRecord{}, err
	}
	if !s.clock.Now().Before(rec.ExpiresAt) {
		return store.SessionRecord{}, ErrSessionExpired
	}
	return rec, nil
}

// RevokeSessions drops every session of the agent at the table.
func (s *Service) RevokeSessions(ctx context.Context, agentID, tableID string) error {
	return s.store.DeleteAgentSessions(ctx, agentID, tableID)
}

func (s *Service) signToken(sessionID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(sessionID))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return sessionID + "." + sig
}

func (s *Service) verifyToken(token string) (sessionID string, ok bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 {
		return "", false
	}
	sessionID, sig := token[:i], token[i+1:]
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(sessionID))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return sessionID, true
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
