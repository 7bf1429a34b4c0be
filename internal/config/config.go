// Package config parses the enumerated environment configuration of the
// server. An optional .env file is honored for development setups.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration. Every field maps to exactly one
// recognized environment key; there are no other runtime options.
type Config struct {
	ListenAddr string

	// Persistence selection: DatabaseURL wins over SQLitePath; with
	// neither set the process runs on the in-memory store.
	DatabaseURL string
	SQLitePath  string

	ProtocolVersion             int
	MinSupportedProtocolVersion int

	SessionTTL         time.Duration
	ActionTimeoutMs    int64
	InterHandDelayMs   int64
	AbandonmentGraceMs int64
	MinPlayersToStart  int

	AdminEmails          []string
	SessionSigningSecret string
}

const (
	defaultListenAddr       = ":18080"
	defaultSessionTTL       = 30 * time.Minute
	defaultActionTimeoutMs  = 30000
	defaultInterHandDelayMs = 2000
	defaultAbandonGraceMs   = 30000
	defaultMinPlayers       = 2
	defaultProtocolVersion  = 1
)

// FromEnv loads configuration from the environment, applying defaults for
// unset keys.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:                  envString("SERVER_ADDR", defaultListenAddr),
		DatabaseURL:                 strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:                  strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		SessionSigningSecret:        strings.TrimSpace(os.Getenv("SESSION_SIGNING_SECRET")),
		AdminEmails:                 splitList(os.Getenv("ADMIN_EMAILS")),
	}

	var err error
	if cfg.ProtocolVersion, err = envInt("PROTOCOL_VERSION", defaultProtocolVersion); err != nil {
		return cfg, err
	}
	if cfg.MinSupportedProtocolVersion, err = envInt("MIN_SUPPORTED_PROTOCOL_VERSION", defaultProtocolVersion); err != nil {
		return cfg, err
	}
	ttlSec, err := envInt("SESSION_TTL_SECONDS", int(defaultSessionTTL/time.Second))
	if err != nil {
		return cfg, err
	}
	cfg.SessionTTL = time.Duration(ttlSec) * time.Second
	if cfg.ActionTimeoutMs, err = envInt64("ACTION_TIMEOUT_MS", defaultActionTimeoutMs); err != nil {
		return cfg, err
	}
	if cfg.InterHandDelayMs, err = envInt64("NEXT_HAND_DELAY_MS", defaultInterHandDelayMs); err != nil {
		return cfg, err
	}
	if cfg.AbandonmentGraceMs, err = envInt64("TABLE_ABANDONMENT_GRACE_MS", defaultAbandonGraceMs); err != nil {
		return cfg, err
	}
	if cfg.MinPlayersToStart, err = envInt("MIN_PLAYERS_TO_START", defaultMinPlayers); err != nil {
		return cfg, err
	}

	if cfg.MinSupportedProtocolVersion > cfg.ProtocolVersion {
		return cfg, fmt.Errorf("MIN_SUPPORTED_PROTOCOL_VERSION %d exceeds PROTOCOL_VERSION %d",
			cfg.MinSupportedProtocolVersion, cfg.ProtocolVersion)
	}
	if cfg.ActionTimeoutMs <= 0 || cfg.InterHandDelayMs < 0 || cfg.AbandonmentGraceMs <= 0 {
		return cfg, fmt.Errorf("timer configuration must be positive")
	}
	if cfg.MinPlayersToStart < 2 {
		return cfg, fmt.Errorf("MIN_PLAYERS_TO_START must be >= 2")
	}

	// Sessions issued with an ephemeral secret do not survive a restart;
	// acceptable for development, fatal for nothing.
	if cfg.SessionSigningSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return cfg, err
		}
		cfg.SessionSigningSecret = hex.EncodeToString(buf)
	}
	return cfg, nil
}

// IsAdminEmail checks the admin allowlist (case-insensitive).
func (c Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, a := range c.AdminEmails {
		if strings.ToLower(a) == email {
			return true
		}
	}
	return false
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
