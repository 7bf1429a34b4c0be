package store

import "pokerarena/internal/config"

// NewFromConfig selects the backend: DATABASE_URL wins, then SQLITE_PATH,
// then the in-memory store. Returns the chosen mode for startup logging.
func NewFromConfig(cfg config.Config) (Store, string, error) {
	if cfg.DatabaseURL != "" {
		s, err := NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	}
	if cfg.SQLitePath != "" {
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	}
	return NewMemory(), "memory", nil
}
