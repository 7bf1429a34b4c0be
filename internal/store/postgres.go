package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tables (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	config JSONB NOT NULL,
	seed TEXT NOT NULL DEFAULT '',
	bucket_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS seats (
	table_id TEXT NOT NULL,
	seat_id INTEGER NOT NULL,
	agent_id TEXT,
	stack BIGINT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (table_id, seat_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	table_id TEXT NOT NULL,
	seat_id INTEGER NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	table_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	hand_number BIGINT,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (table_id, seq)
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_key_hash TEXT NOT NULL,
	last_seen_at TIMESTAMPTZ
);
`

// Postgres is the shared-deployment backend.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) CreateTable(ctx context.Context, rec TableRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tables (id, status, config, seed, bucket_key, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Status, string(rec.Config), rec.Seed, rec.BucketKey, rec.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Postgres) GetTable(ctx context.Context, id string) (TableRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, config, seed, bucket_key, created_at FROM tables WHERE id = $1`, id)
	return scanTable(row)
}

func (s *Postgres) ListTables(ctx context.Context, status string) ([]TableRecord, error) {
	query := `SELECT id, status, config, seed, bucket_key, created_at FROM tables`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableRecord
	for rows.Next() {
		rec, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateTableStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tables SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Postgres) UpsertSeat(ctx context.Context, rec SeatRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seats (table_id, seat_id, agent_id, stack, is_active) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (table_id, seat_id) DO UPDATE SET agent_id = EXCLUDED.agent_id,
		 stack = EXCLUDED.stack, is_active = EXCLUDED.is_active`,
		rec.TableID, rec.SeatID, rec.AgentID, rec.Stack, rec.IsActive)
	return err
}

func (s *Postgres) ClearSeat(ctx context.Context, tableID string, seatID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seats WHERE table_id = $1 AND seat_id = $2`, tableID, seatID)
	return err
}

func (s *Postgres) ListSeats(ctx context.Context, tableID string) ([]SeatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, seat_id, agent_id, stack, is_active FROM seats WHERE table_id = $1 ORDER BY seat_id`,
		tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeatRecord
	for rows.Next() {
		var rec SeatRecord
		var agentID sql.NullString
		if err := rows.Scan(&rec.TableID, &rec.SeatID, &agentID, &rec.Stack, &rec.IsActive); err != nil {
			return nil, err
		}
		rec.AgentID = agentID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateSeatStacks(ctx context.Context, tableID string, stacks map[int]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for seatID, stack := range stacks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE seats SET stack = $1 WHERE table_id = $2 AND seat_id = $3`,
			stack, tableID, seatID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Postgres) CreateSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, table_id, seat_id, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.AgentID, rec.TableID, rec.SeatID, rec.ExpiresAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Postgres) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, table_id, seat_id, expires_at FROM sessions WHERE id = $1`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.TableID, &rec.SeatID, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Postgres) DeleteAgentSessions(ctx context.Context, agentID, tableID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE agent_id = $1 AND table_id = $2`, agentID, tableID)
	return err
}

func (s *Postgres) CreateAgent(ctx context.Context, rec AgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, api_key_hash, last_seen_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.Name, rec.APIKeyHash, rec.LastSeenAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (AgentRecord, error) {
	var rec AgentRecord
	var seen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, last_seen_at FROM agents WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Name, &rec.APIKeyHash, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, ErrNotFound
	}
	rec.LastSeenAt = seen.Time
	return rec, err
}

func (s *Postgres) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = $1 WHERE id = $2`, seenAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Postgres) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (table_id, seq, hand_number, type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TableID, rec.Seq, rec.HandNumber, rec.Type, string(rec.Payload), rec.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Postgres) ListEvents(ctx context.Context, tableID string, fromSeq uint64, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, seq, hand_number, type, payload, created_at FROM events
		 WHERE table_id = $1 AND seq >= $2 ORDER BY seq LIMIT $3`,
		tableID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload string
		if err := rows.Scan(&rec.TableID, &rec.Seq, &rec.HandNumber, &rec.Type, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() error { return s.db.Close() }
