package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tables (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	config TEXT NOT NULL,
	seed TEXT NOT NULL DEFAULT '',
	bucket_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS seats (
	table_id TEXT NOT NULL,
	seat_id INTEGER NOT NULL,
	agent_id TEXT,
	stack INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (table_id, seat_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	table_id TEXT NOT NULL,
	seat_id INTEGER NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	table_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	hand_number INTEGER,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (table_id, seq)
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_key_hash TEXT NOT NULL,
	last_seen_at TIMESTAMP
);
`

// SQLite is the default durable backend (CGO-free driver).
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent table activity.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) CreateTable(ctx context.Context, rec TableRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tables (id, status, config, seed, bucket_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, string(rec.Config), rec.Seed, rec.BucketKey, rec.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLite) GetTable(ctx context.Context, id string) (TableRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, config, seed, bucket_key, created_at FROM tables WHERE id = ?`, id)
	return scanTable(row)
}

func (s *SQLite) ListTables(ctx context.Context, status string) ([]TableRecord, error) {
	query := `SELECT id, status, config, seed, bucket_key, created_at FROM tables`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
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

func (s *SQLite) UpdateTableStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tables SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) UpsertSeat(ctx context.Context, rec SeatRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seats (table_id, seat_id, agent_id, stack, is_active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(table_id, seat_id) DO UPDATE SET agent_id = excluded.agent_id,
		 stack = excluded.stack, is_active = excluded.is_active`,
		rec.TableID, rec.SeatID, rec.AgentID, rec.Stack, rec.IsActive)
	return err
}

func (s *SQLite) ClearSeat(ctx context.Context, tableID string, seatID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seats WHERE table_id = ? AND seat_id = ?`, tableID, seatID)
	return err
}

func (s *SQLite) ListSeats(ctx context.Context, tableID string) ([]SeatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, seat_id, agent_id, stack, is_active FROM seats WHERE table_id = ? ORDER BY seat_id`,
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

func (s *SQLite) UpdateSeatStacks(ctx context.Context, tableID string, stacks map[int]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for seatID, stack := range stacks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE seats SET stack = ? WHERE table_id = ? AND seat_id = ?`,
			stack, tableID, seatID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) CreateSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, table_id, seat_id, expires_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.TableID, rec.SeatID, rec.ExpiresAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, table_id, seat_id, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.TableID, &rec.SeatID, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLite) DeleteAgentSessions(ctx context.Context, agentID, tableID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE agent_id = ? AND table_id = ?`, agentID, tableID)
	return err
}

func (s *SQLite) CreateAgent(ctx context.Context, rec AgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, api_key_hash, last_seen_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.APIKeyHash, rec.LastSeenAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLite) GetAgent(ctx context.Context, id string) (AgentRecord, error) {
	var rec AgentRecord
	var seen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, last_seen_at FROM agents WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Name, &rec.APIKeyHash, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, ErrNotFound
	}
	rec.LastSeenAt = seen.Time
	return rec, err
}

func (s *SQLite) TouchAgent(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`, seenAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (table_id, seq, hand_number, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TableID, rec.Seq, rec.HandNumber, rec.Type, string(rec.Payload), rec.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLite) ListEvents(ctx context.Context, tableID string, fromSeq uint64, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, seq, hand_number, type, payload, created_at FROM events
		 WHERE table_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
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

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTable(row rowScanner) (TableRecord, error) {
	var rec TableRecord
	var config string
	err := row.Scan(&rec.ID, &rec.Status, &config, &rec.Seed, &rec.BucketKey, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TableRecord{}, ErrNotFound
	}
	rec.Config = []byte(config)
	return rec, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
