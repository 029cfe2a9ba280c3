// Package eventstore persists the per-call conversation timeline.
// Retention is configurable: "ephemeral" keeps nothing, "session" and
// "persistent" keep rows subject to age and count pruning.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/session"
	_ "modernc.org/sqlite"
)

// CallRecord is one persisted call.
type CallRecord struct {
	CallID    string
	CallerID  string
	TraceID   string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
}

// TurnRecord is one persisted conversation turn.
type TurnRecord struct {
	CallID    string
	Seq       int
	Speaker   string
	Text      string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed call timeline.
type Store struct {
	db    *sql.DB
	cfg   config.CallStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the call store according to config.
func Open(ctx context.Context, cfg config.CallStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("call store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("call store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS calls (
    call_id TEXT PRIMARY KEY,
    caller_id TEXT,
    trace_id TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS turns (
    call_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY(call_id, seq),
    FOREIGN KEY(call_id) REFERENCES calls(call_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_call_created ON turns(call_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCallStart inserts the call row, upserting on replayed starts.
func (s *Store) RecordCallStart(ctx context.Context, callID, callerID, traceID string, at time.Time) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if at.IsZero() {
		at = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(call_id, caller_id, trace_id, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET caller_id=excluded.caller_id, trace_id=excluded.trace_id`,
		callID, callerID, traceID, at.UTC())
	return err
}

// RecordCallEnd stamps the terminal timestamp and reason.
func (s *Store) RecordCallEnd(ctx context.Context, callID, reason string, at time.Time) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if at.IsZero() {
		at = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at = ?, end_reason = ? WHERE call_id = ?`,
		at.UTC(), reason, callID)
	return err
}

// RecordTurn appends one conversation turn.
func (s *Store) RecordTurn(ctx context.Context, callID string, turn session.Turn) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	at := turn.Timestamp
	if at.IsZero() {
		at = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(call_id, seq, speaker, text, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(call_id, seq) DO NOTHING`,
		callID, turn.Seq, string(turn.Speaker), turn.Text, at.UTC())
	return err
}

// Call retrieves one call record.
func (s *Store) Call(ctx context.Context, callID string) (CallRecord, error) {
	var rec CallRecord
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return rec, sql.ErrNoRows
	}
	var started, ended, reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT call_id, caller_id, trace_id, started_at, ended_at, end_reason
		 FROM calls WHERE call_id = ?`, callID).
		Scan(&rec.CallID, &rec.CallerID, &rec.TraceID, &started, &ended, &reason)
	if err != nil {
		return rec, err
	}
	rec.StartedAt = parseTime(started.String)
	if ended.Valid {
		rec.EndedAt = parseTime(ended.String)
	}
	if reason.Valid {
		rec.EndReason = reason.String
	}
	return rec, nil
}

// Turns retrieves up to limit turns for a call in sequence order.
func (s *Store) Turns(ctx context.Context, callID string, limit int) ([]TurnRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, seq, speaker, text, created_at
		 FROM turns WHERE call_id = ? ORDER BY seq ASC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var t TurnRecord
		var created string
		if err := rows.Scan(&t.CallID, &t.Seq, &t.Speaker, &t.Text, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// RecentCalls lists the newest calls first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, caller_id, trace_id, started_at, ended_at, end_reason
		 FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRecord
	for rows.Next() {
		var rec CallRecord
		var started, ended, reason sql.NullString
		if err := rows.Scan(&rec.CallID, &rec.CallerID, &rec.TraceID, &started, &ended, &reason); err != nil {
			return nil, err
		}
		rec.StartedAt = parseTime(started.String)
		if ended.Valid {
			rec.EndedAt = parseTime(ended.String)
		}
		if reason.Valid {
			rec.EndReason = reason.String
		}
		calls = append(calls, rec)
	}
	return calls, rows.Err()
}

// Prune applies configured retention (called on startup and can be
// scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxCalls > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE call_id IN (
			SELECT call_id FROM calls ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCalls)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
