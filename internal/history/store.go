// Package history persists finished utterances to SQLite so transcripts
// survive restarts and can be revoked with a voice command.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/westkitty/dexdictate/internal/config"
	_ "modernc.org/sqlite"
)

// Utterance is one completed dictation result.
type Utterance struct {
	ID         int64
	SessionID  string
	Text       string
	Confidence float64
	Samples    int
	Rate       int
	CreatedAt  time.Time
}

// Timing is one session's latency checkpoints, stored alongside utterances
// for offline latency analysis.
type Timing struct {
	SessionID        string
	TriggerReleased  time.Time
	CaptureStopped   time.Time
	ResampleDone     time.Time
	InferenceSubmit  time.Time
	InferenceDone    time.Time
	CapturedSamples  int
	CaptureRate      int
	SubmittedSamples int
}

// Store wraps a SQLite-backed utterance history. In ephemeral mode it is a
// no-op shell so callers never branch on the retention mode themselves.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
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

	// Session retention keeps history only for the current daemon run.
	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM utterances; DELETE FROM timings;`); err != nil {
			log.Warn("history reset failed", slog.String("error", err.Error()))
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    confidence REAL,
    samples INTEGER,
    rate INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_utterances_created ON utterances(created_at);
CREATE TABLE IF NOT EXISTS timings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trigger_released TIMESTAMP,
    capture_stopped TIMESTAMP,
    resample_done TIMESTAMP,
    inference_submit TIMESTAMP,
    inference_done TIMESTAMP,
    captured_samples INTEGER,
    capture_rate INTEGER,
    submitted_samples INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timings_created ON timings(created_at);
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

// Append records a completed utterance. Empty transcripts are skipped: there
// is nothing to revoke or recall.
func (s *Store) Append(ctx context.Context, u Utterance) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil || u.Text == "" {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(session_id, text, confidence, samples, rate, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		u.SessionID, u.Text, u.Confidence, u.Samples, u.Rate, u.CreatedAt)
	return err
}

// AppendTiming records one session's latency checkpoints.
func (s *Store) AppendTiming(ctx context.Context, t Timing) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timings(session_id, trigger_released, capture_stopped, resample_done,
		   inference_submit, inference_done, captured_samples, capture_rate, submitted_samples, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.TriggerReleased, t.CaptureStopped, t.ResampleDone,
		t.InferenceSubmit, t.InferenceDone, t.CapturedSamples, t.CaptureRate, t.SubmittedSamples,
		s.clock().UTC())
	return err
}

// Recent returns the newest utterances, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Utterance, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, confidence, samples, rate, created_at
		 FROM utterances ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		var created string
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Text, &u.Confidence, &u.Samples, &u.Rate, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.CreatedAt = ts
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ScratchLast deletes the newest utterance and returns its text. The second
// return is false when the history is empty. Only the newest row is ever
// removable: a spoken revocation always refers to the most recent thing
// said, even though the speaker may have meant the utterance before the
// command itself was transcribed.
func (s *Store) ScratchLast(ctx context.Context) (string, bool, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return "", false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int64
	var text string
	err = tx.QueryRowContext(ctx,
		`SELECT id, text FROM utterances ORDER BY id DESC LIMIT 1`).Scan(&id, &text)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.Commit()
		return "", false, err
	}
	if err != nil {
		return "", false, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE id = ?`, id); err != nil {
		return "", false, err
	}
	err = tx.Commit()
	return text, err == nil, err
}

// Prune applies configured retention. Called on startup; safe to schedule.
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM timings WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxUtterances > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE id IN (
			SELECT id FROM utterances ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxUtterances)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
