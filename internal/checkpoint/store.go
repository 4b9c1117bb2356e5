package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fathomlabs/scribeflow/internal/config"
	_ "modernc.org/sqlite"
)

// Checkpoint is the durable accounting snapshot for one session. Only
// counters are persisted, never audio or transcript content, so a restart
// mid-session can resume sequencing and quality accounting.
type Checkpoint struct {
	SessionID          string
	Status             string
	StartedAt          time.Time
	HighestSequence    int
	AudioSegments      int
	MissingSegments    int
	TranscriptSegments int
	AcceptedResults    int
	FailedResults      int
	RetryAttempts      int
	ReconnectAttempts  int
	UpdatedAt          time.Time
}

// Store wraps a SQLite-backed checkpoint table keyed by session id.
type Store struct {
	db    *sql.DB
	cfg   config.CheckpointConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the checkpoint store according to config.
func Open(ctx context.Context, cfg config.CheckpointConfig, log *slog.Logger) (*Store, error) {
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
			log.Warn("checkpoint store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("checkpoint store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS checkpoints (
    session_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    highest_sequence INTEGER NOT NULL DEFAULT 0,
    audio_segments INTEGER NOT NULL DEFAULT 0,
    missing_segments INTEGER NOT NULL DEFAULT 0,
    transcript_segments INTEGER NOT NULL DEFAULT 0,
    accepted_results INTEGER NOT NULL DEFAULT 0,
    failed_results INTEGER NOT NULL DEFAULT 0,
    retry_attempts INTEGER NOT NULL DEFAULT 0,
    reconnect_attempts INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
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

// Save upserts the checkpoint row for its session.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(session_id, status, started_at, highest_sequence,
		    audio_segments, missing_segments, transcript_segments,
		    accepted_results, failed_results, retry_attempts, reconnect_attempts, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		    status=excluded.status,
		    highest_sequence=excluded.highest_sequence,
		    audio_segments=excluded.audio_segments,
		    missing_segments=excluded.missing_segments,
		    transcript_segments=excluded.transcript_segments,
		    accepted_results=excluded.accepted_results,
		    failed_results=excluded.failed_results,
		    retry_attempts=excluded.retry_attempts,
		    reconnect_attempts=excluded.reconnect_attempts,
		    updated_at=excluded.updated_at`,
		cp.SessionID, cp.Status, cp.StartedAt.UTC(), cp.HighestSequence,
		cp.AudioSegments, cp.MissingSegments, cp.TranscriptSegments,
		cp.AcceptedResults, cp.FailedResults, cp.RetryAttempts, cp.ReconnectAttempts,
		cp.UpdatedAt)
	return err
}

// Load returns the checkpoint for sessionID, or nil when none exists.
func (s *Store) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, started_at, highest_sequence,
		    audio_segments, missing_segments, transcript_segments,
		    accepted_results, failed_results, retry_attempts, reconnect_attempts, updated_at
		 FROM checkpoints WHERE session_id = ?`, sessionID)

	var cp Checkpoint
	var started, updated string
	err := row.Scan(&cp.SessionID, &cp.Status, &started, &cp.HighestSequence,
		&cp.AudioSegments, &cp.MissingSegments, &cp.TranscriptSegments,
		&cp.AcceptedResults, &cp.FailedResults, &cp.RetryAttempts, &cp.ReconnectAttempts,
		&updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		cp.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		cp.UpdatedAt = ts
	}
	return &cp, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id IN (
			SELECT session_id FROM checkpoints ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
