// Package journal records turn lifecycle and pipeline errors in SQLite.
// It deliberately stores no transcripts and no audio, only what happened
// and when, so a run can be debugged without keeping conversation data.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ambiware-labs/voiceloop-core/internal/config"
)

// Entry is one recorded timeline row.
type Entry struct {
	ID        int64
	TurnID    uint64
	Type      string
	Source    string
	Detail    string
	CreatedAt time.Time
}

// Store wraps the SQLite-backed journal. With retention mode "ephemeral"
// it opens no database and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
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
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id INTEGER NOT NULL,
    entry_type TEXT NOT NULL,
    source TEXT,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_turn_created ON entries(turn_id, created_at);
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

// Append writes one entry.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if s.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(turn_id, entry_type, source, detail, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		entry.TurnID, entry.Type, entry.Source, entry.Detail, entry.CreatedAt)
	return err
}

// ListTurn retrieves up to limit entries for one turn, oldest first.
func (s *Store) ListTurn(ctx context.Context, turnID uint64, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, entry_type, source, detail, created_at
		 FROM entries WHERE turn_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.TurnID, &e.Type, &e.Source, &e.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
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

	if s.cfg.RetentionMode == "session" {
		// Session retention keeps only the current run: wipe on open.
		if _, err = tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
			return err
		}
		err = tx.Commit()
		return err
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxTurns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE turn_id IN (
			SELECT DISTINCT turn_id FROM entries ORDER BY turn_id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTurns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
