package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-media/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one recorded entry on a stream timeline.
type Event struct {
	ID            int64
	StreamID      string
	Type          string
	ReceivedTotal int
	PlayedTotal   int
	Seq           int
	Reason        string
	CreatedAt     time.Time
}

// Stream summarises one relayed stream.
type Stream struct {
	ID        string
	Mode      string
	MimeType  string
	CreatedAt time.Time
	EndedAt   time.Time
}

// Store wraps a SQLite-backed stream timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS streams (
    stream_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    mime_type TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS stream_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    received_total INTEGER NOT NULL DEFAULT 0,
    played_total INTEGER NOT NULL DEFAULT 0,
    seq INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(stream_id) REFERENCES streams(stream_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_stream_events_stream ON stream_events(stream_id, id);
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenStream ensures a stream row exists.
func (s *Store) OpenStream(ctx context.Context, streamID, mode, mimeType string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams(stream_id, mode, mime_type, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(stream_id) DO UPDATE SET mode=excluded.mode,
		   mime_type=COALESCE(NULLIF(excluded.mime_type, ''), streams.mime_type)`,
		streamID, mode, mimeType, s.clock().UnixMilli())
	return err
}

// CloseStream stamps the stream's end time.
func (s *Store) CloseStream(ctx context.Context, streamID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET ended_at = ? WHERE stream_id = ? AND ended_at IS NULL`,
		s.clock().UnixMilli(), streamID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events(stream_id, event_type, received_total, played_total, seq, reason, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.StreamID, evt.Type, evt.ReceivedTotal, evt.PlayedTotal, evt.Seq, evt.Reason, evt.CreatedAt.UnixMilli())
	return err
}

// ListStreamEvents retrieves up to limit events for a stream in recording order.
func (s *Store) ListStreamEvents(ctx context.Context, streamID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_id, event_type, received_total, played_total, seq, COALESCE(reason, ''), created_at
		 FROM stream_events WHERE stream_id = ? ORDER BY id ASC LIMIT ?`, streamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Type, &e.ReceivedTotal, &e.PlayedTotal, &e.Seq, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetStream returns the stream row, or sql.ErrNoRows.
func (s *Store) GetStream(ctx context.Context, streamID string) (Stream, error) {
	if s.disabled() {
		return Stream{}, sql.ErrNoRows
	}
	var st Stream
	var created int64
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id, mode, COALESCE(mime_type, ''), created_at, ended_at FROM streams WHERE stream_id = ?`,
		streamID).Scan(&st.ID, &st.Mode, &st.MimeType, &created, &ended)
	if err != nil {
		return Stream{}, err
	}
	st.CreatedAt = time.UnixMilli(created).UTC()
	if ended.Valid {
		st.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	return st, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM stream_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxStreams > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id IN (
			SELECT stream_id FROM streams ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxStreams)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure reports a misconfigured ephemeral store.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
