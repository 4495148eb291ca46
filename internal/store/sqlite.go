package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

// SQLiteStore implements EventStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (and if needed creates) the database at path.
// Parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := logging.Store()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer is all the persister needs; it also keeps :memory: databases
	// on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite event store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS envelopes (
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			frame BLOB NOT NULL,
			PRIMARY KEY (user_id, thread_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_envelopes_run
			ON envelopes(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Append implements EventStore.
func (s *SQLiteStore) Append(ctx context.Context, env events.Envelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	frame, err := events.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelopes (user_id, thread_id, sequence, type, run_id, created_at, frame)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		env.UserID(),
		env.ThreadID(),
		int64(env.Sequence()),
		string(env.Type()),
		env.RunID(),
		env.CreatedAt().Format(time.RFC3339Nano),
		frame,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s#%d", ErrDuplicateSequence, env.Key(), env.Sequence())
		}
		return fmt.Errorf("inserting envelope: %w", err)
	}

	s.logger.Debug("stored envelope", "key", env.Key().String(), "sequence", env.Sequence(), "type", string(env.Type()))
	return nil
}

// QueryOrdered implements EventStore.
func (s *SQLiteStore) QueryOrdered(ctx context.Context, userID, threadID string, fromSequence uint64) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT frame FROM envelopes
		WHERE user_id = ? AND thread_id = ? AND sequence >= ?
		ORDER BY sequence ASC
	`, userID, threadID, int64(fromSequence))
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return nil, fmt.Errorf("scanning envelope: %w", err)
		}
		env, err := events.Decode(frame)
		if err != nil {
			return nil, fmt.Errorf("decoding stored envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating envelopes: %w", err)
	}
	return out, nil
}

// LastSequence implements EventStore.
func (s *SQLiteStore) LastSequence(ctx context.Context, userID, threadID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM envelopes WHERE user_id = ? AND thread_id = ?`,
		userID, threadID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("querying last sequence: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// Close implements EventStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	// SQLite reports "UNIQUE constraint failed" (or a PRIMARY KEY variant).
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
