package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/fileutil"
	"github.com/inercia/wsrelay/internal/logging"
)

const (
	eventsFileName   = "events.jsonl"
	metadataFileName = "metadata.json"
	accountDirName   = "account"

	// maxFrameSize bounds one JSONL line when reading logs back.
	maxFrameSize = 4 * 1024 * 1024
)

// logMetadata is kept next to each events.jsonl.
type logMetadata struct {
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	LastSequence uint64    `json:"last_sequence"`
	Count        int       `json:"count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FileStore implements EventStore as one append-only JSONL log per
// (user, thread) under a base directory. Sequence numbers must be appended
// in increasing order.
type FileStore struct {
	baseDir string
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	logger := logging.Store()
	logger.Debug("file event store initialized", "base_dir", baseDir)
	return &FileStore{baseDir: baseDir, logger: logger}, nil
}

// logDir returns the directory of a key. Thread directories carry a prefix so
// they never collide with the account-level directory.
func (s *FileStore) logDir(userID, threadID string) string {
	sub := accountDirName
	if threadID != "" {
		sub = "t-" + url.PathEscape(threadID)
	}
	return filepath.Join(s.baseDir, url.PathEscape(userID), sub)
}

func (s *FileStore) readMetadata(dir string) (logMetadata, error) {
	var meta logMetadata
	err := fileutil.ReadJSON(filepath.Join(dir, metadataFileName), &meta)
	if errors.Is(err, os.ErrNotExist) {
		return logMetadata{}, nil
	}
	return meta, err
}

// Append implements EventStore.
func (s *FileStore) Append(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	dir := s.logDir(env.UserID(), env.ThreadID())
	meta, err := s.readMetadata(dir)
	if err != nil {
		return fmt.Errorf("failed to read log metadata: %w", err)
	}
	if env.Sequence() <= meta.LastSequence {
		return fmt.Errorf("%w: %s#%d (last %d)", ErrDuplicateSequence, env.Key(), env.Sequence(), meta.LastSequence)
	}

	frame, err := events.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := fileutil.AppendLine(filepath.Join(dir, eventsFileName), frame, 0644); err != nil {
		return err
	}

	meta.UserID = env.UserID()
	meta.ThreadID = env.ThreadID()
	meta.LastSequence = env.Sequence()
	meta.Count++
	meta.UpdatedAt = time.Now()
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, metadataFileName), meta, 0644); err != nil {
		return fmt.Errorf("failed to write log metadata: %w", err)
	}

	s.logger.Debug("envelope_persisted", "key", env.Key().String(), "sequence", env.Sequence())
	return nil
}

// QueryOrdered implements EventStore.
func (s *FileStore) QueryOrdered(_ context.Context, userID, threadID string, fromSequence uint64) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	f, err := os.Open(filepath.Join(s.logDir(userID, threadID), eventsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}
	defer f.Close()

	var out []events.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		env, err := events.Decode(scanner.Bytes())
		if err != nil {
			// A torn last line from a crash is skipped rather than failing replay.
			s.logger.Warn("skipping unreadable envelope", "user_id", userID, "thread_id", threadID, "line", line, "error", err)
			continue
		}
		if env.Sequence() >= fromSequence {
			out = append(out, env)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence() < out[j].Sequence() })
	return out, nil
}

// LastSequence implements EventStore.
func (s *FileStore) LastSequence(_ context.Context, userID, threadID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	meta, err := s.readMetadata(s.logDir(userID, threadID))
	if err != nil {
		return 0, fmt.Errorf("failed to read log metadata: %w", err)
	}
	return meta.LastSequence, nil
}

// Close implements EventStore.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
