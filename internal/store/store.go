package store

import (
	"context"
	"errors"
	"time"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

var (
	ErrStoreClosed       = errors.New("store is closed")
	ErrDuplicateSequence = errors.New("sequence number already stored")
)

// EventStore persists envelopes for audit and replay.
type EventStore interface {
	// Append stores env. Storing a sequence number twice for the same
	// (user, thread) fails with ErrDuplicateSequence.
	Append(ctx context.Context, env events.Envelope) error
	// QueryOrdered returns the envelopes of (userID, threadID) with a sequence
	// number >= fromSequence, in sequence order. An empty threadID selects the
	// user's account-level envelopes.
	QueryOrdered(ctx context.Context, userID, threadID string, fromSequence uint64) ([]events.Envelope, error)
	// LastSequence returns the highest stored sequence number, or 0.
	LastSequence(ctx context.Context, userID, threadID string) (uint64, error)
	Close() error
}

// Verify implementations at compile time.
var (
	_ EventStore = (*SQLiteStore)(nil)
	_ EventStore = (*FileStore)(nil)
	_ EventStore = (*MemoryStore)(nil)
)

// SeedFunc adapts s to events.SeedFunc so numbering resumes after a restart.
// Lookup errors are logged and treated as an empty history.
func SeedFunc(s EventStore, timeout time.Duration) events.SeedFunc {
	return func(key events.Key) uint64 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		last, err := s.LastSequence(ctx, key.UserID, key.ThreadID)
		if err != nil {
			logging.Store().Warn("Failed to read last sequence", "key", key.String(), "error", err)
			return 0
		}
		return last
	}
}
