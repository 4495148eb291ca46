package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inercia/wsrelay/internal/events"
)

// MemoryStore is an in-process EventStore, used when persistence is disabled
// and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[events.Key][]events.Envelope
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[events.Key][]events.Envelope)}
}

// Append implements EventStore.
func (s *MemoryStore) Append(_ context.Context, env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	key := env.Key()
	log := s.logs[key]
	i := sort.Search(len(log), func(i int) bool { return log[i].Sequence() >= env.Sequence() })
	if i < len(log) && log[i].Sequence() == env.Sequence() {
		return fmt.Errorf("%w: %s#%d", ErrDuplicateSequence, key, env.Sequence())
	}
	log = append(log, events.Envelope{})
	copy(log[i+1:], log[i:])
	log[i] = env
	s.logs[key] = log
	return nil
}

// QueryOrdered implements EventStore.
func (s *MemoryStore) QueryOrdered(_ context.Context, userID, threadID string, fromSequence uint64) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	log := s.logs[events.Key{UserID: userID, ThreadID: threadID}]
	i := sort.Search(len(log), func(i int) bool { return log[i].Sequence() >= fromSequence })
	if i == len(log) {
		return nil, nil
	}
	return append([]events.Envelope(nil), log[i:]...), nil
}

// LastSequence implements EventStore.
func (s *MemoryStore) LastSequence(_ context.Context, userID, threadID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	log := s.logs[events.Key{UserID: userID, ThreadID: threadID}]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Sequence(), nil
}

// Len returns the number of stored envelopes.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, log := range s.logs {
		n += len(log)
	}
	return n
}

// Close implements EventStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
