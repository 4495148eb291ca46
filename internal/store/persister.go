package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

// DefaultPersisterBuffer is the queue size used when none is configured.
const DefaultPersisterBuffer = 1024

// appendTimeout bounds a single Append call.
const appendTimeout = 5 * time.Second

// PersisterStats are the Persister counters.
type PersisterStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Persister drains envelopes into an EventStore on its own goroutine.
// Persist never blocks: when the buffer is full the envelope is dropped and
// counted. Store failures are logged and counted, never returned to the
// publisher.
type Persister struct {
	store  EventStore
	queue  chan events.Envelope
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewPersister starts a persister writing to s.
func NewPersister(s EventStore, bufferSize int) *Persister {
	if bufferSize <= 0 {
		bufferSize = DefaultPersisterBuffer
	}
	p := &Persister{
		store:  s,
		queue:  make(chan events.Envelope, bufferSize),
		logger: logging.Store(),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Persist queues env for storage.
func (p *Persister) Persist(env events.Envelope) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- env:
	default:
		p.dropped.Add(1)
		p.logger.Warn("Persist buffer full, dropping envelope", "key", env.Key().String(), "sequence", env.Sequence())
	}
}

func (p *Persister) run() {
	defer close(p.done)
	for env := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := p.store.Append(ctx, env)
		cancel()
		if err != nil {
			p.failed.Add(1)
			level := slog.LevelError
			if errors.Is(err, ErrDuplicateSequence) {
				level = slog.LevelWarn
			}
			p.logger.Log(context.Background(), level, "Failed to persist envelope",
				"key", env.Key().String(), "sequence", env.Sequence(), "error", err)
			continue
		}
		p.written.Add(1)
	}
}

// Stats returns the current counters.
func (p *Persister) Stats() PersisterStats {
	return PersisterStats{
		Written: p.written.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
		Pending: len(p.queue),
	}
}

// Close stops accepting envelopes and waits until the queue is flushed or
// ctx is done. It does not close the underlying store.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
