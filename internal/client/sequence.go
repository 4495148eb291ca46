package client

import (
	"sync"

	"github.com/inercia/wsrelay/internal/events"
)

// Gap is a break in the sequence numbers received for one (user, thread).
type Gap struct {
	Key  events.Key
	Last uint64
	Got  uint64
}

// Missing is the number of skipped sequence numbers.
func (g Gap) Missing() uint64 {
	if g.Got > g.Last+1 {
		return g.Got - g.Last - 1
	}
	return 0
}

// Regressed reports a duplicate or out-of-order envelope.
func (g Gap) Regressed() bool {
	return g.Got <= g.Last
}

// SequenceTracker remembers the last sequence number seen per key. The first
// envelope of a key is the baseline: a session that subscribes mid-run does
// not report the events it was never sent.
type SequenceTracker struct {
	mu   sync.Mutex
	last map[events.Key]uint64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[events.Key]uint64)}
}

// Observe records env and returns the gap it reveals, if any.
func (t *SequenceTracker) Observe(env events.Envelope) (Gap, bool) {
	key := env.Key()
	seq := env.Sequence()

	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.last[key]
	if !seen {
		t.last[key] = seq
		return Gap{}, false
	}
	if seq == last+1 {
		t.last[key] = seq
		return Gap{}, false
	}
	if seq > last {
		t.last[key] = seq
	}
	return Gap{Key: key, Last: last, Got: seq}, true
}

// Last returns the last sequence number seen for key.
func (t *SequenceTracker) Last(key events.Key) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.last[key]
	return seq, ok
}

// ForgetThread drops every key of threadID, so that a later subscription
// starts a new baseline.
func (t *SequenceTracker) ForgetThread(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.last {
		if key.ThreadID == threadID {
			delete(t.last, key)
		}
	}
}
