package events

import "sync"

// SeedFunc returns the last sequence number already used for a key, so that
// numbering continues after a restart. It is called once per key.
type SeedFunc func(Key) uint64

type counter struct {
	mu     sync.Mutex
	last   uint64
	seeded bool
}

// Sequencer assigns strictly increasing, gap-free sequence numbers per Key.
// It is safe for concurrent use.
type Sequencer struct {
	mu       sync.Mutex
	counters map[Key]*counter
	seed     SeedFunc
}

// NewSequencer creates a sequencer. seed may be nil.
func NewSequencer(seed SeedFunc) *Sequencer {
	return &Sequencer{
		counters: make(map[Key]*counter),
		seed:     seed,
	}
}

func (s *Sequencer) counter(key Key) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{}
		s.counters[key] = c
	}
	return c
}

// Do runs fn with the next sequence number for key while holding the key's lock.
// The number is consumed only if fn returns nil, so a failed fn leaves no gap.
// Calls for the same key are serialized; calls for different keys run in parallel.
func (s *Sequencer) Do(key Key, fn func(seq uint64) error) (uint64, error) {
	c := s.counter(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		if s.seed != nil {
			c.last = s.seed(key)
		}
		c.seeded = true
	}

	next := c.last + 1
	if err := fn(next); err != nil {
		return 0, err
	}
	c.last = next
	return next, nil
}

// Next consumes and returns the next sequence number for key.
func (s *Sequencer) Next(key Key) uint64 {
	n, _ := s.Do(key, func(uint64) error { return nil })
	return n
}

// Last returns the last number handed out for key, or 0.
func (s *Sequencer) Last(key Key) uint64 {
	s.mu.Lock()
	c, ok := s.counters[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Keys returns the number of ordering domains seen so far.
func (s *Sequencer) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
