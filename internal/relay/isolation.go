package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

// ViolationKind classifies an isolation or ordering violation.
type ViolationKind string

const (
	ViolationCrossUser  ViolationKind = "cross_user"
	ViolationDuplicate  ViolationKind = "duplicate_sequence"
	ViolationRegression ViolationKind = "sequence_regression"
)

// maxRecordedViolations caps the violations kept for Report.
const maxRecordedViolations = 1000

// Violation describes one delivery that broke an invariant.
type Violation struct {
	Kind           ViolationKind `json:"kind"`
	ConnectionID   string        `json:"connection_id"`
	ConnectionUser string        `json:"connection_user"`
	UserID         string        `json:"user_id"`
	ThreadID       string        `json:"thread_id,omitempty"`
	Sequence       uint64        `json:"sequence"`
	Previous       uint64        `json:"previous,omitempty"`
	At             time.Time     `json:"at"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: connection %s (user %q) received %s/%s#%d (previous %d)",
		v.Kind, v.ConnectionID, v.ConnectionUser, v.UserID, v.ThreadID, v.Sequence, v.Previous)
}

// IsolationReport is a summary of everything the validator observed.
type IsolationReport struct {
	Delivered  uint64      `json:"delivered"`
	Gaps       uint64      `json:"gaps"`
	Violations []Violation `json:"violations"`
	// ViolationCount includes violations beyond the recorded cap.
	ViolationCount uint64 `json:"violation_count"`
}

// IsolationValidator observes delivered envelopes and checks that each went
// to a connection of its own user, and that the sequence numbers seen by a
// connection for one (user, thread) only increase. Gaps are counted but are
// not violations: a connection may legitimately miss events while it was
// unsubscribed or its queue was full.
type IsolationValidator struct {
	mu         sync.Mutex
	last       map[string]map[events.Key]uint64
	delivered  uint64
	gaps       uint64
	count      uint64
	violations []Violation

	onViolation func(Violation)
	metrics     *Metrics
	logger      *slog.Logger
}

// NewIsolationValidator creates a validator. onViolation may be nil.
func NewIsolationValidator(onViolation func(Violation), metrics *Metrics) *IsolationValidator {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &IsolationValidator{
		last:        make(map[string]map[events.Key]uint64),
		onViolation: onViolation,
		metrics:     metrics,
		logger:      logging.WithComponent("isolation"),
	}
}

// Delivered implements DeliveryObserver.
func (v *IsolationValidator) Delivered(c *Connection, env events.Envelope) {
	owner := c.UserID()
	key := env.Key()
	seq := env.Sequence()

	v.mu.Lock()
	v.delivered++

	var found []Violation
	newViolation := func(kind ViolationKind, prev uint64) {
		found = append(found, Violation{
			Kind:           kind,
			ConnectionID:   c.ID(),
			ConnectionUser: owner,
			UserID:         key.UserID,
			ThreadID:       key.ThreadID,
			Sequence:       seq,
			Previous:       prev,
			At:             time.Now(),
		})
	}

	if owner != key.UserID {
		newViolation(ViolationCrossUser, 0)
	}

	seen, ok := v.last[c.ID()]
	if !ok {
		seen = make(map[events.Key]uint64)
		v.last[c.ID()] = seen
	}
	prev, hasPrev := seen[key]
	switch {
	case !hasPrev:
		seen[key] = seq
	case seq == prev:
		newViolation(ViolationDuplicate, prev)
	case seq < prev:
		newViolation(ViolationRegression, prev)
	default:
		if seq > prev+1 {
			v.gaps++
		}
		seen[key] = seq
	}

	for _, vi := range found {
		v.count++
		if len(v.violations) < maxRecordedViolations {
			v.violations = append(v.violations, vi)
		}
	}
	v.mu.Unlock()

	for _, vi := range found {
		v.metrics.Violations.Add(1)
		v.logger.Error("Isolation violation", "kind", string(vi.Kind), "connection_id", vi.ConnectionID,
			"connection_user", vi.ConnectionUser, "user_id", vi.UserID, "thread_id", vi.ThreadID,
			"sequence", vi.Sequence, "previous", vi.Previous)
		if v.onViolation != nil {
			v.onViolation(vi)
		}
	}
}

// Closed implements DeliveryObserver.
func (v *IsolationValidator) Closed(connectionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.last, connectionID)
}

// Report returns a snapshot of the observed deliveries.
func (v *IsolationValidator) Report() IsolationReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return IsolationReport{
		Delivered:      v.delivered,
		Gaps:           v.gaps,
		Violations:     append([]Violation(nil), v.violations...),
		ViolationCount: v.count,
	}
}
