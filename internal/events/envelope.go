package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Key identifies an ordering domain: sequence numbers are assigned per Key.
// An empty ThreadID is the account-level domain of the user.
type Key struct {
	UserID   string
	ThreadID string
}

func (k Key) String() string {
	if k.ThreadID == "" {
		return k.UserID
	}
	return k.UserID + "/" + k.ThreadID
}

// Meta holds the routing and correlation fields of an envelope.
type Meta struct {
	UserID   string
	ThreadID string
	RunID    string
	Sequence uint64
	// CreatedAt defaults to time.Now() when zero.
	CreatedAt time.Time
}

// Envelope is one immutable event. Fields are only readable through accessors;
// construct with NewEnvelope.
type Envelope struct {
	eventType EventType
	userID    string
	threadID  string
	runID     string
	sequence  uint64
	payload   Payload
	createdAt time.Time
}

// NewEnvelope validates meta and payload and builds an envelope.
func NewEnvelope(meta Meta, payload Payload) (Envelope, error) {
	if payload == nil {
		return Envelope{}, fmt.Errorf("%w: nil payload", ErrInvalidEnvelope)
	}
	t := payload.Type()
	if !t.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if meta.UserID == "" {
		return Envelope{}, fmt.Errorf("%w: user id is required", ErrInvalidEnvelope)
	}
	if t.ThreadScoped() && meta.ThreadID == "" {
		return Envelope{}, fmt.Errorf("%w: %s requires a thread id", ErrInvalidEnvelope, t)
	}
	if meta.Sequence == 0 {
		return Envelope{}, fmt.Errorf("%w: sequence numbers start at 1", ErrInvalidEnvelope)
	}
	if err := payload.Validate(); err != nil {
		return Envelope{}, err
	}
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Envelope{
		eventType: t,
		userID:    meta.UserID,
		threadID:  meta.ThreadID,
		runID:     meta.RunID,
		sequence:  meta.Sequence,
		payload:   payload,
		createdAt: created.UTC(),
	}, nil
}

func (e Envelope) Type() EventType      { return e.eventType }
func (e Envelope) UserID() string       { return e.userID }
func (e Envelope) ThreadID() string     { return e.threadID }
func (e Envelope) RunID() string        { return e.runID }
func (e Envelope) Sequence() uint64     { return e.sequence }
func (e Envelope) Payload() Payload     { return e.payload }
func (e Envelope) CreatedAt() time.Time { return e.createdAt }
func (e Envelope) Key() Key             { return Key{UserID: e.userID, ThreadID: e.threadID} }

// IsZero reports whether e was never constructed.
func (e Envelope) IsZero() bool { return e.payload == nil }

// wireEnvelope is the outbound JSON representation.
type wireEnvelope struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"user_id"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id"`
	Sequence  uint64          `json:"sequence_number"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the outbound wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("%w: zero envelope", ErrInvalidEnvelope)
	}
	data, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.eventType, err)
	}
	return json.Marshal(wireEnvelope{
		Type:      e.eventType,
		UserID:    e.userID,
		ThreadID:  e.threadID,
		RunID:     e.runID,
		Sequence:  e.sequence,
		Timestamp: e.createdAt.Format(time.RFC3339Nano),
		Data:      data,
	})
}

// UnmarshalJSON decodes the wire format, validating it like NewEnvelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	payload, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", ErrInvalidEnvelope, err)
	}
	env, err := NewEnvelope(Meta{
		UserID:    w.UserID,
		ThreadID:  w.ThreadID,
		RunID:     w.RunID,
		Sequence:  w.Sequence,
		CreatedAt: ts,
	}, payload)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Encode returns the wire frame for e.
func Encode(e Envelope) ([]byte, error) {
	return e.MarshalJSON()
}

// Decode parses a wire frame produced by Encode.
func Decode(frame []byte) (Envelope, error) {
	var e Envelope
	if err := e.UnmarshalJSON(frame); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
