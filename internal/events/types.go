package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies a lifecycle event. The set is closed: every value has a
// payload type registered in payloadFactories.
type EventType string

const (
	// AgentStarted marks the beginning of a run.
	// Data: { "agent": string, "task": string }
	AgentStarted EventType = "agent_started"

	// AgentThinking carries intermediate reasoning.
	// Data: { "thought": string }
	AgentThinking EventType = "agent_thinking"

	// ToolExecuting reports that a tool invocation started.
	// Data: { "tool": string, "tool_call_id": string, "input": object }
	ToolExecuting EventType = "tool_executing"

	// ToolCompleted reports the outcome of a tool invocation.
	// Data: { "tool": string, "tool_call_id": string, "result": any, "duration_ms": int, "failed": bool }
	ToolCompleted EventType = "tool_completed"

	// AgentCompleted marks the end of a run.
	// Data: { "agent": string, "result": any }
	AgentCompleted EventType = "agent_completed"

	// Error reports a failure during a run.
	// Data: { "message": string, "code": string, "recoverable": bool }
	Error EventType = "error"

	// Notification is an account-level message that is not tied to a thread.
	// Data: { "title": string, "body": string, "level": string }
	Notification EventType = "notification"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Payload is the typed body of an envelope. Each event type has exactly one
// payload implementation.
type Payload interface {
	Type() EventType
	Validate() error
}

// AgentStartedPayload is the body of agent_started.
type AgentStartedPayload struct {
	Agent string `json:"agent"`
	Task  string `json:"task,omitempty"`
}

func (AgentStartedPayload) Type() EventType { return AgentStarted }

func (p AgentStartedPayload) Validate() error {
	if p.Agent == "" {
		return fmt.Errorf("%w: agent_started requires agent", ErrInvalidPayload)
	}
	return nil
}

// AgentThinkingPayload is the body of agent_thinking.
type AgentThinkingPayload struct {
	Thought string `json:"thought"`
}

func (AgentThinkingPayload) Type() EventType { return AgentThinking }

func (p AgentThinkingPayload) Validate() error { return nil }

// ToolExecutingPayload is the body of tool_executing.
type ToolExecutingPayload struct {
	Tool       string          `json:"tool"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

func (ToolExecutingPayload) Type() EventType { return ToolExecuting }

func (p ToolExecutingPayload) Validate() error {
	if p.Tool == "" {
		return fmt.Errorf("%w: tool_executing requires tool", ErrInvalidPayload)
	}
	if len(p.Input) > 0 && !json.Valid(p.Input) {
		return fmt.Errorf("%w: tool_executing input is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// ToolCompletedPayload is the body of tool_completed.
type ToolCompletedPayload struct {
	Tool       string          `json:"tool"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Failed     bool            `json:"failed,omitempty"`
}

func (ToolCompletedPayload) Type() EventType { return ToolCompleted }

func (p ToolCompletedPayload) Validate() error {
	if p.Tool == "" {
		return fmt.Errorf("%w: tool_completed requires tool", ErrInvalidPayload)
	}
	if p.DurationMS < 0 {
		return fmt.Errorf("%w: tool_completed duration_ms is negative", ErrInvalidPayload)
	}
	if len(p.Result) > 0 && !json.Valid(p.Result) {
		return fmt.Errorf("%w: tool_completed result is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// AgentCompletedPayload is the body of agent_completed.
type AgentCompletedPayload struct {
	Agent  string          `json:"agent"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (AgentCompletedPayload) Type() EventType { return AgentCompleted }

func (p AgentCompletedPayload) Validate() error {
	if p.Agent == "" {
		return fmt.Errorf("%w: agent_completed requires agent", ErrInvalidPayload)
	}
	if len(p.Result) > 0 && !json.Valid(p.Result) {
		return fmt.Errorf("%w: agent_completed result is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// ErrorPayload is the body of error.
type ErrorPayload struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

func (ErrorPayload) Type() EventType { return Error }

func (p ErrorPayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("%w: error requires message", ErrInvalidPayload)
	}
	return nil
}

// NotificationPayload is the body of notification.
type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Level string `json:"level,omitempty"`
}

func (NotificationPayload) Type() EventType { return Notification }

func (p NotificationPayload) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: notification requires title", ErrInvalidPayload)
	}
	switch p.Level {
	case "", "info", "warning", "error":
		return nil
	default:
		return fmt.Errorf("%w: unknown notification level %q", ErrInvalidPayload, p.Level)
	}
}

// payloadFactories maps each event type to a decoder for its payload.
var payloadFactories = map[EventType]func(json.RawMessage) (Payload, error){
	AgentStarted:   decodeInto[AgentStartedPayload],
	AgentThinking:  decodeInto[AgentThinkingPayload],
	ToolExecuting:  decodeInto[ToolExecutingPayload],
	ToolCompleted:  decodeInto[ToolCompletedPayload],
	AgentCompleted: decodeInto[AgentCompletedPayload],
	Error:          decodeInto[ErrorPayload],
	Notification:   decodeInto[NotificationPayload],
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return p, nil
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// ThreadScoped reports whether events of this type must carry a thread id.
// Notification is the only account-level type.
func (t EventType) ThreadScoped() bool {
	return t != Notification
}

// Types returns every known event type.
func Types() []EventType {
	return []EventType{AgentStarted, AgentThinking, ToolExecuting, ToolCompleted, AgentCompleted, Error, Notification}
}

// DecodePayload decodes and validates raw JSON as the payload for eventType.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	p, err := factory(raw)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
