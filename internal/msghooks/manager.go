package msghooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/relay"
)

// Publisher delivers events produced by publish hooks. *relay.Bridge
// implements it.
type Publisher interface {
	Publish(ctx context.Context, userID, threadID, runID string, payload events.Payload) (relay.PublishResult, error)
}

// Manager loads hooks and runs them for inbound frames. It implements
// relay.InboundHandler.
type Manager struct {
	hooksDir  string
	publisher Publisher
	executor  *Executor
	logger    *slog.Logger

	mu    sync.RWMutex
	hooks []*Hook
}

// NewManager creates a manager for hooksDir. publisher may be nil when no
// hook publishes.
func NewManager(hooksDir string, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hooksDir:  hooksDir,
		publisher: publisher,
		executor:  NewExecutor(hooksDir, logger),
		logger:    logger,
	}
}

// Load (re)loads the hooks from the hooks directory.
func (m *Manager) Load() error {
	hooks, err := LoadFromDir(m.hooksDir, m.logger)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
	return nil
}

// Hooks returns the loaded hooks.
func (m *Manager) Hooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Hook(nil), m.hooks...)
}

// HooksDir returns the hooks directory path.
func (m *Manager) HooksDir() string {
	return m.hooksDir
}

// HandleInbound runs every matching hook in priority order. An error is
// returned only by a failing hook configured with on_error: fail.
func (m *Manager) HandleInbound(ctx context.Context, msg relay.InboundMessage) error {
	input := &Input{
		ConnectionID: msg.ConnectionID,
		UserID:       msg.UserID,
		Type:         msg.Type,
		Message:      msg.Raw,
		ReceivedAt:   msg.ReceivedAt,
	}

	applied := 0
	for _, hook := range m.Hooks() {
		if !hook.ShouldApply(msg.Type, msg.UserID) {
			continue
		}
		applied++
		if err := m.apply(ctx, hook, input); err != nil {
			m.logger.Warn("hook failed", "name", hook.Name, "type", msg.Type, "user_id", msg.UserID, "error", err)
			if hook.OnError == ErrorFail {
				return fmt.Errorf("hook %q: %w", hook.Name, err)
			}
		}
	}
	if applied == 0 {
		m.logger.Debug("no hook for inbound message", "type", msg.Type, "connection_id", msg.ConnectionID)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, hook *Hook, input *Input) error {
	output, err := m.executor.Execute(ctx, hook, input)
	if err != nil {
		return err
	}
	if output.Error != "" {
		return fmt.Errorf("hook returned error: %s", output.Error)
	}
	if hook.Output != OutputPublish || len(output.Events) == 0 {
		return nil
	}
	if m.publisher == nil {
		return fmt.Errorf("hook output is publish but no publisher is configured")
	}

	// Events always go to the sender; a hook cannot address another user.
	for _, ev := range output.Events {
		payload, err := events.DecodePayload(events.EventType(ev.Type), ev.Data)
		if err != nil {
			return fmt.Errorf("invalid event from hook: %w", err)
		}
		res, err := m.publisher.Publish(ctx, input.UserID, ev.ThreadID, ev.RunID, payload)
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		m.logger.Debug("hook event published",
			"name", hook.Name,
			"event_type", ev.Type,
			"thread_id", ev.ThreadID,
			"status", res.Status,
		)
	}
	return nil
}
