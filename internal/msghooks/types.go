// Package msghooks runs external commands for inbound client frames.
//
// Hooks are YAML files in a hooks directory. A hook matches frames by type
// and user, receives the frame as JSON on stdin, and may answer with events
// that are published back to the sending user.
package msghooks

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputType defines how the hook's stdout is used.
type OutputType string

const (
	// OutputDiscard ignores stdout (side-effect only).
	OutputDiscard OutputType = "discard"
	// OutputPublish publishes the events in stdout to the sending user.
	OutputPublish OutputType = "publish"
)

// ErrorHandling defines how errors are handled.
type ErrorHandling string

const (
	// ErrorSkip continues with the next hook.
	ErrorSkip ErrorHandling = "skip"
	// ErrorFail stops processing and rejects the frame.
	ErrorFail ErrorHandling = "fail"
)

// Default values for hook configuration.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultPriority    = 100
	DefaultOutput      = OutputDiscard
	DefaultErrorHandle = ErrorSkip
)

// Hook is a loaded hook definition.
type Hook struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Types lists the frame types the hook handles. Empty matches all.
	Types []string `yaml:"types,omitempty" json:"types,omitempty"`
	// Users limits the hook to these user ids. Empty matches all.
	Users []string `yaml:"users,omitempty" json:"users,omitempty"`
	// Priority orders hooks, lower first. Default: 100.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Command is absolute, relative to the hook file ("./x"), or in PATH.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	Output      OutputType        `yaml:"output,omitempty" json:"output,omitempty"`
	Timeout     Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	OnError     ErrorHandling     `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// FilePath and HookDir are set by the loader.
	FilePath string `yaml:"-" json:"-"`
	HookDir  string `yaml:"-" json:"-"`
}

// Duration is a time.Duration written as "5s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = Duration(DefaultTimeout)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Input is written to the hook's stdin.
type Input struct {
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	Type         string          `json:"type"`
	Message      json.RawMessage `json:"message"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Event is one event a publish hook asks to deliver to the sending user.
type Event struct {
	ThreadID string          `json:"thread_id,omitempty"`
	RunID    string          `json:"run_id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Output is read from the hook's stdout.
type Output struct {
	Events []Event `json:"events,omitempty"`
	// Error reports a failure the hook detected itself.
	Error string `json:"error,omitempty"`
}
