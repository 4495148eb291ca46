package msghooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Executor runs hooks and parses their output.
type Executor struct {
	hooksDir string
	logger   *slog.Logger
}

// NewExecutor creates a new hook executor.
func NewExecutor(hooksDir string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		hooksDir: hooksDir,
		logger:   logger,
	}
}

// Execute runs hook with input on stdin. Discard hooks return an empty
// Output.
func (e *Executor) Execute(ctx context.Context, hook *Hook, input *Input) (*Output, error) {
	timeout := hook.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare input: %w", err)
	}

	cmd := exec.CommandContext(ctx, hook.ResolveCommand(), hook.Args...)
	cmd.Dir = hook.HookDir
	cmd.Env = e.buildEnvironment(hook, input)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()

	e.logger.Debug("hook executed",
		"name", hook.Name,
		"duration", time.Since(start),
		"exit_code", cmd.ProcessState.ExitCode(),
		"stderr", stderr.String(),
	)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("hook timed out after %v", timeout)
		}
		return nil, fmt.Errorf("hook failed: %w (stderr: %s)", err, stderr.String())
	}

	if hook.Output != OutputPublish {
		return &Output{}, nil
	}
	return parseOutput(stdout.Bytes())
}

// buildEnvironment returns the process environment plus the frame context
// and the hook's own variables.
func (e *Executor) buildEnvironment(hook *Hook, input *Input) []string {
	env := os.Environ()
	vars := map[string]string{
		"WSRELAY_CONNECTION_ID": input.ConnectionID,
		"WSRELAY_USER_ID":       input.UserID,
		"WSRELAY_MESSAGE_TYPE":  input.Type,
		"WSRELAY_HOOKS_DIR":     e.hooksDir,
		"WSRELAY_HOOK_FILE":     hook.FilePath,
		"WSRELAY_HOOK_DIR":      hook.HookDir,
	}
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	for k, v := range hook.Environment {
		env = append(env, k+"="+v)
	}
	return env
}

func parseOutput(data []byte) (*Output, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Output{}, nil
	}
	var output Output
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("failed to parse hook output as JSON: %w", err)
	}
	return &output, nil
}
