// Package hooks runs the server lifecycle hooks and coordinates graceful
// shutdown. Hooks are shell commands: the up hook starts once the listener is
// bound, the down hook runs during shutdown.
package hooks

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/inercia/wsrelay/internal/config"
	"github.com/inercia/wsrelay/internal/logging"
)

// Process manages a running up hook.
// It is safe for concurrent use.
type Process struct {
	name string
	cmd  *exec.Cmd
	mu   sync.Mutex
	done bool
	exit chan struct{}
}

// Expand replaces ${LISTEN} and ${PORT} in command with the bound address.
// Other variables come from the environment.
func Expand(command, addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = ""
	}
	return os.Expand(command, func(name string) string {
		switch name {
		case "LISTEN":
			return addr
		case "PORT":
			return port
		}
		return os.Getenv(name)
	})
}

func hookName(hook config.Hook, fallback string) string {
	if hook.Name != "" {
		return hook.Name
	}
	return fallback
}

// StartUp starts the up hook asynchronously. It returns nil when no command
// is configured or the command cannot be started.
func StartUp(hook config.Hook, addr string) *Process {
	if hook.Command == "" {
		return nil
	}

	logger := logging.Hook()
	name := hookName(hook, "up")
	command := Expand(hook.Command, addr)
	logger.Info("Starting up hook", "name", name, "command", command)

	// A new process group lets Stop terminate children too.
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logger.Error("Failed to start up hook", "name", name, "error", err)
		return nil
	}
	logger.Debug("Up hook started", "name", name, "pid", cmd.Process.Pid)

	p := &Process{name: name, cmd: cmd, exit: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
		close(p.exit)

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			logger.Info("Up hook completed", "name", name)
		case errors.As(err, &exitErr) && exitErr.ExitCode() == -1:
			logger.Debug("Up hook killed by signal", "name", name)
		default:
			logger.Error("Up hook exited with error", "name", name, "error", err)
		}
	}()
	return p
}

// Exited is closed once the hook process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exit
}

// Stop sends SIGTERM to the hook's process group. It is safe to call on a
// nil Process.
func (p *Process) Stop() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.cmd.Process == nil {
		return
	}

	if pgid, err := syscall.Getpgid(p.cmd.Process.Pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	} else {
		_ = p.cmd.Process.Kill()
	}

	logging.Hook().Info("Stopped up hook", "name", p.name)
	p.done = true
}

// RunDown runs the down hook and waits for it. An empty command is a no-op.
func RunDown(hook config.Hook, addr string) error {
	if hook.Command == "" {
		return nil
	}

	logger := logging.Hook()
	name := hookName(hook, "down")
	command := Expand(hook.Command, addr)
	logger.Info("Running down hook", "name", name, "command", command)

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		logger.Error("Down hook failed", "name", name, "error", err)
		return fmt.Errorf("down hook %s: %w", name, err)
	}
	logger.Info("Down hook completed", "name", name)
	return nil
}
