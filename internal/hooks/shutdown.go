package hooks

import (
	"context"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/inercia/wsrelay/internal/config"
	"github.com/inercia/wsrelay/internal/logging"
)

// ShutdownFunc is a cleanup step. reason names what started the shutdown,
// e.g. "signal:interrupt".
type ShutdownFunc func(reason string)

// ShutdownManager runs the process teardown once, on SIGINT, SIGTERM or an
// explicit Shutdown: it stops the up hook, runs the down hook and then the
// cleanups in the order they were added.
type ShutdownManager struct {
	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	reason   string
	cleanups []ShutdownFunc
	up       *Process
	down     config.Hook
	addr     string
	stopSig  context.CancelFunc
}

func NewShutdownManager() *ShutdownManager {
	return &ShutdownManager{done: make(chan struct{})}
}

// SetHooks registers the running up hook and the down hook. addr is the
// bound listener address handed to the down hook.
func (sm *ShutdownManager) SetHooks(up *Process, down config.Hook, addr string) {
	sm.mu.Lock()
	sm.up, sm.down, sm.addr = up, down, addr
	sm.mu.Unlock()
}

func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	sm.cleanups = append(sm.cleanups, fn)
	sm.mu.Unlock()
}

// Start turns the first SIGINT or SIGTERM into a call to Shutdown.
func (sm *ShutdownManager) Start() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	sm.mu.Lock()
	sm.stopSig = stop
	sm.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-sm.done:
				// Released by Shutdown, not by a signal.
				return
			default:
			}
			logging.Shutdown().Info("Signal received")
			sm.Shutdown("signal")
		case <-sm.done:
		}
	}()
}

// Shutdown runs the teardown and returns when it has finished. Concurrent
// and later calls wait for the first one.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() { sm.run(reason) })
	<-sm.done
}

func (sm *ShutdownManager) run(reason string) {
	logger := logging.Shutdown()
	start := time.Now()
	logger.Info("Shutting down", "reason", reason)

	sm.mu.Lock()
	sm.reason = reason
	up, down, addr := sm.up, sm.down, sm.addr
	cleanups := slices.Clone(sm.cleanups)
	stopSig := sm.stopSig
	sm.mu.Unlock()

	up.Stop()
	if err := RunDown(down, addr); err != nil {
		logger.Warn("Down hook failed", "error", err)
	}
	for i, fn := range cleanups {
		logger.Debug("Cleanup", "step", i+1, "of", len(cleanups))
		fn(reason)
	}

	logger.Info("Shutdown complete", "reason", reason, "took", time.Since(start))
	close(sm.done)
	if stopSig != nil {
		stopSig()
	}
}

// Done is closed once the teardown has finished.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns what started the shutdown, or "" before it.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}
