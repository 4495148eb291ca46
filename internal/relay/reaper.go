package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/inercia/wsrelay/internal/logging"
)

// Reaper periodically closes Active connections that have been idle for
// longer than the idle timeout.
type Reaper struct {
	registry   *Registry
	handshaker *Handshaker
	idle       time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

// NewReaper creates a reaper. A non-positive idle timeout disables reaping.
func NewReaper(registry *Registry, handshaker *Handshaker, idle, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = idle / 4
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reaper{
		registry:   registry,
		handshaker: handshaker,
		idle:       idle,
		interval:   interval,
		logger:     logging.WithComponent("reaper"),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.idle <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep closes connections idle at now and returns how many it closed.
func (r *Reaper) Sweep(now time.Time) int {
	if r.idle <= 0 {
		return 0
	}
	closed := 0
	for _, c := range r.registry.All() {
		if c.State() != StateActive {
			continue
		}
		if idle := now.Sub(c.LastActivity()); idle > r.idle {
			r.logger.Info("Closing idle connection", "connection_id", c.ID(), "user_id", c.UserID(),
				"idle", idle.Round(time.Second))
			r.handshaker.Close(c, CloseNormal, "idle timeout")
			closed++
		}
	}
	return closed
}
