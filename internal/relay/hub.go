package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

// Options configure a Hub.
type Options struct {
	Validator auth.Validator
	// Limiter is optional.
	Limiter *auth.FailureLimiter

	Handshake         HandshakeConfig
	FanoutConcurrency int
	IdleTimeout       time.Duration
	ReapInterval      time.Duration

	// Seed and Sink are optional EventStore hooks.
	Seed events.SeedFunc
	Sink EnvelopeSink

	// OnViolation is called for routing violations caught before dispatch and
	// for isolation violations observed after a write.
	OnViolation func(Violation)
}

// Hub is the composition of registry, handshake, router, bridge, isolation
// validator and reaper that one server process owns.
type Hub struct {
	registry   *Registry
	handshaker *Handshaker
	router     *Router
	bridge     *Bridge
	validator  *IsolationValidator
	reaper     *Reaper
	metrics    *Metrics
	logger     *slog.Logger

	runOnce sync.Once
	cancel  context.CancelFunc
	reaped  chan struct{}
}

// NewHub wires the delivery core.
func NewHub(opts Options) (*Hub, error) {
	if opts.Validator == nil {
		return nil, errors.New("hub requires a validator")
	}
	metrics := &Metrics{}
	registry := NewRegistry()
	validator := NewIsolationValidator(opts.OnViolation, metrics)

	handshaker, err := NewHandshaker(HandshakerOptions{
		Config:    opts.Handshake,
		Registry:  registry,
		Validator: opts.Validator,
		Limiter:   opts.Limiter,
		Observer:  validator,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	router := NewRouter(registry, RouterOptions{
		FanoutConcurrency: opts.FanoutConcurrency,
		Metrics:           metrics,
		OnViolation: func(e *RoutingViolationError) {
			if opts.OnViolation != nil {
				opts.OnViolation(Violation{
					Kind:           ViolationCrossUser,
					ConnectionID:   e.ConnectionID,
					ConnectionUser: e.ConnectionUser,
					UserID:         e.Key.UserID,
					ThreadID:       e.Key.ThreadID,
					Sequence:       e.Sequence,
					At:             time.Now(),
				})
			}
		},
	})

	return &Hub{
		registry:   registry,
		handshaker: handshaker,
		router:     router,
		bridge:     NewBridge(router, BridgeOptions{Seed: opts.Seed, Sink: opts.Sink, Metrics: metrics}),
		validator:  validator,
		reaper:     NewReaper(registry, handshaker, opts.IdleTimeout, opts.ReapInterval),
		metrics:    metrics,
		logger:     logging.WithComponent("hub"),
		reaped:     make(chan struct{}),
	}, nil
}

func (h *Hub) Registry() *Registry            { return h.registry }
func (h *Hub) Handshaker() *Handshaker        { return h.handshaker }
func (h *Hub) Router() *Router                { return h.router }
func (h *Hub) Bridge() *Bridge                { return h.bridge }
func (h *Hub) Validator() *IsolationValidator { return h.validator }
func (h *Hub) Reaper() *Reaper                { return h.reaper }
func (h *Hub) Metrics() *Metrics              { return h.metrics }

// Start launches the idle reaper. It is a no-op after the first call.
func (h *Hub) Start() {
	h.runOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go func() {
			defer close(h.reaped)
			h.reaper.Run(ctx)
		}()
	})
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int             `json:"connections"`
	Users       int             `json:"users"`
	Metrics     MetricsSnapshot `json:"metrics"`
	Gaps        uint64          `json:"gaps"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	report := h.validator.Report()
	return Stats{
		Connections: h.registry.Len(),
		Users:       h.registry.Users(),
		Metrics:     h.metrics.Snapshot(),
		Gaps:        report.Gaps,
	}
}

// Shutdown stops the reaper and closes every registered connection with
// 1001, flushing their queues. It returns ctx.Err() if ctx ends first.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.runOnce.Do(func() { close(h.reaped) })
	if h.cancel != nil {
		h.cancel()
	}

	conns := h.registry.All()
	h.logger.Info("Closing connections", "count", len(conns))

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handshaker.Close(c, CloseGoingAway, "server shutting down")
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		<-h.reaped
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
