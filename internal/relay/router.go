package relay

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

// DefaultFanoutConcurrency bounds the goroutines one Dispatch uses.
const DefaultFanoutConcurrency = 16

// Failure is one target that did not accept an envelope.
type Failure struct {
	ConnectionID string `json:"connection_id"`
	Err          error  `json:"-"`
	Reason       string `json:"reason"`
}

// DispatchResult summarizes one Dispatch call.
type DispatchResult struct {
	Delivered int
	Failed    []Failure
}

// FailedIDs returns the ids of the failed targets.
func (r DispatchResult) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ConnectionID
	}
	return ids
}

// Router resolves the connections an envelope is addressed to and hands it
// to their workers.
type Router struct {
	registry    *Registry
	concurrency int
	onViolation func(*RoutingViolationError)
	metrics     *Metrics
	logger      *slog.Logger
}

// RouterOptions configure a Router.
type RouterOptions struct {
	FanoutConcurrency int
	// OnViolation is called for every cross-user routing violation.
	OnViolation func(*RoutingViolationError)
	Metrics     *Metrics
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts RouterOptions) *Router {
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = &Metrics{}
	}
	return &Router{
		registry:    registry,
		concurrency: opts.FanoutConcurrency,
		onViolation: opts.OnViolation,
		metrics:     opts.Metrics,
		logger:      logging.Router(),
	}
}

// Resolve returns the connections of userID subscribed to threadID, or all of
// the user's connections when threadID is empty.
func (r *Router) Resolve(userID, threadID string) []*Connection {
	if threadID == "" {
		return r.registry.ConnectionsForUser(userID)
	}
	return r.registry.ConnectionsForThread(userID, threadID)
}

// Dispatch enqueues env on every target concurrently. A failing target never
// affects the others. A target owned by another user fails the whole dispatch
// with a *RoutingViolationError before anything is enqueued.
func (r *Router) Dispatch(ctx context.Context, env events.Envelope, targets []*Connection) (DispatchResult, error) {
	for _, c := range targets {
		if owner := c.UserID(); owner != env.UserID() {
			violation := &RoutingViolationError{
				ConnectionID:   c.ID(),
				ConnectionUser: owner,
				Key:            env.Key(),
				Sequence:       env.Sequence(),
			}
			r.metrics.Violations.Add(1)
			r.logger.Error("Cross-user routing violation", "connection_id", violation.ConnectionID,
				"connection_user", owner, "event_user", env.UserID(), "thread_id", env.ThreadID(),
				"sequence", env.Sequence())
			if r.onViolation != nil {
				r.onViolation(violation)
			}
			return DispatchResult{}, violation
		}
	}

	var (
		mu     sync.Mutex
		result DispatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, c := range targets {
		g.Go(func() error {
			err := gctx.Err()
			if err == nil {
				err = r.deliver(c, env)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, Failure{ConnectionID: c.ID(), Err: err, Reason: err.Error()})
				return nil
			}
			result.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.Delivered.Add(uint64(result.Delivered))
	r.metrics.DeliveryFailed.Add(uint64(len(result.Failed)))
	if len(result.Failed) > 0 {
		r.logger.Debug("Partial dispatch", "key", env.Key().String(), "sequence", env.Sequence(),
			"delivered", result.Delivered, "failed", len(result.Failed))
	}
	return result, nil
}

func (r *Router) deliver(c *Connection, env events.Envelope) error {
	// Targets come from an earlier Resolve; the subscription may have been
	// dropped since. Such a target fails instead of receiving the event.
	if env.ThreadID() != "" && !r.registry.IsSubscribed(c, env.ThreadID()) {
		return ErrNotSubscribed
	}
	return c.Enqueue(env)
}
