package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

// PublishStatus summarizes how a published envelope was delivered.
type PublishStatus string

const (
	StatusDelivered           PublishStatus = "delivered"
	StatusPartial             PublishStatus = "partial"
	StatusNoActiveConnections PublishStatus = "no_active_connections"
)

// PublishResult is returned by Bridge.Publish.
type PublishResult struct {
	Envelope  events.Envelope
	Status    PublishStatus
	Delivered int
	Failed    []Failure
}

// EnvelopeSink receives every published envelope after dispatch. Persist must
// not block; failures stay inside the sink.
type EnvelopeSink interface {
	Persist(env events.Envelope)
}

// BridgeOptions configure a Bridge.
type BridgeOptions struct {
	// Seed resumes numbering for keys seen before a restart. Optional.
	Seed events.SeedFunc
	// Sink is optional.
	Sink    EnvelopeSink
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Bridge is the publish API used by event sources. It numbers envelopes per
// (user, thread), dispatches them in publish order and hands them to the
// sink.
type Bridge struct {
	router    *Router
	sequencer *events.Sequencer
	sink      EnvelopeSink
	metrics   *Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(router *Router, opts BridgeOptions) *Bridge {
	if opts.Metrics == nil {
		opts.Metrics = &Metrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		router:    router,
		sequencer: events.NewSequencer(opts.Seed),
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logging.Bridge(),
	}
}

// Publish assigns the next sequence number for (userID, threadID), builds the
// envelope, dispatches it and returns it. Zero delivered targets is not an
// error: the result carries StatusNoActiveConnections. The sequence number is
// only consumed when the envelope is valid and the dispatch was not aborted
// by a routing violation.
func (b *Bridge) Publish(ctx context.Context, userID, threadID, runID string, payload events.Payload) (PublishResult, error) {
	var result PublishResult
	key := events.Key{UserID: userID, ThreadID: threadID}

	_, err := b.sequencer.Do(key, func(seq uint64) error {
		env, err := events.NewEnvelope(events.Meta{
			UserID:    userID,
			ThreadID:  threadID,
			RunID:     runID,
			Sequence:  seq,
			CreatedAt: b.now(),
		}, payload)
		if err != nil {
			return err
		}

		targets := b.router.Resolve(userID, threadID)
		dispatch, err := b.router.Dispatch(ctx, env, targets)
		if err != nil {
			return err
		}

		result = PublishResult{
			Envelope:  env,
			Status:    statusOf(dispatch),
			Delivered: dispatch.Delivered,
			Failed:    dispatch.Failed,
		}
		if b.sink != nil {
			b.sink.Persist(env)
		}
		return nil
	})
	if err != nil {
		var violation *RoutingViolationError
		if errors.As(err, &violation) {
			b.logger.Error("Publish aborted by routing violation", "key", key.String(), "error", err)
		}
		return PublishResult{}, err
	}

	b.metrics.Published.Add(1)
	b.logger.Debug("Published", "key", key.String(), "type", string(result.Envelope.Type()),
		"sequence", result.Envelope.Sequence(), "status", string(result.Status),
		"delivered", result.Delivered, "failed", len(result.Failed))
	return result, nil
}

// LastSequence returns the last sequence number assigned for the key.
func (b *Bridge) LastSequence(userID, threadID string) uint64 {
	return b.sequencer.Last(events.Key{UserID: userID, ThreadID: threadID})
}

func statusOf(r DispatchResult) PublishStatus {
	switch {
	case r.Delivered == 0:
		return StatusNoActiveConnections
	case len(r.Failed) > 0:
		return StatusPartial
	default:
		return StatusDelivered
	}
}
