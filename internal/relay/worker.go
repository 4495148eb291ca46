package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/wsrelay/internal/events"
)

// OverflowPolicy decides what Enqueue does when the queue is full.
type OverflowPolicy string

const (
	// RejectNewest refuses the new frame, preserving causal order of what is queued.
	RejectNewest OverflowPolicy = "reject_newest"
	// DropOldest discards the oldest queued frame to make room.
	DropOldest OverflowPolicy = "drop_oldest"
)

// DefaultQueueCapacity is the outbound queue size when none is configured.
const DefaultQueueCapacity = 256

// WorkerConfig configures a DeliveryWorker.
type WorkerConfig struct {
	QueueCapacity int
	Policy        OverflowPolicy
	// PingPeriod is the interval between transport pings. Zero disables pings.
	PingPeriod time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Policy == "" {
		c.Policy = RejectNewest
	}
	return c
}

// DeliveryObserver is told about every envelope written to a socket and about
// connections that finished closing.
type DeliveryObserver interface {
	Delivered(c *Connection, env events.Envelope)
	Closed(connectionID string)
}

type outbound struct {
	env   events.Envelope
	frame []byte
}

// Worker is the single writer of one Active connection. It owns the bounded
// outbound queue and writes frames in FIFO order.
type Worker struct {
	conn      *Connection
	transport Transport
	cfg       WorkerConfig
	observer  DeliveryObserver
	metrics   *Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	queue  chan outbound
	closed bool

	stopOnce    sync.Once
	stop        chan struct{}
	closeCode   int
	closeReason string

	done      chan struct{}
	err       error
	onFailure func(error)
}

func newWorker(c *Connection, t Transport, cfg WorkerConfig, observer DeliveryObserver, metrics *Metrics, logger *slog.Logger, onFailure func(error)) *Worker {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Worker{
		conn:      c,
		transport: t,
		cfg:       cfg,
		observer:  observer,
		metrics:   metrics,
		logger:    logger,
		queue:     make(chan outbound, cfg.QueueCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
}

// Enqueue queues an envelope without blocking.
func (w *Worker) Enqueue(env events.Envelope) error {
	if env.IsZero() {
		return fmt.Errorf("%w: zero envelope", events.ErrInvalidEnvelope)
	}
	return w.push(outbound{env: env})
}

// Send queues a raw frame without blocking.
func (w *Worker) Send(frame []byte) error {
	return w.push(outbound{frame: frame})
}

func (w *Worker) push(item outbound) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("%w: %s is closing", ErrConnectionNotReady, w.conn.id)
	}

	select {
	case w.queue <- item:
		return nil
	default:
	}

	if w.cfg.Policy == DropOldest {
		select {
		case <-w.queue:
			w.metrics.Dropped.Add(1)
			w.logger.Warn("Outbound queue full, dropped oldest frame", "capacity", w.cfg.QueueCapacity)
		default:
		}
		select {
		case w.queue <- item:
			return nil
		default:
		}
	}

	w.metrics.QueueFull.Add(1)
	w.logger.Warn("Outbound queue full, rejecting frame", "capacity", w.cfg.QueueCapacity)
	return &QueueFullError{ConnectionID: w.conn.id, Capacity: w.cfg.QueueCapacity}
}

// Len returns the number of queued frames.
func (w *Worker) Len() int { return len(w.queue) }

// Done is closed when the write loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the write error that stopped the loop, if any. Valid after Done.
func (w *Worker) Err() error { return w.err }

// Stop refuses further frames and asks the loop to flush the queue, write a
// close frame with code and reason, and exit.
func (w *Worker) Stop(code int, reason string) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.closeCode, w.closeReason = code, reason
		w.mu.Unlock()
		close(w.stop)
	})
}

func (w *Worker) run() {
	defer func() {
		close(w.done)
		if w.err != nil && w.onFailure != nil {
			w.onFailure(w.err)
		}
	}()

	var tick <-chan time.Time
	if w.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(w.cfg.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case item := <-w.queue:
			if err := w.write(item); err != nil {
				w.fail(err)
				return
			}
		case <-tick:
			if err := w.transport.WritePing(); err != nil {
				w.fail(err)
				return
			}
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *Worker) write(item outbound) error {
	frame := item.frame
	if frame == nil {
		var err error
		frame, err = events.Encode(item.env)
		if err != nil {
			// An unencodable envelope is dropped; the socket is still usable.
			w.logger.Error("Failed to encode envelope", "error", err)
			return nil
		}
	}
	if err := w.transport.WriteMessage(frame); err != nil {
		return err
	}
	w.conn.Touch()
	if !item.env.IsZero() {
		w.metrics.Written.Add(1)
		if w.observer != nil {
			w.observer.Delivered(w.conn, item.env)
		}
	}
	return nil
}

// flush writes whatever is still queued, then the close frame.
func (w *Worker) flush() {
	for {
		select {
		case item := <-w.queue:
			if err := w.write(item); err != nil {
				w.logger.Debug("Write failed while flushing", "error", err)
				w.discard()
				return
			}
		default:
			w.mu.Lock()
			code, reason := w.closeCode, w.closeReason
			w.mu.Unlock()
			if err := w.transport.WriteClose(code, reason); err != nil {
				w.logger.Debug("Failed to write close frame", "error", err)
			}
			return
		}
	}
}

// fail records a write error and discards the rest of the queue.
func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.err = err
	w.metrics.WriteFailures.Add(1)
	n := w.discard()
	w.logger.Warn("Write failed, closing connection", "error", err, "discarded", n)
}

func (w *Worker) discard() int {
	n := 0
	for {
		select {
		case <-w.queue:
			n++
		default:
			return n
		}
	}
}
