package relay

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/wsrelay/internal/logging"
)

// InboundMessage is a client frame this package does not interpret. It is
// forwarded as-is to the event source.
type InboundMessage struct {
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	Type         string          `json:"type"`
	Raw          json.RawMessage `json:"raw"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// InboundHandler receives forwarded client frames.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// LogInboundHandler logs forwarded frames and drops them.
func LogInboundHandler(logger *slog.Logger) InboundHandler {
	return InboundHandlerFunc(func(_ context.Context, msg InboundMessage) error {
		logger.Debug("Inbound message", "connection_id", msg.ConnectionID, "user_id", msg.UserID,
			"type", msg.Type, "size", len(msg.Raw))
		return nil
	})
}

// Default inbound pool sizing.
const (
	DefaultInboundWorkers   = 8
	DefaultInboundQueueSize = 64
)

// InboundPool runs inbound frame handlers on a fixed set of workers. Tasks
// are sharded by connection id, so the frames of one connection run in
// submission order.
type InboundPool struct {
	mu     sync.RWMutex
	closed bool
	shards []chan func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewInboundPool starts workers goroutines, each with a queue of queueSize.
func NewInboundPool(workers, queueSize int) *InboundPool {
	if workers <= 0 {
		workers = DefaultInboundWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultInboundQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &InboundPool{
		shards: make([]chan func(context.Context), workers),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.WithComponent("inbound"),
	}
	for i := range p.shards {
		ch := make(chan func(context.Context), queueSize)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.work(ch)
	}
	return p
}

func (p *InboundPool) work(ch chan func(context.Context)) {
	defer p.wg.Done()
	for task := range ch {
		p.run(task)
	}
}

func (p *InboundPool) run(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Inbound task panicked", "panic", r)
		}
	}()
	task(p.ctx)
}

// Submit queues task on the shard of connectionID without blocking. It
// returns ErrPoolBusy when that shard is full and ErrPoolClosed after Stop.
func (p *InboundPool) Submit(connectionID string, task func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	h := fnv.New32a()
	h.Write([]byte(connectionID))
	select {
	case p.shards[h.Sum32()%uint32(len(p.shards))] <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Stop refuses new tasks, lets queued tasks finish and waits for the workers.
// Tasks observe a cancelled context once ctx is done.
func (p *InboundPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
