package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 5 * time.Second
)

type DispatcherOption func(*Dispatcher)

func WithBufferSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bufferSize = n
		}
	}
}

func WithPublishTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.publishTimeout = t
		}
	}
}

// WithDropHook is called once for every event dropped because the buffer
// was full or the dispatcher was closed.
func WithDropHook(fn func(Event)) DispatcherOption {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// Dispatcher queues events in a bounded buffer and hands them to a Publisher
// from a single background goroutine.
type Dispatcher struct {
	publisher      Publisher
	logger         *zap.Logger
	bufferSize     int
	publishTimeout time.Duration
	onDrop         func(Event)

	buffer chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	// mu is held for reading around every send so Close never races one.
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(p Publisher, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		publisher:      p,
		logger:         logger,
		bufferSize:     defaultBufferSize,
		publishTimeout: defaultPublishTimeout,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.buffer = make(chan Event, d.bufferSize)

	d.wg.Add(1)
	go d.loop()
	return d
}

// Notify queues e without blocking. When the buffer is full the event is
// dropped.
func (d *Dispatcher) Notify(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(e, "dispatcher closed")
		return
	}
	select {
	case d.buffer <- e:
	default:
		d.drop(e, "buffer full")
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	d.logger.Warn("dropping billing notification",
		zap.String("reason", reason),
		zap.String("type", string(e.Type)),
		zap.String("org_id", e.OrgID),
	)
	if d.onDrop != nil {
		d.onDrop(e)
	}
}

// Close stops accepting events and delivers everything already queued.
// It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.buffer:
			d.publish(e)
		case <-d.done:
			close(d.buffer)
			for e := range d.buffer {
				d.publish(e)
			}
			return
		}
	}
}

func (d *Dispatcher) publish(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, e); err != nil {
		d.logger.Error("failed to deliver billing notification",
			zap.String("type", string(e.Type)),
			zap.String("org_id", e.OrgID),
			zap.Error(err),
		)
	}
}
