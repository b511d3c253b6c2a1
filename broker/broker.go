// Package broker forwards accepted readings to a message queue.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"water_monitor/logger"
	"water_monitor/metrics"
	"water_monitor/models"
)

// ErrQueueFull is returned by Forward when the delivery queue has no room
var ErrQueueFull = errors.New("forward queue full")

// DefaultQueueSize is the number of readings buffered ahead of the broker
const DefaultQueueSize = 1024

// MessageQueue publishes raw messages to a topic fixed at construction
type MessageQueue interface {
	Publish(ctx context.Context, key string, data []byte) error
	Close() error
}

// Forwarder publishes each reading as its dashboard JSON, keyed by sensor id.
// Forward only enqueues; one goroutine started by Start does the publishing.
type Forwarder struct {
	mq      MessageQueue
	timeout time.Duration
	queue   chan models.Reading

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewForwarder bounds every publish by timeout and buffers up to queueSize
// readings
func NewForwarder(mq MessageQueue, timeout time.Duration, queueSize int) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Forwarder{
		mq:      mq,
		timeout: timeout,
		queue:   make(chan models.Reading, queueSize),
	}
}

// Start launches the delivery loop; it runs until ctx is done or Close is called
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.drain(ctx, f.done)
}

// Forward queues r without waiting for the broker
func (f *Forwarder) Forward(_ context.Context, r models.Reading) error {
	select {
	case f.queue <- r:
		return nil
	default:
		return fmt.Errorf("%w: dropping reading for sensor %s", ErrQueueFull, r.SensorID)
	}
}

func (f *Forwarder) drain(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			f.flushQueued()
			return
		case r := <-f.queue:
			f.deliver(ctx, r)
		}
	}
}

// flushQueued publishes whatever is still queued within one timeout overall
func (f *Forwarder) flushQueued() {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	for {
		select {
		case r := <-f.queue:
			f.deliver(ctx, r)
		default:
			return
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, r models.Reading) {
	if err := f.publish(ctx, r); err != nil {
		metrics.ForwardFailures.Inc()
		logger.Warnf("failed to forward reading from sensor %s: %v", r.SensorID, err)
	}
}

func (f *Forwarder) publish(ctx context.Context, r models.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.mq.Publish(ctx, r.SensorID, data); err != nil {
		return fmt.Errorf("failed to publish reading for sensor %s: %w", r.SensorID, err)
	}
	return nil
}

// Close stops the delivery loop after flushing the queue, then closes the queue client
func (f *Forwarder) Close() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return f.mq.Close()
}
