// Package statebus mirrors prediction state changes to external subscribers
// (Redis pub/sub, RabbitMQ) so other processes can follow the workspace.
package statebus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/prediction"
)

// Event is one published state change.
type Event struct {
	prediction.View
	EmittedAt time.Time `json:"emitted_at"`
}

// Publisher delivers events to one backend.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

const (
	defaultCapacity       = 64
	defaultPublishTimeout = 5 * time.Second
)

// Bus queues events and publishes them from a single goroutine, in order. Listen
// never blocks; when the queue is full the event is dropped and logged.
type Bus struct {
	publishers []Publisher
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
}

// NewBus starts the publishing goroutine. Close stops it.
func NewBus(logger *zap.Logger, publishers ...Publisher) *Bus {
	b := &Bus{
		publishers: publishers,
		timeout:    defaultPublishTimeout,
		now:        time.Now,
		logger:     logger.Named("statebus"),
		events:     make(chan Event, defaultCapacity),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

// Listen is a prediction.Listener.
func (b *Bus) Listen(v prediction.View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- Event{View: v, EmittedAt: b.now().UTC()}:
	default:
		b.logger.Warn("state event dropped, queue full",
			zap.String("submission_id", v.SubmissionID),
			zap.String("phase", string(v.Phase)))
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for event := range b.events {
		for _, p := range b.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			if err := p.Publish(ctx, event); err != nil {
				b.logger.Warn("state publish failed",
					zap.String("publisher", p.Name()),
					zap.String("submission_id", event.SubmissionID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits until queued ones are published or ctx
// expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
