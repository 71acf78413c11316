// Package notify publishes governance events to external sinks.
//
// Delivery is at most once. A failed publish is reported to the caller but
// never undoes the ledger entry the event describes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// DefaultTimeout bounds a single publish.
const DefaultTimeout = 5 * time.Second

// Event is the envelope every sink emits.
type Event struct {
	EventID   string              `json:"event_id"`
	EventType contracts.EventType `json:"event_type"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   map[string]any      `json:"payload,omitempty"`
}

func newEvent(eventType contracts.EventType, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (e Event) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s: %w", e.EventType, err)
	}
	return data, nil
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, eventType contracts.EventType, payload map[string]any) error {
	args := make([]any, 0, 2+2*len(payload))
	args = append(args, "event_type", string(eventType))
	for k, v := range payload {
		args = append(args, k, v)
	}
	s.logger.InfoContext(ctx, "governance event", args...)
	return nil
}

// Multi fans an event out to every sink, each under its own timeout.
type Multi struct {
	sinks   []contracts.Notifier
	timeout time.Duration
}

// NewMulti creates a fan-out notifier. A zero timeout uses DefaultTimeout.
func NewMulti(timeout time.Duration, sinks ...contracts.Notifier) *Multi {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Multi{sinks: sinks, timeout: timeout}
}

func (m *Multi) Publish(ctx context.Context, eventType contracts.EventType, payload map[string]any) error {
	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Add(1)
		go func(i int, s contracts.Notifier) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			errs[i] = s.Publish(sctx, eventType, payload)
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Async hands events to a background worker so publishers never wait on a
// sink. Events are dropped when the queue is full.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Async struct {
	inner   contracts.Notifier
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewAsync starts the worker. Close stops it after draining the queue.
func NewAsync(inner contracts.Notifier, queueSize int, timeout time.Duration) *Async {
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan Event, queueSize),
		timeout: timeout,
		logger:  slog.Default().With("component", "notify"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Publish(ctx, ev.EventType, ev.Payload); err != nil {
			a.logger.Warn("notification failed", "event_type", ev.EventType, "error", err)
		}
		cancel()
	}
}

// Publish enqueues the event and returns immediately.
func (a *Async) Publish(_ context.Context, eventType contracts.EventType, payload map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("notify: publisher closed")
	}
	select {
	case a.queue <- newEvent(eventType, payload):
		return nil
	default:
		a.dropped++
		return fmt.Errorf("notify: queue full, %s dropped", eventType)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close drains pending events and stops the worker.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
