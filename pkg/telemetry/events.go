package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// EventSubscriber handles plan execution events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event is delivered to a subscriber.
type EventFilter func(event engine.Event) bool

// EventPublisher delivers plan execution events asynchronously to the log and
// to subscribers. It implements engine.EventPublisher.
type EventPublisher struct {
	logger      zerolog.Logger
	metrics     *Metrics
	lifecycle   string
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher and starts its delivery loop.
// metrics may be nil.
func NewEventPublisher(logger zerolog.Logger, metrics *Metrics, bufferSize int) *EventPublisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ep := &EventPublisher{
		logger:  logger.With().Str("component", "events").Logger(),
		metrics: metrics,
		buffer:  make(chan engine.Event, bufferSize),
	}
	ep.wg.Add(1)
	go ep.processEvents()
	return ep
}

// SetLifecycle labels task metrics with the lifecycle being applied.
func (ep *EventPublisher) SetLifecycle(lifecycle string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.lifecycle = lifecycle
}

// Publish queues an event. It blocks when the buffer is full.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	select {
	case ep.buffer <- *event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	lifecycle := ep.lifecycle
	ep.mu.RUnlock()

	level := zerolog.DebugLevel
	switch event.Type {
	case engine.EventTaskFailed:
		level = zerolog.ErrorLevel
		ep.metrics.RecordPlanTask(lifecycle, "failed")
	case engine.EventTaskCompleted:
		ep.metrics.RecordPlanTask(lifecycle, "completed")
	case engine.EventServiceChange:
		level = zerolog.InfoLevel
	case engine.EventRetry:
		level = zerolog.WarnLevel
	}
	ep.logger.WithLevel(level).
		Str("type", string(event.Type)).
		Str("task", event.TaskID).
		Str("service", event.Service).
		Msg(event.Message)

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains queued events and stops delivery.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.closeOnce.Do(func() { close(ep.buffer) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType delivers only events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByService delivers only events of one service.
func FilterByService(service string) EventFilter {
	return func(event engine.Event) bool {
		return event.Service == service
	}
}
