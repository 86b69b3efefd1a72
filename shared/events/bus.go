/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Handler is a function that processes events of type T.
// Handlers run on the publishing goroutine and should return quickly.
type Handler[T Event] func(ctx context.Context, event T) error

// dispatch is a handler with its event type erased
type dispatch func(ctx context.Context, event Event) error

// EventBus carries pipeline events from stages to observers such as metrics.
// It is safe for concurrent use. A nil *EventBus accepts and drops events.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]dispatch
	logger   logr.Logger
}

// NewEventBus creates a new event bus with the given logger.
func NewEventBus(logger logr.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]dispatch),
		logger:   logger,
	}
}

// Subscribe registers a handler for events of type T.
// Multiple handlers can be registered for the same event type; they are
// called in registration order.
func Subscribe[T Event](bus *EventBus, handler Handler[T]) {
	var zero T
	eventType := zero.Type()

	d := func(ctx context.Context, event Event) error {
		e, ok := event.(T)
		if !ok {
			return fmt.Errorf("event %s has type %T, handler expects %T", eventType, event, zero)
		}
		return handler(ctx, e)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], d)
	bus.logger.V(1).Info("handler subscribed", "eventType", eventType)
}

// Publish sends an event to all subscribed handlers, one after another.
// A failing or panicking handler is logged and does not stop the others;
// the returned error joins every handler failure.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	handlers := b.handlers[event.Type()]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.V(2).Info("no handlers for event", "type", event.Type())
		return nil
	}
	b.logger.V(1).Info("publishing event", "type", event.Type(), "handlerCount", len(handlers))

	var errs []error
	for i, h := range handlers {
		if err := invoke(ctx, h, event); err != nil {
			b.logger.Error(err, "handler failed", "type", event.Type(), "handlerIndex", i)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, h dispatch, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event.Type(), r)
		}
	}()
	return h(ctx, event)
}

// HandlerCount returns the number of handlers registered for an event type.
func (b *EventBus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
