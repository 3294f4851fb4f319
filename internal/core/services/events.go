package services

import (
	"sync"

	"callmesh/internal/core/domain"

	"go.uber.org/zap"
)

// EventHandler observes one engine event. Payload types are documented per
// event name in the domain package.
type EventHandler func(payload interface{})

// eventBus is the orchestrator's observer registry. It has its own lock so
// handlers never run under the engine's session lock.
type eventBus struct {
	mu       sync.Mutex
	seq      int
	handlers map[domain.EventName]map[int]EventHandler
	logger   *zap.SugaredLogger
}

// On subscribes a handler and returns its unsubscribe function. Unsubscribe
// is idempotent.
func (o *Orchestrator) On(event domain.EventName, fn EventHandler) func() {
	b := &o.events

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers == nil {
		b.handlers = make(map[domain.EventName]map[int]EventHandler)
		b.logger = o.logger
	}
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]EventHandler)
	}

	b.seq++
	id := b.seq
	b.handlers[event][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

// emit delivers the payload to every subscriber of event. A panicking handler
// is logged and skipped; the remaining handlers still run.
func (o *Orchestrator) emit(event domain.EventName, payload interface{}) {
	b := &o.events

	b.mu.Lock()
	registered := b.handlers[event]
	handlers := make([]EventHandler, 0, len(registered))
	for _, fn := range registered {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		o.dispatchOne(event, fn, payload)
	}
}

func (o *Orchestrator) dispatchOne(event domain.EventName, fn EventHandler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn(payload)
}

// emitError logs the error and raises it on the error event.
func (o *Orchestrator) emitError(err error, context string) {
	o.logger.Warnw("engine error", "context", context, "error", err)
	o.emit(domain.EventError, domain.ErrorEvent{Err: err, Context: context})
}
