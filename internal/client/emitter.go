package client

import (
	"encoding/json"
	"sync"
)

// Handler consumes the raw payload of one event. Handlers decode their own
// payloads so a malformed event only affects the subscriber that saw it.
type Handler func(data json.RawMessage)

// Emitter is a per-event-name subscription registry with unsubscribe
// handles, so cleanup on conversation switch or teardown is structural
// rather than a lifecycle convention.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]Handler)}
}

// On registers fn for event and returns its unsubscribe handle. The handle
// is safe to call more than once.
func (e *Emitter) On(event string, fn Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]Handler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[event][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Emit invokes every handler registered for event on the caller's
// goroutine. Invocation order between handlers is not specified.
func (e *Emitter) Emit(event string, data json.RawMessage) {
	e.mu.RLock()
	snapshot := make([]Handler, 0, len(e.handlers[event]))
	for _, fn := range e.handlers[event] {
		snapshot = append(snapshot, fn)
	}
	e.mu.RUnlock()

	for _, fn := range snapshot {
		fn(data)
	}
}
