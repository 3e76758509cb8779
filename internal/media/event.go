package media

import (
	"sync"
	"time"
)

// EventType names a notification raised by a stream engine.
type EventType string

const (
	// EventMore asks the producer for more input.
	EventMore EventType = "more"
	// EventEnded is terminal and raised at most once per engine.
	EventEnded EventType = "ended"
	// EventDropped reports an item whose resolution failed.
	EventDropped EventType = "dropped"
	// EventIdle reports that an idle watchdog stopped a loop.
	EventIdle EventType = "idle"
	// EventOpened reports that a buffered sink was opened with a content type.
	EventOpened EventType = "opened"
)

// Event is delivered to subscribers of an Emitter.
type Event struct {
	Type          EventType
	ReceivedTotal int
	PlayedTotal   int
	Seq           int
	Reason        string
	Time          time.Time
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event)

// Emitter fans events out to subscribers.
type Emitter struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[int]Listener)}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter) Subscribe(fn Listener) (cancel func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Emit stamps evt and delivers it to every current subscriber.
func (e *Emitter) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.RUnlock()

	for _, fn := range listeners {
		fn(evt)
	}
}
