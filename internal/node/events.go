package node

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventNetworkStatus = "network_status"
	EventIncomingData  = "incoming_data"
	EventOTAState      = "ota_state"
	EventTimeSync      = "time_sync"
	EventRequestFailed = "request_failed"
)

// EventTypes lists every event type the node emits.
var EventTypes = []string{EventNetworkStatus, EventIncomingData, EventOTAState, EventTimeSync, EventRequestFailed}

// Event is published on the bus.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans node events out to subscribers.
type EventBus struct {
	mu     sync.RWMutex
	byType map[string]map[uint64]EventHandler
	all    map[uint64]EventHandler
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		byType: make(map[string]map[uint64]EventHandler),
		all:    make(map[uint64]EventHandler),
		logger: logger,
	}
}

// On subscribes handler to one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.byType[eventType] == nil {
		eb.byType[eventType] = make(map[uint64]EventHandler)
	}
	eb.byType[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.byType[eventType], id)
	}
}

// OnAll subscribes handler to every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.all[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.all, id)
	}
}

// Emit calls the matching handlers synchronously. A zero Time is set to now.
// A panicking handler is logged and skipped.
func (eb *EventBus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.byType[ev.Type])+len(eb.all))
	for _, h := range eb.byType[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.all {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, ev)
	}
}

func (eb *EventBus) call(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
