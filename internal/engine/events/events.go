// Package events keeps the recent gateway events decoded from receipt logs
// and fans them out to subscribers such as websocket streams.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/google/uuid"
)

// Event is one EVENT_JSON line together with the receipt that emitted it.
type Event struct {
	ID        string            `json:"id"`
	Kind      gateway.EventKind `json:"event"`
	Timestamp time.Time         `json:"timestamp"`

	// Receipt context
	TxID      string          `json:"tx_id,omitempty"`
	ReceiptID string          `json:"receipt_id,omitempty"`
	Emitter   types.AccountID `json:"emitter,omitempty"`

	Data gateway.PaymentRequestLog `json:"data"`
}

// RequestID returns the payment request the event belongs to.
func (e Event) RequestID() string { return e.Data.ID }

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be processed.
type Filter func(Event) bool

// Feed is the interface for recording and following gateway events.
type Feed interface {
	// Log records an event.
	Log(event Event)

	// Subscribe registers a handler for events.
	Subscribe(handler Handler) func()

	// SubscribeFiltered registers a handler with a filter.
	SubscribeFiltered(filter Filter, handler Handler) func()

	// Recent returns the most recent N events.
	Recent(n int) []Event

	// RecentByRequest returns recent events for one payment request.
	RecentByRequest(requestID string, n int) []Event

	// RecentByKind returns recent events of one variant.
	RecentByKind(kind gateway.EventKind, n int) []Event
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a new event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent N events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByRequest returns recent events for one payment request.
func (rb *RingBuffer) RecentByRequest(requestID string, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Data.ID == requestID })
}

// RecentByKind returns recent events of one variant.
func (rb *RingBuffer) RecentByKind(kind gateway.EventKind, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Kind == kind })
}

func (rb *RingBuffer) collect(n int, keep Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

// FromLog builds an event from a decoded EVENT_JSON line.
func FromLog(log gateway.EventLog) Event {
	return Event{Kind: log.Event, Data: log.Data}
}

// NoOpFeed discards all events.
type NoOpFeed struct{}

func (NoOpFeed) Log(Event)                                   {}
func (NoOpFeed) Subscribe(Handler) func()                    { return func() {} }
func (NoOpFeed) SubscribeFiltered(Filter, Handler) func()    { return func() {} }
func (NoOpFeed) Recent(int) []Event                          { return nil }
func (NoOpFeed) RecentByRequest(string, int) []Event         { return nil }
func (NoOpFeed) RecentByKind(gateway.EventKind, int) []Event { return nil }

var (
	_ Feed = (*RingBuffer)(nil)
	_ Feed = NoOpFeed{}
)
