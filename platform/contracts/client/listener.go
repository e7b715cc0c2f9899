package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/internal/httputil"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/gorilla/websocket"
)

// =============================================================================
// Event Listener
// =============================================================================

// EventListener follows the node event stream and dispatches transfer events
// to handlers. It reconnects until stopped.
type EventListener struct {
	mu     sync.RWMutex
	config ListenerConfig
	log    *logger.Logger

	successHandlers []TransferHandler
	failureHandlers []TransferHandler

	running  bool
	received uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

// ListenerConfig configures the event listener.
type ListenerConfig struct {
	// BaseURL is the node API root; http(s) is rewritten to ws(s).
	BaseURL string
	APIKey  string
	// RequestID narrows the stream to one payment request.
	RequestID string
	// ReconnectDelay is the pause between connection attempts.
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *logger.Logger
}

// TransferHandler handles a transfer outcome event.
type TransferHandler func(ctx context.Context, event events.Event) error

// NewEventListener creates a new event listener.
func NewEventListener(config ListenerConfig) *EventListener {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	log := config.Logger
	if log == nil {
		log = logger.NewDefault("event-listener")
	}
	return &EventListener{config: config, log: log}
}

// OnTransferSucceeded registers a handler for successful payments.
func (l *EventListener) OnTransferSucceeded(handler TransferHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successHandlers = append(l.successHandlers, handler)
}

// OnTransferFailed registers a handler for failed, refunded payments.
func (l *EventListener) OnTransferFailed(handler TransferHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureHandlers = append(l.failureHandlers, handler)
}

// StreamURL returns the websocket endpoint the listener dials.
func (l *EventListener) StreamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(l.config.BaseURL, "/") + "/events/ws")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if l.config.RequestID != "" {
		q := u.Query()
		q.Set("request_id", l.config.RequestID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Start connects and begins dispatching. The first connection must succeed.
func (l *EventListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener already running")
	}
	l.mu.Unlock()

	endpoint, err := l.StreamURL()
	if err != nil {
		return err
	}
	conn, err := l.dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.run(runCtx, endpoint, conn, done)
	return nil
}

// Stop stops the listener and waits for the read loop to exit.
func (l *EventListener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

// IsRunning returns whether the listener is running.
func (l *EventListener) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Received returns the number of events dispatched so far.
func (l *EventListener) Received() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.received
}

func (l *EventListener) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	header := http.Header{}
	if l.config.APIKey != "" {
		header.Set(httputil.APIKeyHeader, l.config.APIKey)
	}
	conn, resp, err := l.config.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (l *EventListener) run(ctx context.Context, endpoint string, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		l.consume(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.config.ReconnectDelay):
			}
			next, err := l.dial(ctx, endpoint)
			if err == nil {
				conn = next
				break
			}
			l.log.WithError(err).Warn("event stream reconnect failed")
		}
	}
}

// consume reads until the connection drops or ctx ends.
func (l *EventListener) consume(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		var event events.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() == nil {
				l.log.WithError(err).Warn("event stream closed")
			}
			return
		}
		l.handleEvent(ctx, event)
	}
}

// handleEvent dispatches an event to the appropriate handlers.
func (l *EventListener) handleEvent(ctx context.Context, event events.Event) {
	l.mu.Lock()
	l.received++
	var handlers []TransferHandler
	switch event.Kind {
	case gateway.EventTransferSucceeded:
		handlers = append(handlers, l.successHandlers...)
	case gateway.EventTransferFailed:
		handlers = append(handlers, l.failureHandlers...)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			l.log.WithError(err).WithField("request_id", event.RequestID()).Warn("event handler failed")
		}
	}
}

// =============================================================================
// Request Tracker
// =============================================================================

// RequestStatus is the lifecycle state of a tracked payment.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusSucceeded RequestStatus = "succeeded"
	RequestStatusFailed    RequestStatus = "failed"
)

// RequestTracker tracks pending payment requests until the gateway reports
// their outcome.
type RequestTracker struct {
	mu       sync.RWMutex
	requests map[string]*TrackedRequest
}

// TrackedRequest represents a tracked payment request.
type TrackedRequest struct {
	RequestID   string
	CreatedAt   time.Time
	CompletedAt time.Time
	Status      RequestStatus
	Event       *events.Event
}

// NewRequestTracker creates a new request tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[string]*TrackedRequest),
	}
}

// Attach completes tracked requests from l's events.
func (t *RequestTracker) Attach(l *EventListener) {
	l.OnTransferSucceeded(func(_ context.Context, e events.Event) error {
		t.Complete(e)
		return nil
	})
	l.OnTransferFailed(func(_ context.Context, e events.Event) error {
		t.Complete(e)
		return nil
	})
}

// Track adds a request to tracking.
func (t *RequestTracker) Track(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.requests[requestID]; ok {
		return
	}
	t.requests[requestID] = &TrackedRequest{
		RequestID: requestID,
		CreatedAt: time.Now(),
		Status:    RequestStatusPending,
	}
}

// Complete records the outcome carried by event. Untracked requests are ignored.
func (t *RequestTracker) Complete(event events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[event.RequestID()]
	if !ok || req.Status != RequestStatusPending {
		return
	}
	if event.Kind == gateway.EventTransferSucceeded {
		req.Status = RequestStatusSucceeded
	} else {
		req.Status = RequestStatusFailed
	}
	req.CompletedAt = time.Now()
	e := event
	req.Event = &e
}

// Get retrieves a copy of a tracked request.
func (t *RequestTracker) Get(requestID string) (TrackedRequest, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	req, ok := t.requests[requestID]
	if !ok {
		return TrackedRequest{}, false
	}
	return *req, true
}

// Pending returns the ids still waiting for an outcome.
func (t *RequestTracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var pending []string
	for id, req := range t.requests {
		if req.Status == RequestStatusPending {
			pending = append(pending, id)
		}
	}
	return pending
}

// Cleanup removes completed requests older than maxAge and returns how many.
func (t *RequestTracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, req := range t.requests {
		if req.Status != RequestStatusPending && req.CompletedAt.Before(cutoff) {
			delete(t.requests, id)
			removed++
		}
	}
	return removed
}
