// Package observer follows executed receipts, decodes the gateway events in
// their logs and fans them out to the audit store, the live feed and metrics.
package observer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/metrics"
	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

// Handler receives every decoded gateway event.
type Handler func(ctx context.Context, event events.Event) error

// Config configures the observer.
type Config struct {
	// StoreTimeout bounds a single audit write.
	StoreTimeout time.Duration
}

// Observer turns receipt outcomes into gateway events.
type Observer struct {
	mu       sync.RWMutex
	store    storage.EventStore
	feed     events.Feed
	log      *logger.Logger
	config   Config
	handlers []Handler
}

// New creates an observer. A nil feed discards live events.
func New(store storage.EventStore, feed events.Feed, log *logger.Logger, config Config) *Observer {
	if feed == nil {
		feed = events.NoOpFeed{}
	}
	if log == nil {
		log = logger.NewDefault("observer")
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	return &Observer{store: store, feed: feed, log: log, config: config}
}

// OnEvent registers a handler for decoded events.
func (o *Observer) OnEvent(handler Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, handler)
}

// Attach subscribes the observer to every receipt the ledger executes.
func (o *Observer) Attach(l *runtime.Ledger) {
	l.Subscribe(o.Observe)
}

// Observe processes one receipt outcome.
func (o *Observer) Observe(out runtime.ReceiptOutcome) {
	metrics.RecordReceipt(out.Method, string(out.Status))

	if out.Method == gateway.MethodCreateAndDeployCallback && out.Status == runtime.StatusSuccess {
		var created bool
		if err := json.Unmarshal(out.Value, &created); err == nil {
			metrics.RecordDeployment(created)
			if !created {
				metrics.RecordRefund("deploy_failed")
			}
		}
	}

	for _, line := range out.Logs {
		decoded, ok, err := gateway.ParseEventLine(line)
		if err != nil {
			o.log.WithField("receipt_id", out.ID).WithError(err).Warn("skipping malformed gateway event")
			continue
		}
		if !ok {
			continue
		}
		o.dispatch(out, decoded)
	}
}

func (o *Observer) dispatch(out runtime.ReceiptOutcome, decoded gateway.EventLog) {
	event := events.FromLog(decoded)
	event.TxID = out.TxID
	event.ReceiptID = out.ID
	event.Emitter = out.Receiver
	event.Timestamp = out.ExecutedAt

	entry := o.log.WithField("request_id", event.RequestID()).WithField("event", event.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), o.config.StoreTimeout)
	defer cancel()

	if o.store != nil {
		payload, err := json.Marshal(decoded)
		if err == nil {
			var rec storage.EventRecord
			rec, err = o.store.AppendEvent(ctx, storage.EventRecord{
				ReceiptID: out.ID,
				Event:     string(decoded.Event),
				RequestID: decoded.Data.ID,
				Payload:   payload,
				CreatedAt: out.ExecutedAt,
			})
			event.ID = rec.ID
		}
		if err != nil {
			entry.WithError(err).Error("persist gateway event")
		}
	}

	o.feed.Log(event)

	asset := "native"
	if decoded.Data.FTTokenAccountID != nil {
		asset = "ft"
	}
	metrics.RecordTransferEvent(string(decoded.Event), asset)
	if decoded.Event == gateway.EventTransferFailed {
		metrics.RecordRefund("payment_failed")
	}

	o.mu.RLock()
	handlers := append([]Handler(nil), o.handlers...)
	o.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			entry.WithError(err).Warn("event handler failed")
		}
	}
	entry.Debug("observed gateway event")
}
