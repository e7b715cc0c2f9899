package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
	"github.com/tidwall/gjson"
)

const (
	// EventPrefix marks structured events in the log stream.
	EventPrefix = "EVENT_JSON:"
	// EventStandard and EventVersion identify the gateway event schema.
	EventStandard = "dev3"
	EventVersion  = "1.0.0"
)

// EventKind is the discriminator of an EventLog.
type EventKind string

const (
	EventTransferSucceeded EventKind = "payment_request_transfer_success"
	EventTransferFailed    EventKind = "payment_request_transfer_failed"
)

// Valid reports whether k is a known variant.
func (k EventKind) Valid() bool {
	return k == EventTransferSucceeded || k == EventTransferFailed
}

// PaymentRequestLog is the payload shared by both event variants.
type PaymentRequestLog struct {
	ID                string           `json:"id"`
	Memo              *string          `json:"memo,omitempty"`
	Amount            types.U128       `json:"amount"`
	SenderAccountID   types.AccountID  `json:"sender_account_id"`
	ReceiverAccountID types.AccountID  `json:"receiver_account_id"`
	FTTokenAccountID  *types.AccountID `json:"ft_token_account_id,omitempty"`
}

// EventLog is one versioned audit record.
type EventLog struct {
	Standard string            `json:"standard"`
	Version  string            `json:"version"`
	Event    EventKind         `json:"event"`
	Data     PaymentRequestLog `json:"data"`
}

// NewEventLog tags data with the gateway standard.
func NewEventLog(kind EventKind, data PaymentRequestLog) EventLog {
	return EventLog{Standard: EventStandard, Version: EventVersion, Event: kind, Data: data}
}

// paymentRequestLog builds the payload for request sent by sender. The memo is
// the request id.
func paymentRequestLog(request types.PaymentMetadata, sender types.AccountID) PaymentRequestLog {
	memo := request.ID
	return PaymentRequestLog{
		ID:                request.ID,
		Memo:              &memo,
		Amount:            request.Amount,
		SenderAccountID:   sender,
		ReceiverAccountID: request.ReceiverAccountID,
		FTTokenAccountID:  request.FTTokenAccountID,
	}
}

// String renders the log line. A serialization failure yields a line that
// still carries the prefix and the error text.
func (e EventLog) String() string {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%s{\"error\":%q}", EventPrefix, err.Error())
	}
	return EventPrefix + string(payload)
}

// Emit writes e to the host log stream.
func Emit(env runtime.Env, e EventLog) {
	env.Log(e.String())
}

// ParseEventLine extracts a gateway event from a log line. It reports false for
// lines that are not gateway events, including events of other standards.
func ParseEventLine(line string) (EventLog, bool, error) {
	if !strings.HasPrefix(line, EventPrefix) {
		return EventLog{}, false, nil
	}
	body := strings.TrimPrefix(line, EventPrefix)
	if !gjson.Valid(body) {
		return EventLog{}, false, fmt.Errorf("malformed event json")
	}

	head := gjson.GetMany(body, "standard", "event")
	if head[0].String() != EventStandard {
		return EventLog{}, false, nil
	}
	if !EventKind(head[1].String()).Valid() {
		return EventLog{}, false, fmt.Errorf("unknown event %q", head[1].String())
	}

	var e EventLog
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return EventLog{}, false, fmt.Errorf("decode event: %w", err)
	}
	return e, true, nil
}
