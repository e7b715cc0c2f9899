// Package storage defines the persistence contracts used by the sandbox ledger.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Write is one mutation of a contract's key-value state. Delete takes precedence
// over Value.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// StateStore persists per-account contract state.
type StateStore interface {
	GetState(ctx context.Context, account types.AccountID, key []byte) ([]byte, bool, error)
	// StateKeys returns the keys under prefix in ascending byte order.
	StateKeys(ctx context.Context, account types.AccountID, prefix []byte) ([][]byte, error)
	// ApplyState commits all writes or none of them.
	ApplyState(ctx context.Context, account types.AccountID, writes []Write) error
}

// AccountRecord is the persisted form of a ledger account.
type AccountRecord struct {
	ID         types.AccountID `json:"id" db:"account_id"`
	Balance    types.U128      `json:"balance" db:"-"`
	Code       []byte          `json:"code,omitempty" db:"code"`
	AccessKeys []string        `json:"access_keys,omitempty" db:"-"`
	Contract   string          `json:"contract,omitempty" db:"contract"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// AccountStore persists ledger accounts.
type AccountStore interface {
	SaveAccount(ctx context.Context, rec AccountRecord) error
	GetAccount(ctx context.Context, id types.AccountID) (AccountRecord, error)
	ListAccounts(ctx context.Context) ([]AccountRecord, error)
}

// EventRecord is a gateway event observed in a receipt's log stream.
type EventRecord struct {
	ID        string          `json:"id" db:"id"`
	ReceiptID string          `json:"receipt_id" db:"receipt_id"`
	Event     string          `json:"event" db:"event"`
	RequestID string          `json:"request_id" db:"request_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// EventStore keeps the audit trail of gateway events.
type EventStore interface {
	AppendEvent(ctx context.Context, rec EventRecord) (EventRecord, error)
	// ListEvents returns events oldest first; an empty requestID lists everything.
	ListEvents(ctx context.Context, requestID string, limit int) ([]EventRecord, error)
}

// Store is the full backend consumed by the application.
type Store interface {
	StateStore
	AccountStore
	EventStore
}
