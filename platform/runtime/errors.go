package runtime

import (
	"errors"
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

var (
	ErrAccountNotFound     = errors.New("account does not exist")
	ErrAccountExists       = errors.New("account already exists")
	ErrNotParent           = errors.New("only the parent account can create a sub-account")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoContract          = errors.New("account has no executable contract")
	ErrMethodNotFound      = errors.New("method not found")
	ErrViewStateChange     = errors.New("state changes are not allowed in a view call")
	ErrDuplicateKey        = errors.New("access key already exists")
	ErrMissingArgs         = errors.New("missing arguments")
	ErrOutcomeEvicted      = errors.New("transaction outcome no longer retained")
)

// ExecutionError reports a fatal abort of a receipt.
type ExecutionError struct {
	Receiver types.AccountID
	Method   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("receipt to %s failed: %v", e.Receiver, e.Err)
	}
	return fmt.Sprintf("%s.%s failed: %v", e.Receiver, e.Method, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PromiseFailedError is returned when decoding the value of a failed promise.
type PromiseFailedError struct {
	Reason string
}

func (e *PromiseFailedError) Error() string {
	return "promise failed: " + e.Reason
}

func insufficientBalance(account types.AccountID, available, required types.U128) error {
	return fmt.Errorf("%w: %s available %s, required %s", ErrInsufficientBalance, account, available, required)
}
