package runtime

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

// Contract is a program bound to an account. Invoke runs one method; returning a
// *Promise defers the method's result to the outcome of that promise chain, any
// other value is JSON-encoded as the result. A non-nil error aborts the
// invocation and discards its state changes.
type Contract interface {
	Invoke(env Env, method string) (interface{}, error)
}

// Env is the host surface visible to a single contract invocation.
type Env interface {
	Context() context.Context

	CurrentAccountID() types.AccountID
	PredecessorAccountID() types.AccountID
	SignerAccountID() types.AccountID
	AttachedDeposit() types.U128
	AccountBalance() types.U128
	StorageByteCost() types.U128
	Input() []byte
	IsView() bool

	StorageRead(key []byte) ([]byte, bool, error)
	StorageWrite(key, value []byte) error
	StorageRemove(key []byte) error
	StorageHasKey(key []byte) (bool, error)
	StorageKeys(prefix []byte) ([][]byte, error)

	// PromiseResults holds the outcomes of the batches this invocation was
	// chained after. Empty for direct calls.
	PromiseResults() []PromiseResult
	// Schedule queues a detached promise that runs after this invocation commits.
	Schedule(p *Promise)
	Log(msg string)
}

// DecodeArgs unmarshals the invocation input into v.
func DecodeArgs(env Env, v interface{}) error {
	input := env.Input()
	if len(input) == 0 {
		return ErrMissingArgs
	}
	return json.Unmarshal(input, v)
}

// PromiseSucceeded reports whether every chained-after batch succeeded.
func PromiseSucceeded(env Env) bool {
	results := env.PromiseResults()
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.IsSuccess() {
			return false
		}
	}
	return true
}

// invocation implements Env for one function call.
type invocation struct {
	ctx         context.Context
	current     types.AccountID
	predecessor types.AccountID
	signer      types.AccountID
	deposit     types.U128
	balance     func() types.U128
	byteCost    types.U128
	input       []byte
	view        bool
	state       *overlay
	results     []PromiseResult
	scheduled   []*Promise
	logs        []string
}

var _ Env = (*invocation)(nil)

func (i *invocation) Context() context.Context              { return i.ctx }
func (i *invocation) CurrentAccountID() types.AccountID     { return i.current }
func (i *invocation) PredecessorAccountID() types.AccountID { return i.predecessor }
func (i *invocation) SignerAccountID() types.AccountID      { return i.signer }
func (i *invocation) AttachedDeposit() types.U128           { return i.deposit }
func (i *invocation) AccountBalance() types.U128            { return i.balance() }
func (i *invocation) StorageByteCost() types.U128           { return i.byteCost }
func (i *invocation) Input() []byte                         { return i.input }
func (i *invocation) IsView() bool                          { return i.view }

func (i *invocation) PromiseResults() []PromiseResult {
	return append([]PromiseResult(nil), i.results...)
}

func (i *invocation) StorageRead(key []byte) ([]byte, bool, error) {
	return i.state.read(i.ctx, key)
}

func (i *invocation) StorageWrite(key, value []byte) error {
	if i.view {
		return ErrViewStateChange
	}
	i.state.write(key, value)
	return nil
}

func (i *invocation) StorageRemove(key []byte) error {
	if i.view {
		return ErrViewStateChange
	}
	i.state.remove(key)
	return nil
}

func (i *invocation) StorageHasKey(key []byte) (bool, error) {
	_, ok, err := i.state.read(i.ctx, key)
	return ok, err
}

func (i *invocation) StorageKeys(prefix []byte) ([][]byte, error) {
	return i.state.keys(i.ctx, prefix)
}

func (i *invocation) Schedule(p *Promise) {
	if p != nil {
		i.scheduled = append(i.scheduled, p)
	}
}

func (i *invocation) Log(msg string) {
	i.logs = append(i.logs, msg)
}
