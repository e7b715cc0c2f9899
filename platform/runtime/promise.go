package runtime

import (
	"encoding/json"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

// ActionKind names an action carried by a receipt.
type ActionKind string

const (
	ActionCreateAccount    ActionKind = "create_account"
	ActionTransfer         ActionKind = "transfer"
	ActionDeployContract   ActionKind = "deploy_contract"
	ActionAddFullAccessKey ActionKind = "add_full_access_key"
	ActionFunctionCall     ActionKind = "function_call"
)

// Action is one step of a batch. Only the fields relevant to Kind are set.
type Action struct {
	Kind      ActionKind       `json:"kind"`
	Deposit   types.U128       `json:"deposit"`
	Code      []byte           `json:"code,omitempty"`
	PublicKey *types.PublicKey `json:"public_key,omitempty"`
	Method    string           `json:"method,omitempty"`
	Args      json.RawMessage  `json:"args,omitempty"`
}

// Promise is a batch of actions addressed to one receiver, optionally followed by
// further promises that run once it resolves. The next promise in the chain
// receives the outcome of the previous one as its PromiseResults.
type Promise struct {
	Receiver types.AccountID `json:"receiver_id"`
	Actions  []Action        `json:"actions"`
	Next     *Promise        `json:"then,omitempty"`
}

// NewPromise starts an empty batch for receiver.
func NewPromise(receiver types.AccountID) *Promise {
	return &Promise{Receiver: receiver}
}

func (p *Promise) add(a Action) *Promise {
	p.Actions = append(p.Actions, a)
	return p
}

// CreateAccount creates the receiver. Must be issued by the receiver's parent.
func (p *Promise) CreateAccount() *Promise {
	return p.add(Action{Kind: ActionCreateAccount})
}

// Transfer moves amount from the scheduling account to the receiver.
func (p *Promise) Transfer(amount types.U128) *Promise {
	return p.add(Action{Kind: ActionTransfer, Deposit: amount})
}

// DeployContract installs code on the receiver.
func (p *Promise) DeployContract(code []byte) *Promise {
	return p.add(Action{Kind: ActionDeployContract, Code: append([]byte(nil), code...)})
}

// AddFullAccessKey grants key full access to the receiver.
func (p *Promise) AddFullAccessKey(key types.PublicKey) *Promise {
	k := key
	return p.add(Action{Kind: ActionAddFullAccessKey, PublicKey: &k})
}

// FunctionCall invokes method on the receiver's contract with JSON args.
func (p *Promise) FunctionCall(method string, args []byte, deposit types.U128) *Promise {
	return p.add(Action{Kind: ActionFunctionCall, Method: method, Args: append(json.RawMessage(nil), args...), Deposit: deposit})
}

// Then appends next at the end of the chain and returns the head.
func (p *Promise) Then(next *Promise) *Promise {
	tail := p
	for tail.Next != nil {
		tail = tail.Next
	}
	tail.Next = next
	return p
}

// Deposit sums the value carried by this batch only.
func (p *Promise) Deposit() (types.U128, error) {
	var total types.U128
	for _, a := range p.Actions {
		var err error
		if total, err = total.Add(a.Deposit); err != nil {
			return types.U128{}, err
		}
	}
	return total, nil
}

// ChainDeposit sums the value carried by every batch in the chain.
func (p *Promise) ChainDeposit() (types.U128, error) {
	var total types.U128
	for cur := p; cur != nil; cur = cur.Next {
		d, err := cur.Deposit()
		if err != nil {
			return types.U128{}, err
		}
		if total, err = total.Add(d); err != nil {
			return types.U128{}, err
		}
	}
	return total, nil
}

// Len reports the number of batches in the chain.
func (p *Promise) Len() int {
	n := 0
	for cur := p; cur != nil; cur = cur.Next {
		n++
	}
	return n
}

// ResultStatus is the outcome of a resolved receipt.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
)

// PromiseResult is delivered to continuations.
type PromiseResult struct {
	Status ResultStatus    `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsSuccess reports whether the promise succeeded.
func (r PromiseResult) IsSuccess() bool { return r.Status == StatusSuccess }

// Decode unmarshals a successful result value into v.
func (r PromiseResult) Decode(v interface{}) error {
	if !r.IsSuccess() {
		return &PromiseFailedError{Reason: r.Error}
	}
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

func success(value json.RawMessage) PromiseResult {
	return PromiseResult{Status: StatusSuccess, Value: value}
}

func failure(err error) PromiseResult {
	return PromiseResult{Status: StatusFailure, Error: err.Error()}
}
