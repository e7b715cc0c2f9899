package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

type applied struct {
	method   string
	value    json.RawMessage
	deferred *Promise
	logs     []string
}

func (l *Ledger) stepLocked(ctx context.Context) bool {
	if len(l.queue) == 0 {
		return false
	}
	r := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.execute(ctx, r)
	return true
}

func (l *Ledger) execute(ctx context.Context, r *receipt) {
	out := ReceiptOutcome{
		ID:          r.id,
		TxID:        r.txID,
		Predecessor: r.predecessor,
		Receiver:    r.receiver,
		ExecutedAt:  l.now().UTC(),
	}
	for _, a := range r.actions {
		out.Actions = append(out.Actions, a.Kind)
		if a.Kind == ActionFunctionCall && out.Method == "" {
			out.Method = a.Method
		}
	}

	var (
		res applied
		err error
	)
	if l.inject != nil {
		err = l.inject(ReceiptInfo{
			ID:          r.id,
			TxID:        r.txID,
			Predecessor: r.predecessor,
			Signer:      r.signer,
			Receiver:    r.receiver,
			Actions:     r.actions,
		})
		if err != nil {
			err = &ExecutionError{Receiver: r.receiver, Method: out.Method, Err: err}
		}
	}
	if err == nil {
		res, err = l.apply(ctx, r)
	}
	out.Logs = res.logs

	for _, msg := range res.logs {
		l.log.WithFields(l.logFields(r)).Debug(msg)
	}

	if err != nil {
		l.refund(ctx, r)
		out.Status = StatusFailure
		out.Error = err.Error()
		l.record(out)
		l.log.WithFields(l.logFields(r)).WithError(err).Debug("receipt failed")
		l.resolve(r, resolution{result: failure(err), err: err})
		return
	}

	if res.deferred != nil {
		out.Status = StatusDeferred
		l.record(out)
		l.enqueue(res.deferred, r.receiver, r.signer, r.txID, r, nil)
		return
	}

	out.Status = StatusSuccess
	out.Value = res.value
	l.record(out)
	l.resolve(r, resolution{result: success(res.value)})
}

// apply runs every action of the receipt against the receiver. Any error
// restores the receiver to its state before the receipt.
func (l *Ledger) apply(ctx context.Context, r *receipt) (res applied, err error) {
	acct := l.accounts[r.receiver]
	existed := acct != nil
	var snapshot *Account
	if existed {
		snapshot = acct.clone()
	}
	state := newOverlay(l.state, r.receiver)
	var scheduled []*Promise

	defer func() {
		if err == nil {
			return
		}
		if existed {
			l.accounts[r.receiver] = snapshot
		} else {
			delete(l.accounts, r.receiver)
		}
	}()

	for idx, a := range r.actions {
		if a.Kind != ActionCreateAccount && acct == nil {
			return res, &ExecutionError{Receiver: r.receiver, Err: fmt.Errorf("%w: %s", ErrAccountNotFound, r.receiver)}
		}

		switch a.Kind {
		case ActionCreateAccount:
			if acct != nil {
				return res, &ExecutionError{Receiver: r.receiver, Err: fmt.Errorf("%w: %s", ErrAccountExists, r.receiver)}
			}
			if !r.receiver.IsDirectSubAccountOf(r.predecessor) {
				return res, &ExecutionError{Receiver: r.receiver, Err: fmt.Errorf("%w: %s by %s", ErrNotParent, r.receiver, r.predecessor)}
			}
			acct = &Account{ID: r.receiver}
			l.accounts[r.receiver] = acct

		case ActionTransfer:
			if acct.Balance, err = acct.Balance.Add(a.Deposit); err != nil {
				return res, &ExecutionError{Receiver: r.receiver, Err: err}
			}

		case ActionDeployContract:
			acct.Code = append([]byte(nil), a.Code...)

		case ActionAddFullAccessKey:
			if a.PublicKey == nil {
				return res, &ExecutionError{Receiver: r.receiver, Err: fmt.Errorf("add key: missing public key")}
			}
			for _, k := range acct.AccessKeys {
				if k.Equal(*a.PublicKey) {
					return res, &ExecutionError{Receiver: r.receiver, Err: fmt.Errorf("%w: %s", ErrDuplicateKey, k)}
				}
			}
			acct.AccessKeys = append(acct.AccessKeys, *a.PublicKey)

		case ActionFunctionCall:
			if acct.Balance, err = acct.Balance.Add(a.Deposit); err != nil {
				return res, &ExecutionError{Receiver: r.receiver, Method: a.Method, Err: err}
			}
			if acct.contract == nil {
				return res, &ExecutionError{Receiver: r.receiver, Method: a.Method, Err: ErrNoContract}
			}

			current := acct
			inv := &invocation{
				ctx:         ctx,
				current:     r.receiver,
				predecessor: r.predecessor,
				signer:      r.signer,
				deposit:     a.Deposit,
				balance:     func() types.U128 { return current.Balance },
				byteCost:    l.byteCost,
				input:       a.Args,
				state:       state,
				results:     r.inputs,
			}
			value, callErr := acct.contract.Invoke(inv, a.Method)
			res.logs = append(res.logs, inv.logs...)
			if callErr != nil {
				return res, &ExecutionError{Receiver: r.receiver, Method: a.Method, Err: callErr}
			}
			scheduled = append(scheduled, inv.scheduled...)
			res.method = a.Method

			last := idx == len(r.actions)-1
			if p, ok := value.(*Promise); ok {
				if last {
					res.deferred = p
				} else {
					scheduled = append(scheduled, p)
				}
				continue
			}
			if last {
				if res.value, err = encodeValue(value); err != nil {
					return res, &ExecutionError{Receiver: r.receiver, Method: a.Method, Err: err}
				}
			}

		default:
			return res, &ExecutionError{Receiver: r.receiver, Err: fmt.Errorf("unknown action %q", a.Kind)}
		}
	}

	// Promises created by the receiver are paid from its balance up front.
	outgoing := scheduled
	if res.deferred != nil {
		outgoing = append(outgoing, res.deferred)
	}
	for _, p := range outgoing {
		if err = l.debitChain(r.receiver, p); err != nil {
			return res, &ExecutionError{Receiver: r.receiver, Method: res.method, Err: err}
		}
	}

	if err = state.commit(ctx); err != nil {
		return res, &ExecutionError{Receiver: r.receiver, Method: res.method, Err: fmt.Errorf("commit state: %w", err)}
	}
	l.persist(ctx, r.receiver)

	for _, p := range scheduled {
		l.enqueue(p, r.receiver, r.signer, r.txID, nil, nil)
	}
	return res, nil
}

// refund returns the value carried by a failed receipt to its predecessor.
func (l *Ledger) refund(ctx context.Context, r *receipt) {
	total, err := (&Promise{Actions: r.actions}).Deposit()
	if err != nil || total.IsZero() {
		return
	}
	if err := l.credit(r.predecessor, total); err != nil {
		l.log.WithFields(l.logFields(r)).WithError(err).Warn("refund of failed receipt lost")
		return
	}
	l.persist(ctx, r.predecessor)
}

// resolve delivers a receipt's result to the next batch of its chain, or to
// the receipt that returned the chain.
func (l *Ledger) resolve(r *receipt, res resolution) {
	if t, ok := l.txs[r.txID]; ok && t.rootID == r.id {
		t.res = res
		t.resolved = true
	}

	switch {
	case r.next != nil:
		l.enqueue(r.next, r.origin, r.signer, r.txID, r.parent, []PromiseResult{res.result})
	case r.parent != nil:
		l.resolve(r.parent, res)
	}
}

func (l *Ledger) record(out ReceiptOutcome) {
	if t, ok := l.txs[out.TxID]; ok {
		t.receipts = append(t.receipts, out)
		t.logs = append(t.logs, out.Logs...)
	}
	l.notify = append(l.notify, out)
}
