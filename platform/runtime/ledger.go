// Package runtime is an in-process ledger host for gateway contracts: named
// accounts with balances, per-account contract storage, batched receipts,
// promise chaining and a log stream.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
)

// DefaultStorageByteCost is the price of one byte of contract storage (10^19 yocto).
var DefaultStorageByteCost = types.Pow10(19)

// DefaultRetainedTransactions bounds how many transaction outcomes stay queryable.
const DefaultRetainedTransactions = 4096

// Config configures a Ledger.
type Config struct {
	StorageByteCost types.U128
	// State backs contract storage. Defaults to an in-memory store.
	State storage.StateStore
	// Accounts persists account records when set.
	Accounts storage.AccountStore
	Logger   *logger.Logger
	Now      func() time.Time
	// RetainTransactions defaults to DefaultRetainedTransactions.
	RetainTransactions int
}

// Account is a snapshot of a ledger account.
type Account struct {
	ID           types.AccountID   `json:"account_id"`
	Balance      types.U128        `json:"balance"`
	Code         []byte            `json:"-"`
	AccessKeys   []types.PublicKey `json:"access_keys"`
	ContractName string            `json:"contract,omitempty"`

	contract Contract
}

// CodeHash is the base58 sha256 of the deployed code; 32 zero bytes when none.
func (a Account) CodeHash() string {
	if len(a.Code) == 0 {
		return base58.Encode(make([]byte, 32))
	}
	sum := sha256.Sum256(a.Code)
	return base58.Encode(sum[:])
}

func (a *Account) clone() *Account {
	c := *a
	c.Code = append([]byte(nil), a.Code...)
	c.AccessKeys = append([]types.PublicKey(nil), a.AccessKeys...)
	return &c
}

func (a *Account) record() storage.AccountRecord {
	keys := make([]string, 0, len(a.AccessKeys))
	for _, k := range a.AccessKeys {
		keys = append(keys, k.String())
	}
	return storage.AccountRecord{
		ID:         a.ID,
		Balance:    a.Balance,
		Code:       a.Code,
		AccessKeys: keys,
		Contract:   a.ContractName,
	}
}

// Transaction is a signed batch submitted from outside the ledger.
type Transaction struct {
	Signer   types.AccountID `json:"signer_id"`
	Receiver types.AccountID `json:"receiver_id"`
	Actions  []Action        `json:"actions"`
}

// ReceiptInfo identifies a receipt about to execute.
type ReceiptInfo struct {
	ID          string
	TxID        string
	Predecessor types.AccountID
	Signer      types.AccountID
	Receiver    types.AccountID
	Actions     []Action
}

// StatusDeferred marks a receipt whose result is the outcome of a promise it returned.
const StatusDeferred ResultStatus = "deferred"

// ReceiptOutcome describes the execution of one receipt.
type ReceiptOutcome struct {
	ID          string          `json:"id"`
	TxID        string          `json:"tx_id"`
	Predecessor types.AccountID `json:"predecessor_id"`
	Receiver    types.AccountID `json:"receiver_id"`
	Actions     []ActionKind    `json:"actions"`
	Method      string          `json:"method,omitempty"`
	Status      ResultStatus    `json:"status"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	Logs        []string        `json:"logs,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Outcome is the final view of a transaction once the ledger is idle.
type Outcome struct {
	TxID     string           `json:"tx_id"`
	Result   PromiseResult    `json:"result"`
	Logs     []string         `json:"logs"`
	Receipts []ReceiptOutcome `json:"receipts"`

	failure error
}

// Succeeded reports whether the transaction's final result is a success.
func (o *Outcome) Succeeded() bool { return o.Result.IsSuccess() }

// Err returns the error that failed the transaction, usually an *ExecutionError.
func (o *Outcome) Err() error { return o.failure }

// Decode unmarshals the final result value.
func (o *Outcome) Decode(v interface{}) error { return o.Result.Decode(v) }

// Observer receives every executed receipt.
type Observer func(ReceiptOutcome)

// FailureInjector lets tests make receipts fail as an external system would.
// Returning a non-nil error fails the receipt before any action applies.
type FailureInjector func(ReceiptInfo) error

type receipt struct {
	id          string
	txID        string
	predecessor types.AccountID
	signer      types.AccountID
	receiver    types.AccountID
	actions     []Action
	inputs      []PromiseResult
	next        *Promise
	origin      types.AccountID
	parent      *receipt
}

type resolution struct {
	result PromiseResult
	err    error
}

type txState struct {
	id       string
	rootID   string
	resolved bool
	res      resolution
	logs     []string
	receipts []ReceiptOutcome
}

// Ledger executes receipts one at a time in FIFO order.
type Ledger struct {
	mu       sync.Mutex
	byteCost types.U128
	state    storage.StateStore
	store    storage.AccountStore
	log      *logger.Logger
	now      func() time.Time
	retain   int

	accounts  map[types.AccountID]*Account
	queue     []*receipt
	txs       map[string]*txState
	txOrder   []string
	inject    FailureInjector
	observers []Observer
	notify    []ReceiptOutcome
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config) *Ledger {
	if cfg.StorageByteCost.IsZero() {
		cfg.StorageByteCost = DefaultStorageByteCost
	}
	if cfg.State == nil {
		cfg.State = memory.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("ledger")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetainTransactions <= 0 {
		cfg.RetainTransactions = DefaultRetainedTransactions
	}
	return &Ledger{
		byteCost: cfg.StorageByteCost,
		state:    cfg.State,
		store:    cfg.Accounts,
		log:      cfg.Logger,
		now:      cfg.Now,
		retain:   cfg.RetainTransactions,
		accounts: make(map[types.AccountID]*Account),
		txs:      make(map[string]*txState),
	}
}

// StorageByteCost reports the configured storage price.
func (l *Ledger) StorageByteCost() types.U128 { return l.byteCost }

// Restore loads persisted accounts. Contract bindings must be re-established
// with Deploy afterwards.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	records, err := l.store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore accounts: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		acct := &Account{ID: rec.ID, Balance: rec.Balance, Code: rec.Code, ContractName: rec.Contract}
		for _, k := range rec.AccessKeys {
			pk, err := types.ParsePublicKey(k)
			if err != nil {
				return 0, fmt.Errorf("restore account %s: %w", rec.ID, err)
			}
			acct.AccessKeys = append(acct.AccessKeys, pk)
		}
		if existing, ok := l.accounts[rec.ID]; ok {
			acct.contract = existing.contract
		}
		l.accounts[rec.ID] = acct
	}
	return len(records), nil
}

// CreateAccount adds a top-level or genesis account with an initial balance.
func (l *Ledger) CreateAccount(ctx context.Context, id types.AccountID, balance types.U128) error {
	if err := id.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[id]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	l.accounts[id] = &Account{ID: id, Balance: balance}
	l.persist(ctx, id)
	return nil
}

// Deploy binds a contract implementation to an existing account.
func (l *Ledger) Deploy(ctx context.Context, id types.AccountID, name string, c Contract) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acct.contract = c
	acct.ContractName = name
	l.persist(ctx, id)
	return nil
}

// Account returns a snapshot of id.
func (l *Ledger) Account(id types.AccountID) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acct.clone(), true
}

// Balance returns the balance of id, zero if it does not exist.
func (l *Ledger) Balance(id types.AccountID) types.U128 {
	acct, _ := l.Account(id)
	return acct.Balance
}

// Accounts lists every account ordered by id.
func (l *Ledger) Accounts() []Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		out = append(out, *acct.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailActions installs (or clears, with nil) a failure injector.
func (l *Ledger) FailActions(fn FailureInjector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inject = fn
}

// Subscribe registers fn for every executed receipt. Observers run after the
// ledger lock is released and may call back into the ledger.
func (l *Ledger) Subscribe(fn Observer) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Pending reports the number of queued receipts.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Submit debits the transaction's deposits from the signer and queues its
// receipt. Nothing executes until Step or Run.
func (l *Ledger) Submit(ctx context.Context, tx Transaction) (string, error) {
	if err := tx.Receiver.Validate(); err != nil {
		return "", err
	}
	if len(tx.Actions) == 0 {
		return "", fmt.Errorf("transaction has no actions")
	}
	p := &Promise{Receiver: tx.Receiver, Actions: tx.Actions}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[tx.Signer]; !ok {
		return "", fmt.Errorf("signer %s: %w", tx.Signer, ErrAccountNotFound)
	}
	if err := l.debitChain(tx.Signer, p); err != nil {
		return "", err
	}
	l.persist(ctx, tx.Signer)

	txID := uuid.NewString()
	r := l.enqueue(p, tx.Signer, tx.Signer, txID, nil, nil)
	l.trackTx(txID, r.id)
	return txID, nil
}

// Step executes the next queued receipt. It reports false when the queue is empty.
func (l *Ledger) Step(ctx context.Context) bool {
	l.mu.Lock()
	ran := l.stepLocked(ctx)
	outs := l.drainNotify()
	l.mu.Unlock()

	l.publish(outs)
	return ran
}

// Run executes receipts until the queue is empty or ctx is done.
func (l *Ledger) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.Step(ctx) {
			return nil
		}
	}
}

// Outcome returns the recorded outcome of a submitted transaction.
func (l *Ledger) Outcome(txID string) (*Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.txs[txID]
	if !ok {
		return nil, false
	}
	out := &Outcome{
		TxID:     t.id,
		Result:   t.res.result,
		Logs:     append([]string(nil), t.logs...),
		Receipts: append([]ReceiptOutcome(nil), t.receipts...),
		failure:  t.res.err,
	}
	if !t.resolved {
		out.Result = PromiseResult{Status: StatusDeferred}
	}
	return out, true
}

// Call submits a single function call and runs the ledger until idle.
func (l *Ledger) Call(ctx context.Context, signer, receiver types.AccountID, method string, args interface{}, deposit types.U128) (*Outcome, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	txID, err := l.Submit(ctx, Transaction{
		Signer:   signer,
		Receiver: receiver,
		Actions:  []Action{{Kind: ActionFunctionCall, Method: method, Args: raw, Deposit: deposit}},
	})
	if err != nil {
		return nil, err
	}
	if err := l.Run(ctx); err != nil {
		return nil, err
	}
	out, ok := l.Outcome(txID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutcomeEvicted, txID)
	}
	return out, nil
}

// View runs a read-only method. Storage writes and promises are rejected.
func (l *Ledger) View(ctx context.Context, receiver types.AccountID, method string, args interface{}) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[receiver]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, receiver)
	}
	if acct.contract == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, receiver)
	}

	inv := &invocation{
		ctx:         ctx,
		current:     receiver,
		predecessor: receiver,
		signer:      receiver,
		balance:     func() types.U128 { return acct.Balance },
		byteCost:    l.byteCost,
		input:       raw,
		view:        true,
		state:       newOverlay(l.state, receiver),
	}
	value, err := acct.contract.Invoke(inv, method)
	if err == nil && len(inv.scheduled) > 0 {
		err = ErrViewStateChange
	}
	if _, isPromise := value.(*Promise); err == nil && isPromise {
		err = ErrViewStateChange
	}
	if err != nil {
		return nil, &ExecutionError{Receiver: receiver, Method: method, Err: err}
	}
	return encodeValue(value)
}

func encodeArgs(args interface{}) ([]byte, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		return raw, nil
	}
}

func encodeValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

// --- internals (caller holds l.mu) ------------------------------------------

func (l *Ledger) debit(id types.AccountID, amount types.U128) error {
	if amount.IsZero() {
		return nil
	}
	acct, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	next, err := acct.Balance.Sub(amount)
	if err != nil {
		return insufficientBalance(id, acct.Balance, amount)
	}
	acct.Balance = next
	return nil
}

func (l *Ledger) debitChain(id types.AccountID, p *Promise) error {
	total, err := p.ChainDeposit()
	if err != nil {
		return err
	}
	return l.debit(id, total)
}

func (l *Ledger) credit(id types.AccountID, amount types.U128) error {
	acct, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	next, err := acct.Balance.Add(amount)
	if err != nil {
		return err
	}
	acct.Balance = next
	return nil
}

func (l *Ledger) enqueue(p *Promise, predecessor, signer types.AccountID, txID string, parent *receipt, inputs []PromiseResult) *receipt {
	r := &receipt{
		id:          uuid.NewString(),
		txID:        txID,
		predecessor: predecessor,
		signer:      signer,
		receiver:    p.Receiver,
		actions:     p.Actions,
		inputs:      inputs,
		next:        p.Next,
		origin:      predecessor,
		parent:      parent,
	}
	l.queue = append(l.queue, r)
	return r
}

func (l *Ledger) trackTx(txID, rootID string) {
	l.txs[txID] = &txState{id: txID, rootID: rootID}
	l.txOrder = append(l.txOrder, txID)
	if len(l.txOrder) > l.retain {
		delete(l.txs, l.txOrder[0])
		l.txOrder = l.txOrder[1:]
	}
}

func (l *Ledger) persist(ctx context.Context, ids ...types.AccountID) {
	if l.store == nil {
		return
	}
	for _, id := range ids {
		acct, ok := l.accounts[id]
		if !ok {
			continue
		}
		if err := l.store.SaveAccount(ctx, acct.record()); err != nil {
			l.log.WithError(err).WithField("account", id).Warn("persist account failed")
		}
	}
}

func (l *Ledger) drainNotify() []ReceiptOutcome {
	if len(l.observers) == 0 {
		l.notify = nil
		return nil
	}
	outs := l.notify
	l.notify = nil
	return outs
}

func (l *Ledger) publish(outs []ReceiptOutcome) {
	if len(outs) == 0 {
		return
	}
	l.mu.Lock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	for _, out := range outs {
		for _, fn := range observers {
			fn(out)
		}
	}
}

func (l *Ledger) logFields(r *receipt) logrus.Fields {
	return logrus.Fields{
		"receipt":     r.id,
		"tx":          r.txID,
		"receiver":    r.receiver,
		"predecessor": r.predecessor,
	}
}
