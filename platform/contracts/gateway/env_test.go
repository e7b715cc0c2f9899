package gateway

import (
	"bytes"
	"context"
	"sort"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

// fakeEnv is a bare Env for unit tests that do not need a ledger.
type fakeEnv struct {
	current     types.AccountID
	predecessor types.AccountID
	deposit     types.U128
	byteCost    types.U128
	input       []byte
	results     []runtime.PromiseResult
	state       map[string][]byte
	scheduled   []*runtime.Promise
	logs        []string
}

func newFakeEnv(current, predecessor types.AccountID) *fakeEnv {
	return &fakeEnv{
		current:     current,
		predecessor: predecessor,
		byteCost:    types.Pow10(19),
		state:       make(map[string][]byte),
	}
}

func (f *fakeEnv) Context() context.Context              { return context.Background() }
func (f *fakeEnv) CurrentAccountID() types.AccountID     { return f.current }
func (f *fakeEnv) PredecessorAccountID() types.AccountID { return f.predecessor }
func (f *fakeEnv) SignerAccountID() types.AccountID      { return f.predecessor }
func (f *fakeEnv) AttachedDeposit() types.U128           { return f.deposit }
func (f *fakeEnv) AccountBalance() types.U128            { return types.Pow10(30) }
func (f *fakeEnv) StorageByteCost() types.U128           { return f.byteCost }
func (f *fakeEnv) Input() []byte                         { return f.input }
func (f *fakeEnv) IsView() bool                          { return false }
func (f *fakeEnv) PromiseResults() []runtime.PromiseResult {
	return f.results
}

func (f *fakeEnv) StorageRead(key []byte) ([]byte, bool, error) {
	v, ok := f.state[string(key)]
	return v, ok, nil
}

func (f *fakeEnv) StorageWrite(key, value []byte) error {
	f.state[string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeEnv) StorageRemove(key []byte) error {
	delete(f.state, string(key))
	return nil
}

func (f *fakeEnv) StorageHasKey(key []byte) (bool, error) {
	_, ok := f.state[string(key)]
	return ok, nil
}

func (f *fakeEnv) StorageKeys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	for k := range f.state {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, []byte(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

func (f *fakeEnv) Schedule(p *runtime.Promise) { f.scheduled = append(f.scheduled, p) }
func (f *fakeEnv) Log(msg string)              { f.logs = append(f.logs, msg) }
