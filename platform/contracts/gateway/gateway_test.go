package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/contract_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gatewayID     types.AccountID = "gateway.near"
	maintainerID  types.AccountID = "sub.maintenance.ns"
	trustedID     types.AccountID = "trusted.ns"
	trustedMember types.AccountID = "member.trusted.ns"
	aliceID       types.AccountID = "alice.near"
	bobID         types.AccountID = "bob.near"
	tokenID       types.AccountID = "usdc.near"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	ledger *runtime.Ledger
	state  *memory.Store
}

func near(n uint64) types.U128 {
	v, _ := types.Pow10(24).MulUint64(n)
	return v
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	state := memory.New()
	l := runtime.NewLedger(runtime.Config{State: state, Logger: logger.NewDiscard()})

	for _, id := range []types.AccountID{gatewayID, maintainerID, "other.maintenance.ns", trustedID, trustedMember, "deep.member.trusted.ns", aliceID, bobID, tokenID} {
		require.NoError(t, l.CreateAccount(ctx, id, near(100)))
	}

	cfg := Config{
		MaintenanceNamespace: "maintenance.ns",
		TrustedNamespace:     trustedID,
		Logger:               logger.NewDiscard(),
	}
	require.NoError(t, l.Deploy(ctx, gatewayID, "gateway", New(cfg)))
	require.NoError(t, l.Deploy(ctx, tokenID, "fungible_token", runtime.NewFungibleToken(gatewayID, types.NewU128(1000))))

	return &fixture{t: t, ctx: ctx, ledger: l, state: state}
}

func (f *fixture) call(signer types.AccountID, method string, args interface{}, deposit types.U128) *runtime.Outcome {
	f.t.Helper()
	out, err := f.ledger.Call(f.ctx, signer, gatewayID, method, args, deposit)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) publish(publisher types.AccountID, code []byte) {
	f.t.Helper()
	out := f.call(publisher, MethodUpdateStoredContract, code, types.U128{})
	require.NoError(f.t, out.Err())
}

func (f *fixture) price(publisher types.AccountID) *string {
	f.t.Helper()
	raw, err := f.ledger.View(f.ctx, gatewayID, MethodGetContractDeploymentCost, map[string]types.AccountID{"contract_id": publisher})
	require.NoError(f.t, err)
	var price *string
	require.NoError(f.t, decodeView(raw, &price))
	return price
}

func (f *fixture) publishers() []types.AccountID {
	f.t.Helper()
	raw, err := f.ledger.View(f.ctx, gatewayID, MethodGetContracts, nil)
	require.NoError(f.t, err)
	var ids []types.AccountID
	require.NoError(f.t, decodeView(raw, &ids))
	return ids
}

func (f *fixture) code(publisher types.AccountID) Code {
	f.t.Helper()
	raw, err := f.ledger.View(f.ctx, gatewayID, MethodGetContractCode, map[string]types.AccountID{"contract_id": publisher})
	require.NoError(f.t, err)
	var c Code
	require.NoError(f.t, decodeView(raw, &c))
	return c
}

func decodeView(raw []byte, v interface{}) error {
	return runtime.PromiseResult{Status: runtime.StatusSuccess, Value: raw}.Decode(v)
}

func events(t *testing.T, logs []string) []EventLog {
	t.Helper()
	var out []EventLog
	for _, line := range logs {
		e, ok, err := ParseEventLine(line)
		require.NoError(t, err)
		if ok {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// Registry and pricing
// =============================================================================

func TestPriceAbsentForUnknownPublisher(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.price(aliceID))
}

func TestPublishAndPrice(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1, 2, 3})

	price := f.price(maintainerID)
	require.NotNil(t, price)
	storage, _ := DefaultStorageByteCost.MulUint64(3)
	want, _ := storage.Add(DefaultDeployOverhead)
	assert.Equal(t, want.String(), *price)
	assert.Equal(t, "90030000000000000000000", *price)
}

func TestPriceGrowsWithCodeSize(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1, 2, 3})
	f.publish("other.maintenance.ns", []byte{1, 2, 3, 4})

	small, _ := types.ParseU128(*f.price(maintainerID))
	large, _ := types.ParseU128(*f.price("other.maintenance.ns"))
	assert.Equal(t, -1, small.Cmp(large))
}

func TestUpdateRequiresMaintenanceNamespace(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{9})

	for _, caller := range []types.AccountID{aliceID, trustedID} {
		out := f.call(caller, MethodUpdateStoredContract, []byte{1, 2}, types.U128{})
		assert.ErrorIs(t, out.Err(), ErrNotMaintainer, caller)
	}
	assert.Equal(t, []types.AccountID{maintainerID}, f.publishers())
	assert.Equal(t, Code{9}, f.code(maintainerID))
}

func TestUpdateAcceptsEmptyInput(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1, 2, 3})
	f.publish(maintainerID, nil)

	assert.Equal(t, []types.AccountID{maintainerID}, f.publishers())
	assert.Equal(t, Code{}, f.code(maintainerID))
	price := f.price(maintainerID)
	require.NotNil(t, price)
	assert.Equal(t, DefaultDeployOverhead.String(), *price)
}

func TestUpdateOverwritesOwnEntry(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1})
	f.publish(maintainerID, []byte{2, 2})

	assert.Equal(t, []types.AccountID{maintainerID}, f.publishers())
	assert.Equal(t, Code{2, 2}, f.code(maintainerID))
}

func TestGetCodeIsStable(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{7, 8, 9})
	assert.Equal(t, f.code(maintainerID), f.code(maintainerID))
	assert.Nil(t, f.code(aliceID))
}

func TestRemoveRequiresTrustedNamespace(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1})
	args := map[string]types.AccountID{"contract_id": maintainerID}

	for _, caller := range []types.AccountID{aliceID, "deep.member.trusted.ns", maintainerID} {
		out := f.call(caller, MethodRemoveContractCode, args, types.U128{})
		assert.ErrorIs(t, out.Err(), ErrNotTrusted, caller)
	}
	assert.Len(t, f.publishers(), 1)

	out := f.call(trustedMember, MethodRemoveContractCode, args, types.U128{})
	require.NoError(t, out.Err())
	assert.Empty(t, f.publishers())

	f.publish(maintainerID, []byte{1})
	out = f.call(trustedID, MethodRemoveContractCode, args, types.U128{})
	require.NoError(t, out.Err())
	assert.Empty(t, f.publishers())
}

func TestCleanIsSelfOnly(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1})
	f.publish("other.maintenance.ns", []byte{2})

	out := f.call(aliceID, MethodClean, nil, types.U128{})
	assert.ErrorIs(t, out.Err(), ErrNotOwner)
	assert.Len(t, f.publishers(), 2)

	out = f.call(gatewayID, MethodClean, nil, types.U128{})
	require.NoError(t, out.Err())
	assert.Empty(t, f.publishers())

	keys, err := f.state.StateKeys(f.ctx, gatewayID, nil)
	require.NoError(t, err)
	assert.Empty(t, keys, "clean reclaims the root key too")
}

// =============================================================================
// Factory
// =============================================================================

func TestCreateAndDeploy(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1, 2, 3})
	key := types.PublicKey{Type: types.KeyTypeED25519, Data: make([]byte, 32)}
	attached := near(1)

	out := f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "app", PublicKey: &key}, attached)
	require.NoError(t, out.Err())
	var ok bool
	require.NoError(t, out.Decode(&ok))
	assert.True(t, ok)
	assert.Contains(t, out.Logs, "Correctly created and deployed to app.gateway.near")

	acct, exists := f.ledger.Account("app.gateway.near")
	require.True(t, exists)
	assert.Equal(t, []byte{1, 2, 3}, acct.Code)
	assert.Equal(t, 0, acct.Balance.Cmp(attached))
	require.Len(t, acct.AccessKeys, 1)
	assert.True(t, acct.AccessKeys[0].Equal(key))

	assert.Equal(t, 0, f.ledger.Balance(gatewayID).Cmp(near(100)))
}

func TestCreateAndDeployWithoutKey(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1})

	out := f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "bare"}, near(1))
	require.NoError(t, out.Err())
	acct, exists := f.ledger.Account("bare.gateway.near")
	require.True(t, exists)
	assert.Empty(t, acct.AccessKeys)
}

func TestCreateAndDeployPreconditions(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1, 2, 3})

	out := f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "Bad Name"}, near(1))
	assert.ErrorIs(t, out.Err(), ErrInvalidSubaccount)

	out = f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: bobID, Name: "app"}, near(1))
	assert.ErrorIs(t, out.Err(), ErrNoCode)

	short := types.MustParseU128("29999999999999999999")
	out = f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "app"}, short)
	assert.ErrorIs(t, out.Err(), ErrInsufficientDeposit)
	assert.Contains(t, out.Err().Error(), "attach at least 30000000000000000000 yⓃ")

	assert.Equal(t, 0, f.ledger.Balance(aliceID).Cmp(near(100)), "aborted calls refund the deposit")
	_, exists := f.ledger.Account("app.gateway.near")
	assert.False(t, exists)
}

func TestCreateAndDeployRefundsOnFailure(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1, 2, 3})
	f.ledger.FailActions(func(info runtime.ReceiptInfo) error {
		if info.Receiver == "app.gateway.near" {
			return errors.New("create account rejected")
		}
		return nil
	})

	out := f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "app"}, near(2))
	require.NoError(t, out.Err())
	var ok bool
	require.NoError(t, out.Decode(&ok))
	assert.False(t, ok)

	assert.Contains(t, out.Logs, "Error creating app.gateway.near, returning 2000000000000000000000000yⓃ to alice.near")
	assert.Equal(t, 0, f.ledger.Balance(aliceID).Cmp(near(100)))
	assert.Equal(t, 0, f.ledger.Balance(gatewayID).Cmp(near(100)))
}

func TestCreateAndDeployExistingAccountRefunds(t *testing.T) {
	f := newFixture(t)
	f.publish(maintainerID, []byte{1})
	first := f.call(aliceID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "app"}, near(1))
	require.NoError(t, first.Err())

	second := f.call(bobID, MethodCreateAndDeploy, CreateAndDeployArgs{ContractID: maintainerID, Name: "app"}, near(3))
	var ok bool
	require.NoError(t, second.Decode(&ok))
	assert.False(t, ok)
	assert.Equal(t, 0, f.ledger.Balance(bobID).Cmp(near(100)))
}

func TestDeployCallbackIsPrivate(t *testing.T) {
	f := newFixture(t)
	out := f.call(aliceID, MethodCreateAndDeployCallback, DeployCallbackArgs{Account: "app.gateway.near", User: aliceID, Attached: near(50)}, types.U128{})
	assert.ErrorIs(t, out.Err(), ErrPrivateMethod)
	assert.Equal(t, 0, f.ledger.Balance(aliceID).Cmp(near(100)))
}

// =============================================================================
// Payments
// =============================================================================

func nativeRequest(id string, amount uint64) types.PaymentMetadata {
	return types.PaymentMetadata{ID: id, Amount: types.NewU128(amount), ReceiverAccountID: bobID}
}

func TestTransferNativeSuccess(t *testing.T) {
	f := newFixture(t)
	request := nativeRequest("r1", 100)

	out := f.call(aliceID, MethodTransferFunds, TransferFundsArgs{Request: request}, types.NewU128(100))
	require.NoError(t, out.Err())
	var ok bool
	require.NoError(t, out.Decode(&ok))
	assert.True(t, ok)

	want, _ := near(100).Add(types.NewU128(100))
	assert.Equal(t, 0, f.ledger.Balance(bobID).Cmp(want))
	assert.Equal(t, 0, f.ledger.Balance(gatewayID).Cmp(near(100)))
	assert.Contains(t, out.Logs, "Transferring funds for request ID: r1")
	assert.Contains(t, out.Logs, "Transferring 100 yNEAR from alice.near to account bob.near")

	evs := events(t, out.Logs)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTransferSucceeded, evs[0].Event)
	assert.Equal(t, "100", evs[0].Data.Amount.String())
	assert.Equal(t, aliceID, evs[0].Data.SenderAccountID)
	assert.Equal(t, bobID, evs[0].Data.ReceiverAccountID)
	assert.Nil(t, evs[0].Data.FTTokenAccountID)
}

func TestTransferNativeRequiresExactDeposit(t *testing.T) {
	f := newFixture(t)
	for _, deposit := range []uint64{99, 101} {
		out := f.call(aliceID, MethodTransferFunds, TransferFundsArgs{Request: nativeRequest("r1", 100)}, types.NewU128(deposit))
		assert.ErrorIs(t, out.Err(), ErrInsufficientDeposit)
		assert.Empty(t, events(t, out.Logs))
	}
	assert.Equal(t, 0, f.ledger.Balance(aliceID).Cmp(near(100)))
}

func TestTransferNativeFailureRefundsInitiator(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailActions(func(info runtime.ReceiptInfo) error {
		if info.Receiver == bobID {
			return errors.New("receiver rejected transfer")
		}
		return nil
	})
	before := f.ledger.Balance(aliceID)

	out := f.call(aliceID, MethodTransferFunds, TransferFundsArgs{Request: nativeRequest("r1", 100)}, types.NewU128(100))
	require.NoError(t, out.Err())
	var ok bool
	require.NoError(t, out.Decode(&ok))
	assert.False(t, ok)

	assert.Equal(t, 0, f.ledger.Balance(aliceID).Cmp(before))
	assert.Equal(t, 0, f.ledger.Balance(bobID).Cmp(near(100)))
	assert.Equal(t, 0, f.ledger.Balance(gatewayID).Cmp(near(100)))
	assert.Contains(t, out.Logs, "Failed to transfer to account bob.near. Returning attached deposit of 100 to alice.near")

	evs := events(t, out.Logs)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTransferFailed, evs[0].Event)
	assert.Equal(t, "r1", evs[0].Data.ID)
}

func TestEveryRequestEmitsExactlyOneEvent(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailActions(func(info runtime.ReceiptInfo) error {
		if info.Receiver == bobID && info.Actions[0].Deposit.Cmp(types.NewU128(2)) == 0 {
			return errors.New("rejected")
		}
		return nil
	})

	seen := map[string]int{}
	for i, amount := range []uint64{1, 2, 3, 2} {
		id := string(rune('a' + i))
		out := f.call(aliceID, MethodTransferFunds, TransferFundsArgs{Request: nativeRequest(id, amount)}, types.NewU128(amount))
		for _, e := range events(t, out.Logs) {
			seen[e.Data.ID]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, seen)
}

func tokenRequest(id string, amount uint64) types.PaymentMetadata {
	token := tokenID
	return types.PaymentMetadata{ID: id, Amount: types.NewU128(amount), ReceiverAccountID: bobID, FTTokenAccountID: &token}
}

func tokenBalance(t *testing.T, f *fixture, id types.AccountID) string {
	t.Helper()
	raw, err := f.ledger.View(f.ctx, tokenID, "ft_balance_of", map[string]types.AccountID{"account_id": id})
	require.NoError(t, err)
	var v types.U128
	require.NoError(t, v.UnmarshalJSON(raw))
	return v.String()
}

func TestTransferTokenSuccess(t *testing.T) {
	f := newFixture(t)
	fee := near(1)

	out := f.call(aliceID, MethodTransferFunds, TransferFundsArgs{Request: tokenRequest("t1", 250)}, fee)
	require.NoError(t, out.Err())
	var ok bool
	require.NoError(t, out.Decode(&ok))
	assert.True(t, ok)

	assert.Equal(t, "250", tokenBalance(t, f, bobID))
	assert.Equal(t, "750", tokenBalance(t, f, gatewayID))

	evs := events(t, out.Logs)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTransferSucceeded, evs[0].Event)
	require.NotNil(t, evs[0].Data.FTTokenAccountID)
	assert.Equal(t, tokenID, *evs[0].Data.FTTokenAccountID)
}

func TestTransferTokenFailureRefundsNativeAmount(t *testing.T) {
	f := newFixture(t)
	fee := near(1)

	out := f.call(aliceID, MethodTransferFunds, TransferFundsArgs{Request: tokenRequest("t2", 5000)}, fee)
	require.NoError(t, out.Err())
	var ok bool
	require.NoError(t, out.Decode(&ok))
	assert.False(t, ok)

	assert.Equal(t, "0", tokenBalance(t, f, bobID))
	assert.Equal(t, "1000", tokenBalance(t, f, gatewayID))

	// The native refund is the request amount, not the attached fee.
	spent, _ := near(100).Sub(fee)
	want, _ := spent.Add(types.NewU128(5000))
	assert.Equal(t, 0, f.ledger.Balance(aliceID).Cmp(want))

	evs := events(t, out.Logs)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTransferFailed, evs[0].Event)
	assert.Contains(t, out.Logs, "Refund for request t2 is paid in the native asset, token usdc.near is not reversed")
}

func TestTransferCallbackIsPrivate(t *testing.T) {
	f := newFixture(t)
	args := TransferCallbackArgs{Request: nativeRequest("r1", 100), PredecessorAccountID: aliceID}

	out := f.call(aliceID, MethodOnTransferForRequest, args, types.U128{})
	assert.ErrorIs(t, out.Err(), ErrPrivateMethod)
	assert.Empty(t, events(t, out.Logs))
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	out := f.call(aliceID, "steal", nil, types.U128{})
	assert.ErrorIs(t, out.Err(), runtime.ErrMethodNotFound)
}
