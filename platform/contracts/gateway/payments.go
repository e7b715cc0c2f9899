package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

// TransferFundsArgs are the arguments of transfer_funds.
type TransferFundsArgs struct {
	Request types.PaymentMetadata `json:"request"`
}

// TransferCallbackArgs is the pending payment carried to on_transfer_for_request.
type TransferCallbackArgs struct {
	Request              types.PaymentMetadata `json:"request"`
	PredecessorAccountID types.AccountID       `json:"predecessor_account_id"`
}

func (c *Contract) transferFunds(env runtime.Env) (interface{}, error) {
	var args TransferFundsArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}
	request := args.Request
	env.Log(fmt.Sprintf("Transferring funds for request ID: %s", request.ID))

	if request.IsNative() && env.AttachedDeposit().Cmp(request.Amount) != 0 {
		return nil, ErrInsufficientDeposit
	}

	cbArgs, err := json.Marshal(TransferCallbackArgs{
		Request:              request,
		PredecessorAccountID: env.PredecessorAccountID(),
	})
	if err != nil {
		return nil, err
	}
	callback := runtime.NewPromise(env.CurrentAccountID()).
		FunctionCall(MethodOnTransferForRequest, cbArgs, types.U128{})

	if request.IsNative() {
		return runtime.NewPromise(request.ReceiverAccountID).
			Transfer(request.Amount).
			Then(callback), nil
	}

	register, err := json.Marshal(map[string]types.AccountID{"account_id": request.ReceiverAccountID})
	if err != nil {
		return nil, err
	}
	transfer, err := json.Marshal(struct {
		ReceiverID types.AccountID `json:"receiver_id"`
		Amount     types.U128      `json:"amount"`
		Msg        string          `json:"msg"`
	}{request.ReceiverAccountID, request.Amount, request.ID})
	if err != nil {
		return nil, err
	}

	return runtime.NewPromise(*request.FTTokenAccountID).
		FunctionCall("storage_deposit", register, c.cfg.FTStorageDeposit).
		FunctionCall("ft_transfer_call", transfer, ftTransferCallDeposit).
		Then(callback), nil
}

func (c *Contract) onTransferForRequest(env runtime.Env) (interface{}, error) {
	if err := assertSelf(env); err != nil {
		return nil, err
	}
	var args TransferCallbackArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}
	request, initiator := args.Request, args.PredecessorAccountID
	entry := c.log.WithField("request_id", request.ID).WithField("asset", request.AssetKind())

	if runtime.PromiseSucceeded(env) {
		env.Log(fmt.Sprintf("Transferring %s yNEAR from %s to account %s", request.Amount, initiator, request.ReceiverAccountID))
		Emit(env, NewEventLog(EventTransferSucceeded, paymentRequestLog(request, initiator)))
		entry.Debug("payment confirmed")
		return true, nil
	}

	env.Log(fmt.Sprintf("Failed to transfer to account %s. Returning attached deposit of %s to %s",
		request.ReceiverAccountID, request.Amount, initiator))
	if !request.IsNative() {
		// The refund is native even though the payment was in a token.
		env.Log(fmt.Sprintf("Refund for request %s is paid in the native asset, token %s is not reversed",
			request.ID, *request.FTTokenAccountID))
	}

	if env.AccountBalance().Cmp(request.Amount) >= 0 {
		env.Schedule(runtime.NewPromise(initiator).Transfer(request.Amount))
	} else {
		env.Log(fmt.Sprintf("Insufficient balance to refund %s to %s", request.Amount, initiator))
		entry.Warn("refund skipped: gateway balance below request amount")
	}

	Emit(env, NewEventLog(EventTransferFailed, paymentRequestLog(request, initiator)))
	entry.Debug("payment reverted")
	return false, nil
}
