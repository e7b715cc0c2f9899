package gateway

import (
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

// RefundDepositArgs are the arguments of refund_deposit.
type RefundDepositArgs struct {
	StorageUsed uint64 `json:"storage_used"`
}

// RefundExcess charges storageUsed bytes at the host price against the
// attached deposit and returns the rest to the caller when it exceeds one yocto.
func RefundExcess(env runtime.Env, storageUsed uint64) error {
	required, err := env.StorageByteCost().MulUint64(storageUsed)
	if err != nil {
		return err
	}
	attached := env.AttachedDeposit()
	if attached.Cmp(required) < 0 {
		return fmt.Errorf("%w: must attach %s yoctoNEAR to cover storage", ErrInsufficientDeposit, required)
	}

	refund, err := attached.Sub(required)
	if err != nil {
		return err
	}
	if refund.Cmp(refundDustThreshold) > 0 {
		env.Schedule(runtime.NewPromise(env.PredecessorAccountID()).Transfer(refund))
	}
	return nil
}

func (c *Contract) refundDeposit(env runtime.Env) (interface{}, error) {
	if err := assertSelf(env); err != nil {
		return nil, err
	}
	var args RefundDepositArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}
	return nil, RefundExcess(env, args.StorageUsed)
}
