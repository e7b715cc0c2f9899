package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

type contractIDArgs struct {
	ContractID types.AccountID `json:"contract_id"`
}

// CreateAndDeployArgs are the arguments of create_factory_subaccount_and_deploy.
type CreateAndDeployArgs struct {
	ContractID types.AccountID  `json:"contract_id"`
	Name       string           `json:"name"`
	PublicKey  *types.PublicKey `json:"public_key,omitempty"`
}

// DeployCallbackArgs is the pending deployment carried to the callback.
type DeployCallbackArgs struct {
	Account  types.AccountID `json:"account"`
	User     types.AccountID `json:"user"`
	Attached types.U128      `json:"attached"`
}

// Price is storage_byte_cost * len(code) + overhead.
func (c *Contract) Price(codeLen int) (types.U128, error) {
	storage, err := c.cfg.StorageByteCost.MulUint64(uint64(codeLen))
	if err != nil {
		return types.U128{}, err
	}
	return storage.Add(c.cfg.DeployOverhead)
}

// MinimumDeposit is what create_factory_subaccount_and_deploy requires; the
// overhead is advisory only.
func (c *Contract) MinimumDeposit(codeLen int) (types.U128, error) {
	return c.cfg.StorageByteCost.MulUint64(uint64(codeLen))
}

// =============================================================================
// Registry maintenance
// =============================================================================

func (c *Contract) updateStoredContract(env runtime.Env) (interface{}, error) {
	caller := env.PredecessorAccountID()
	if !caller.IsSubAccountOf(c.cfg.MaintenanceNamespace) {
		return nil, fmt.Errorf("%w: %s", ErrNotMaintainer, caller)
	}
	input := env.Input()
	if err := NewRegistry(env).Put(caller, input); err != nil {
		return nil, err
	}
	c.log.WithField("publisher", caller).WithField("bytes", len(input)).Debug("stored contract code")
	return nil, nil
}

func (c *Contract) removeContractCode(env runtime.Env) (interface{}, error) {
	caller := env.PredecessorAccountID()
	if caller != c.cfg.TrustedNamespace && !caller.IsDirectSubAccountOf(c.cfg.TrustedNamespace) {
		return nil, fmt.Errorf("%w: %s", ErrNotTrusted, caller)
	}
	var args contractIDArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}
	if _, err := NewRegistry(env).Remove(args.ContractID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Contract) clean(env runtime.Env) (interface{}, error) {
	if env.PredecessorAccountID() != env.CurrentAccountID() {
		return nil, ErrNotOwner
	}
	return nil, NewRegistry(env).Clear()
}

// =============================================================================
// Views
// =============================================================================

func (c *Contract) getContracts(env runtime.Env) (interface{}, error) {
	return NewRegistry(env).Publishers()
}

func (c *Contract) getContractCode(env runtime.Env) (interface{}, error) {
	var args contractIDArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}
	blob, ok, err := NewRegistry(env).Get(args.ContractID)
	if err != nil || !ok {
		return nil, err
	}
	if blob == nil {
		blob = []byte{}
	}
	return Code(blob), nil
}

func (c *Contract) getContractDeploymentPrice(env runtime.Env) (interface{}, error) {
	var args contractIDArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}
	blob, ok, err := NewRegistry(env).Get(args.ContractID)
	if err != nil || !ok {
		return nil, err
	}
	price, err := c.Price(len(blob))
	if err != nil {
		return nil, err
	}
	return price.String(), nil
}

// =============================================================================
// Factory
// =============================================================================

func (c *Contract) createAndDeploy(env runtime.Env) (interface{}, error) {
	var args CreateAndDeployArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}

	subaccount, err := env.CurrentAccountID().SubAccount(args.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSubaccount, err)
	}

	code, ok, err := NewRegistry(env).Get(args.ContractID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCode, args.ContractID)
	}

	attached := env.AttachedDeposit()
	minimum, err := c.MinimumDeposit(len(code))
	if err != nil {
		return nil, err
	}
	if attached.Cmp(minimum) < 0 {
		return nil, fmt.Errorf("%w: attach at least %s yⓃ", ErrInsufficientDeposit, minimum)
	}

	deploy := runtime.NewPromise(subaccount).
		CreateAccount().
		Transfer(attached).
		DeployContract(code)
	if args.PublicKey != nil {
		deploy = deploy.AddFullAccessKey(*args.PublicKey)
	}

	cbArgs, err := json.Marshal(DeployCallbackArgs{
		Account:  subaccount,
		User:     env.PredecessorAccountID(),
		Attached: attached,
	})
	if err != nil {
		return nil, err
	}
	callback := runtime.NewPromise(env.CurrentAccountID()).
		FunctionCall(MethodCreateAndDeployCallback, cbArgs, types.U128{})

	return deploy.Then(callback), nil
}

func (c *Contract) createAndDeployCallback(env runtime.Env) (interface{}, error) {
	if err := assertSelf(env); err != nil {
		return nil, err
	}
	var args DeployCallbackArgs
	if err := runtime.DecodeArgs(env, &args); err != nil {
		return nil, err
	}

	if runtime.PromiseSucceeded(env) {
		env.Log(fmt.Sprintf("Correctly created and deployed to %s", args.Account))
		return true, nil
	}

	env.Log(fmt.Sprintf("Error creating %s, returning %syⓃ to %s", args.Account, args.Attached, args.User))
	env.Schedule(runtime.NewPromise(args.User).Transfer(args.Attached))
	return false, nil
}
