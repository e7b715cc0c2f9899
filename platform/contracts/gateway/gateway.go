// Package gateway implements the contract gateway.
// The gateway keeps a registry of deployable contract code keyed by publisher,
// deploys that code into fresh sub-accounts, and moves payments to receivers
// with a confirmation callback that refunds the sender on failure.
//
// Every operation that depends on another account's outcome is split in two:
// the entry point returns a runtime.Promise and the host later invokes a
// private callback with the outcome.
package gateway

import (
	"errors"
	"fmt"
	"sort"

	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

// =============================================================================
// Method names
// =============================================================================

const (
	MethodUpdateStoredContract      = "update_stored_contract"
	MethodRemoveContractCode        = "remove_contract_code"
	MethodClean                     = "clean"
	MethodGetContracts              = "get_contracts"
	MethodGetContractCode           = "get_contract_code"
	MethodGetContractDeploymentCost = "get_contract_deployment_price"
	MethodCreateAndDeploy           = "create_factory_subaccount_and_deploy"
	MethodCreateAndDeployCallback   = "create_factory_subaccount_and_deploy_callback"
	MethodTransferFunds             = "transfer_funds"
	MethodOnTransferForRequest      = "on_transfer_for_request"
	MethodRefundDeposit             = "refund_deposit"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNotOwner            = errors.New("only the contract owner can clean the contract")
	ErrNotMaintainer       = errors.New("only maintenance namespace sub-accounts can update the stored contract")
	ErrNotTrusted          = errors.New("only the trusted namespace and its sub-accounts can remove the stored contract")
	ErrPrivateMethod       = errors.New("method is private")
	ErrInvalidSubaccount   = errors.New("invalid subaccount")
	ErrNoCode              = errors.New("no code stored")
	ErrInsufficientDeposit = errors.New("not enough attached deposit")
)

// =============================================================================
// Configuration
// =============================================================================

// Defaults follow the deployed gateway.
var (
	DefaultNamespace        = types.AccountID("dev3_contracts.testnet")
	DefaultStorageByteCost  = types.Pow10(19)
	DefaultDeployOverhead   = types.MustParseU128("90000000000000000000000")
	DefaultFTStorageDeposit = types.MustParseU128("1250000000000000000000")
	ftTransferCallDeposit   = types.NewU128(1)
	refundDustThreshold     = types.NewU128(1)
)

// Config holds the gateway policy.
type Config struct {
	// MaintenanceNamespace admits any account suffixed by "."+namespace to
	// publish code.
	MaintenanceNamespace types.AccountID
	// TrustedNamespace admits the namespace itself and its direct members to
	// remove published code.
	TrustedNamespace types.AccountID
	// StorageByteCost prices deployments; the refund helper uses the host's cost.
	StorageByteCost types.U128
	// DeployOverhead is added to advertised prices only.
	DeployOverhead types.U128
	// FTStorageDeposit is paid to the token issuer to register the receiver.
	FTStorageDeposit types.U128
	Logger           *logger.Logger
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		MaintenanceNamespace: DefaultNamespace,
		TrustedNamespace:     DefaultNamespace,
		StorageByteCost:      DefaultStorageByteCost,
		DeployOverhead:       DefaultDeployOverhead,
		FTStorageDeposit:     DefaultFTStorageDeposit,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaintenanceNamespace == "" {
		c.MaintenanceNamespace = d.MaintenanceNamespace
	}
	if c.TrustedNamespace == "" {
		c.TrustedNamespace = d.TrustedNamespace
	}
	if c.StorageByteCost.IsZero() {
		c.StorageByteCost = d.StorageByteCost
	}
	if c.DeployOverhead.IsZero() {
		c.DeployOverhead = d.DeployOverhead
	}
	if c.FTStorageDeposit.IsZero() {
		c.FTStorageDeposit = d.FTStorageDeposit
	}
	if c.Logger == nil {
		c.Logger = logger.NewDefault("gateway")
	}
	return c
}

// =============================================================================
// Contract
// =============================================================================

type handler func(env runtime.Env) (interface{}, error)

// Contract is the gateway program. It holds no state of its own; everything
// lives in the host storage of the account it is bound to.
type Contract struct {
	cfg     Config
	log     *logger.Logger
	methods map[string]handler
}

var _ runtime.Contract = (*Contract)(nil)

// New creates the gateway contract.
func New(cfg Config) *Contract {
	cfg = cfg.withDefaults()
	c := &Contract{cfg: cfg, log: cfg.Logger}
	c.methods = map[string]handler{
		MethodUpdateStoredContract:      c.updateStoredContract,
		MethodRemoveContractCode:        c.removeContractCode,
		MethodClean:                     c.clean,
		MethodGetContracts:              c.getContracts,
		MethodGetContractCode:           c.getContractCode,
		MethodGetContractDeploymentCost: c.getContractDeploymentPrice,
		MethodCreateAndDeploy:           c.createAndDeploy,
		MethodCreateAndDeployCallback:   c.createAndDeployCallback,
		MethodTransferFunds:             c.transferFunds,
		MethodOnTransferForRequest:      c.onTransferForRequest,
		MethodRefundDeposit:             c.refundDeposit,
	}
	return c
}

// Config returns the effective policy.
func (c *Contract) Config() Config { return c.cfg }

// Methods lists the exported method names.
func (c *Contract) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements runtime.Contract.
func (c *Contract) Invoke(env runtime.Env, method string) (interface{}, error) {
	h, ok := c.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrMethodNotFound, method)
	}
	return h(env)
}

// assertSelf admits only calls the gateway made to itself.
func assertSelf(env runtime.Env) error {
	if env.PredecessorAccountID() != env.CurrentAccountID() {
		return fmt.Errorf("%w: caller %s", ErrPrivateMethod, env.PredecessorAccountID())
	}
	return nil
}
