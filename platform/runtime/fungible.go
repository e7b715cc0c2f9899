package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

// FungibleToken is a minimal fungible-asset issuer: balances, storage
// registration and transfers. The full supply is minted to the owner on first use.
type FungibleToken struct {
	Owner       types.AccountID
	TotalSupply types.U128
	// StorageMin is the registration fee charged by storage_deposit.
	StorageMin types.U128
}

// DefaultStorageMin is the registration fee of a token account (1.25*10^21 yocto).
var DefaultStorageMin = types.MustParseU128("1250000000000000000000")

// NewFungibleToken creates a token whose supply belongs to owner.
func NewFungibleToken(owner types.AccountID, totalSupply types.U128) *FungibleToken {
	return &FungibleToken{Owner: owner, TotalSupply: totalSupply, StorageMin: DefaultStorageMin}
}

var _ Contract = (*FungibleToken)(nil)

var (
	ftInitKey        = []byte("init")
	ftBalancePrefix  = "b:"
	ftRegisterPrefix = "s:"
)

type storageBalance struct {
	Total     types.U128 `json:"total"`
	Available types.U128 `json:"available"`
}

type storageBounds struct {
	Min types.U128 `json:"min"`
	Max types.U128 `json:"max"`
}

// Invoke dispatches the token methods.
func (t *FungibleToken) Invoke(env Env, method string) (interface{}, error) {
	if err := t.init(env); err != nil {
		return nil, err
	}

	switch method {
	case "storage_deposit":
		return t.storageDeposit(env)
	case "storage_balance_of":
		var args struct {
			AccountID types.AccountID `json:"account_id"`
		}
		if err := DecodeArgs(env, &args); err != nil {
			return nil, err
		}
		registered, err := env.StorageHasKey(registerKey(args.AccountID))
		if err != nil || !registered {
			return nil, err
		}
		return storageBalance{Total: t.StorageMin}, nil
	case "storage_balance_bounds":
		return storageBounds{Min: t.StorageMin, Max: t.StorageMin}, nil
	case "ft_transfer":
		var args struct {
			ReceiverID types.AccountID `json:"receiver_id"`
			Amount     types.U128      `json:"amount"`
			Memo       *string         `json:"memo"`
		}
		if err := DecodeArgs(env, &args); err != nil {
			return nil, err
		}
		return nil, t.transfer(env, args.ReceiverID, args.Amount, args.Memo)
	case "ft_transfer_call":
		var args struct {
			ReceiverID types.AccountID `json:"receiver_id"`
			Amount     types.U128      `json:"amount"`
			Memo       *string         `json:"memo"`
			Msg        string          `json:"msg"`
		}
		if err := DecodeArgs(env, &args); err != nil {
			return nil, err
		}
		if err := t.transfer(env, args.ReceiverID, args.Amount, args.Memo); err != nil {
			return nil, err
		}
		// The receiver keeps everything; no ft_on_transfer round trip.
		return args.Amount, nil
	case "ft_balance_of":
		var args struct {
			AccountID types.AccountID `json:"account_id"`
		}
		if err := DecodeArgs(env, &args); err != nil {
			return nil, err
		}
		return t.balanceOf(env, args.AccountID)
	case "ft_total_supply":
		return t.TotalSupply, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
}

func (t *FungibleToken) init(env Env) error {
	done, err := env.StorageHasKey(ftInitKey)
	if err != nil || done || env.IsView() {
		return err
	}
	if err := env.StorageWrite(ftInitKey, []byte{1}); err != nil {
		return err
	}
	if err := env.StorageWrite(registerKey(t.Owner), []byte{1}); err != nil {
		return err
	}
	return t.setBalance(env, t.Owner, t.TotalSupply)
}

func (t *FungibleToken) storageDeposit(env Env) (interface{}, error) {
	var args struct {
		AccountID *types.AccountID `json:"account_id"`
	}
	if len(env.Input()) > 0 {
		if err := DecodeArgs(env, &args); err != nil {
			return nil, err
		}
	}
	account := env.PredecessorAccountID()
	if args.AccountID != nil {
		account = *args.AccountID
	}

	deposit := env.AttachedDeposit()
	registered, err := env.StorageHasKey(registerKey(account))
	if err != nil {
		return nil, err
	}
	if registered {
		env.Log(fmt.Sprintf("The account %s is already registered, refunding the deposit", account))
		if !deposit.IsZero() {
			env.Schedule(NewPromise(env.PredecessorAccountID()).Transfer(deposit))
		}
		return storageBalance{Total: t.StorageMin}, nil
	}

	if deposit.Cmp(t.StorageMin) < 0 {
		return nil, fmt.Errorf("the attached deposit is less than the minimum storage balance (%s)", t.StorageMin)
	}
	if err := env.StorageWrite(registerKey(account), []byte{1}); err != nil {
		return nil, err
	}
	if excess, _ := deposit.Sub(t.StorageMin); !excess.IsZero() {
		env.Schedule(NewPromise(env.PredecessorAccountID()).Transfer(excess))
	}
	return storageBalance{Total: t.StorageMin}, nil
}

func (t *FungibleToken) transfer(env Env, receiver types.AccountID, amount types.U128, memo *string) error {
	if env.AttachedDeposit().Cmp(types.NewU128(1)) != 0 {
		return fmt.Errorf("requires attached deposit of exactly 1 yoctoNEAR")
	}
	sender := env.PredecessorAccountID()
	if sender == receiver {
		return fmt.Errorf("sender and receiver should be different")
	}
	if amount.IsZero() {
		return fmt.Errorf("the amount should be a positive number")
	}
	for _, id := range []types.AccountID{sender, receiver} {
		ok, err := env.StorageHasKey(registerKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("the account %s is not registered", id)
		}
	}

	from, err := t.balanceOf(env, sender)
	if err != nil {
		return err
	}
	if from, err = from.Sub(amount); err != nil {
		return fmt.Errorf("the account doesn't have enough balance")
	}
	to, err := t.balanceOf(env, receiver)
	if err != nil {
		return err
	}
	if to, err = to.Add(amount); err != nil {
		return fmt.Errorf("balance overflow")
	}
	if err := t.setBalance(env, sender, from); err != nil {
		return err
	}
	if err := t.setBalance(env, receiver, to); err != nil {
		return err
	}

	env.Log(ftTransferEvent(sender, receiver, amount, memo))
	return nil
}

func ftTransferEvent(from, to types.AccountID, amount types.U128, memo *string) string {
	type transferData struct {
		OldOwnerID types.AccountID `json:"old_owner_id"`
		NewOwnerID types.AccountID `json:"new_owner_id"`
		Amount     types.U128      `json:"amount"`
		Memo       *string         `json:"memo,omitempty"`
	}
	payload, err := json.Marshal(struct {
		Standard string         `json:"standard"`
		Version  string         `json:"version"`
		Event    string         `json:"event"`
		Data     []transferData `json:"data"`
	}{
		Standard: "nep141",
		Version:  "1.0.0",
		Event:    "ft_transfer",
		Data:     []transferData{{OldOwnerID: from, NewOwnerID: to, Amount: amount, Memo: memo}},
	})
	if err != nil {
		return fmt.Sprintf("Transfer %s from %s to %s", amount, from, to)
	}
	return "EVENT_JSON:" + string(payload)
}

func (t *FungibleToken) balanceOf(env Env, account types.AccountID) (types.U128, error) {
	raw, ok, err := env.StorageRead(balanceKey(account))
	if err != nil {
		return types.U128{}, err
	}
	if !ok {
		// Views can run before the supply is minted.
		if done, err := env.StorageHasKey(ftInitKey); err == nil && !done && account == t.Owner {
			return t.TotalSupply, nil
		}
		return types.U128{}, nil
	}
	return types.ParseU128(string(raw))
}

func (t *FungibleToken) setBalance(env Env, account types.AccountID, amount types.U128) error {
	return env.StorageWrite(balanceKey(account), []byte(amount.String()))
}

func balanceKey(account types.AccountID) []byte {
	return []byte(ftBalancePrefix + account.String())
}

func registerKey(account types.AccountID) []byte {
	return []byte(ftRegisterPrefix + account.String())
}
