package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of decimals of the native unit (1 unit = 10^24 yocto).
const NativeDecimals = 24

var (
	ErrOverflow  = errors.New("u128 overflow")
	ErrUnderflow = errors.New("u128 underflow")
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// U128 is an unsigned 128-bit quantity. The zero value is 0. Values are immutable;
// every operation returns a fresh U128. JSON encodes as a decimal string.
type U128 struct {
	v *big.Int
}

// NewU128 converts a uint64.
func NewU128(n uint64) U128 {
	return U128{v: new(big.Int).SetUint64(n)}
}

// ParseU128 parses a base-10 string.
func ParseU128(s string) (U128, error) {
	s = strings.TrimSpace(s)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return U128{}, fmt.Errorf("invalid u128 %q", s)
	}
	return fromBig(v)
}

// MustParseU128 is ParseU128 for constants.
func MustParseU128(s string) U128 {
	u, err := ParseU128(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Pow10 returns 10^exp.
func Pow10(exp int) U128 {
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	u, err := fromBig(v)
	if err != nil {
		panic(err)
	}
	return u
}

func fromBig(v *big.Int) (U128, error) {
	if v.Sign() < 0 {
		return U128{}, ErrUnderflow
	}
	if v.Cmp(maxU128) > 0 {
		return U128{}, ErrOverflow
	}
	return U128{v: v}, nil
}

func (u U128) big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return u.v
}

// Big returns a copy of the value.
func (u U128) Big() *big.Int { return new(big.Int).Set(u.big()) }

// Add returns u+o or ErrOverflow.
func (u U128) Add(o U128) (U128, error) {
	return fromBig(new(big.Int).Add(u.big(), o.big()))
}

// Sub returns u-o or ErrUnderflow.
func (u U128) Sub(o U128) (U128, error) {
	return fromBig(new(big.Int).Sub(u.big(), o.big()))
}

// Mul returns u*o or ErrOverflow.
func (u U128) Mul(o U128) (U128, error) {
	return fromBig(new(big.Int).Mul(u.big(), o.big()))
}

// MulUint64 returns u*n or ErrOverflow.
func (u U128) MulUint64(n uint64) (U128, error) {
	return u.Mul(NewU128(n))
}

// Cmp compares u and o (-1, 0, +1).
func (u U128) Cmp(o U128) int { return u.big().Cmp(o.big()) }

// IsZero reports whether u == 0.
func (u U128) IsZero() bool { return u.big().Sign() == 0 }

// String renders the base-10 value.
func (u U128) String() string { return u.big().String() }

// Near renders the value in whole native units, e.g. "0.09".
func (u U128) Near() string {
	return decimal.NewFromBigInt(u.big(), -NativeDecimals).String()
}

// MarshalJSON encodes as a decimal string.
func (u U128) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (u *U128) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*u = U128{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := ParseU128(raw)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
