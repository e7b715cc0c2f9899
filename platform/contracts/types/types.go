// Package types defines the value types shared by gateway contracts and the ledger.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Account identifiers
// =============================================================================

const (
	MinAccountIDLen = 2
	MaxAccountIDLen = 64
)

// ErrInvalidAccountID is returned for names that break the account naming rules.
var ErrInvalidAccountID = errors.New("invalid account id")

// AccountID is a named account recognised by the ledger, e.g. "alice.testnet".
type AccountID string

// ParseAccountID validates s and returns it as an AccountID.
func ParseAccountID(s string) (AccountID, error) {
	if !IsValidAccountID(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, s)
	}
	return AccountID(s), nil
}

// IsValidAccountID reports whether s is a well-formed account name: 2..64 chars of
// [a-z0-9] split by single '-', '_' or '.' separators, none leading or trailing.
func IsValidAccountID(s string) bool {
	if len(s) < MinAccountIDLen || len(s) > MaxAccountIDLen {
		return false
	}
	lastSeparator := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			lastSeparator = false
		case c == '-' || c == '_' || c == '.':
			if lastSeparator {
				return false
			}
			lastSeparator = true
		default:
			return false
		}
	}
	return !lastSeparator
}

func (a AccountID) String() string { return string(a) }

// Validate checks the naming rules.
func (a AccountID) Validate() error {
	_, err := ParseAccountID(string(a))
	return err
}

// IsSubAccountOf reports whether a sits anywhere under parent ("x.y.parent").
func (a AccountID) IsSubAccountOf(parent AccountID) bool {
	return parent != "" && strings.HasSuffix(string(a), "."+string(parent))
}

// IsDirectSubAccountOf reports whether a is exactly one label under parent.
func (a AccountID) IsDirectSubAccountOf(parent AccountID) bool {
	if !a.IsSubAccountOf(parent) {
		return false
	}
	label := strings.TrimSuffix(string(a), "."+string(parent))
	return label != "" && !strings.Contains(label, ".")
}

// SubAccount joins name under a: SubAccount("app") on "factory.near" -> "app.factory.near".
func (a AccountID) SubAccount(name string) (AccountID, error) {
	return ParseAccountID(name + "." + string(a))
}

// UnmarshalJSON rejects malformed names at the decoding boundary.
func (a *AccountID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAccountID(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// =============================================================================
// Payment request
// =============================================================================

// PaymentMetadata describes one payment the gateway should move. A nil
// FTTokenAccountID means the native asset.
type PaymentMetadata struct {
	ID                string     `json:"id"`
	Amount            U128       `json:"amount"`
	ReceiverAccountID AccountID  `json:"receiver_account_id"`
	FTTokenAccountID  *AccountID `json:"ft_token_account_id"`
}

// IsNative reports whether the payment moves the native asset.
func (p PaymentMetadata) IsNative() bool { return p.FTTokenAccountID == nil }

// AssetKind is "native" or "ft"; used for labelling.
func (p PaymentMetadata) AssetKind() string {
	if p.IsNative() {
		return "native"
	}
	return "ft"
}
