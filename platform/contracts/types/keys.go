package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyType is the curve of a public key.
type KeyType uint8

const (
	KeyTypeED25519 KeyType = iota
	KeyTypeSECP256K1
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeED25519:
		return "ed25519"
	case KeyTypeSECP256K1:
		return "secp256k1"
	default:
		return fmt.Sprintf("keytype(%d)", k)
	}
}

func (k KeyType) dataLen() int {
	if k == KeyTypeSECP256K1 {
		return 64
	}
	return 32
}

// PublicKey is an access key in "<curve>:<base58>" form. A bare base58 string is
// read as ed25519.
type PublicKey struct {
	Type KeyType
	Data []byte
}

// ParsePublicKey decodes "ed25519:..." or "secp256k1:..." keys.
func ParsePublicKey(s string) (PublicKey, error) {
	curve, encoded, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		curve, encoded = "ed25519", curve
	}

	var kt KeyType
	switch strings.ToLower(curve) {
	case "ed25519":
		kt = KeyTypeED25519
	case "secp256k1":
		kt = KeyTypeSECP256K1
	default:
		return PublicKey{}, fmt.Errorf("unknown key curve %q", curve)
	}

	data, err := base58.Decode(encoded)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(data) != kt.dataLen() {
		return PublicKey{}, fmt.Errorf("%s key must be %d bytes, got %d", kt, kt.dataLen(), len(data))
	}
	return PublicKey{Type: kt, Data: data}, nil
}

func (k PublicKey) String() string {
	return k.Type.String() + ":" + base58.Encode(k.Data)
}

// Equal compares curve and bytes.
func (k PublicKey) Equal(o PublicKey) bool {
	return k.Type == o.Type && string(k.Data) == string(o.Data)
}

func (k PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
