package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
)

// registryRoot holds the entry count; entries live under registryRoot+0x00+publisher.
var registryRoot = []byte("code")

// Registry maps publishers to their contract code inside the host storage.
type Registry struct {
	env runtime.Env
}

// NewRegistry opens the registry of the account env runs as.
func NewRegistry(env runtime.Env) *Registry {
	return &Registry{env: env}
}

func entryPrefix() []byte {
	return append(append([]byte(nil), registryRoot...), 0)
}

func entryKey(publisher types.AccountID) []byte {
	return append(entryPrefix(), publisher...)
}

// Len returns the number of entries.
func (r *Registry) Len() (uint64, error) {
	raw, ok, err := r.env.StorageRead(registryRoot)
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt registry root: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (r *Registry) setLen(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return r.env.StorageWrite(registryRoot, buf[:])
}

// Put stores blob for publisher, replacing any previous entry.
func (r *Registry) Put(publisher types.AccountID, blob []byte) error {
	key := entryKey(publisher)
	exists, err := r.env.StorageHasKey(key)
	if err != nil {
		return err
	}
	if err := r.env.StorageWrite(key, blob); err != nil {
		return err
	}
	if exists {
		return nil
	}
	n, err := r.Len()
	if err != nil {
		return err
	}
	return r.setLen(n + 1)
}

// Get returns the blob of publisher.
func (r *Registry) Get(publisher types.AccountID) ([]byte, bool, error) {
	return r.env.StorageRead(entryKey(publisher))
}

// Remove deletes the entry of publisher and reports whether it existed.
func (r *Registry) Remove(publisher types.AccountID) (bool, error) {
	key := entryKey(publisher)
	exists, err := r.env.StorageHasKey(key)
	if err != nil || !exists {
		return false, err
	}
	if err := r.env.StorageRemove(key); err != nil {
		return false, err
	}
	n, err := r.Len()
	if err != nil {
		return false, err
	}
	if n > 0 {
		n--
	}
	return true, r.setLen(n)
}

// Publishers lists publishers in key order.
func (r *Registry) Publishers() ([]types.AccountID, error) {
	prefix := entryPrefix()
	keys, err := r.env.StorageKeys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.AccountID, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.AccountID(k[len(prefix):]))
	}
	return out, nil
}

// Clear removes every entry and the root key.
func (r *Registry) Clear() error {
	keys, err := r.env.StorageKeys(entryPrefix())
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := r.env.StorageRemove(k); err != nil {
			return err
		}
	}
	return r.env.StorageRemove(registryRoot)
}

// Code is contract bytecode. It encodes as a JSON array of byte values and
// decodes from either that form or a base64 string.
type Code []byte

func (c Code) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	values := make([]uint16, len(c))
	for i, b := range c {
		values[i] = uint16(b)
	}
	return json.Marshal(values)
}

func (c *Code) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = nil
		return nil
	}
	var values []uint8
	if len(data) > 0 && data[0] == '[' {
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return err
		}
		values = make([]uint8, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("code byte %d out of range: %d", i, v)
			}
			values[i] = uint8(v)
		}
		*c = values
		return nil
	}
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = raw
	return nil
}
