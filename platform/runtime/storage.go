package runtime

import (
	"bytes"
	"context"
	"sort"

	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

// overlay buffers one invocation's storage writes on top of the committed state.
// Nothing reaches the backing store until commit.
type overlay struct {
	store   storage.StateStore
	account types.AccountID
	writes  map[string]*[]byte // nil pointer marks a removal
}

func newOverlay(store storage.StateStore, account types.AccountID) *overlay {
	return &overlay{store: store, account: account, writes: make(map[string]*[]byte)}
}

func (o *overlay) read(ctx context.Context, key []byte) ([]byte, bool, error) {
	if v, ok := o.writes[string(key)]; ok {
		if v == nil {
			return nil, false, nil
		}
		return append([]byte(nil), (*v)...), true, nil
	}
	return o.store.GetState(ctx, o.account, key)
}

func (o *overlay) write(key, value []byte) {
	v := append([]byte(nil), value...)
	o.writes[string(key)] = &v
}

func (o *overlay) remove(key []byte) {
	o.writes[string(key)] = nil
}

func (o *overlay) keys(ctx context.Context, prefix []byte) ([][]byte, error) {
	committed, err := o.store.StateKeys(ctx, o.account, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(committed)+len(o.writes))
	var out [][]byte
	for _, k := range committed {
		if v, ok := o.writes[string(k)]; ok && v == nil {
			continue
		}
		seen[string(k)] = true
		out = append(out, k)
	}
	for k, v := range o.writes {
		if v == nil || seen[k] || !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		out = append(out, []byte(k))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (o *overlay) pending() []storage.Write {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]storage.Write, 0, len(keys))
	for _, k := range keys {
		if v := o.writes[k]; v == nil {
			out = append(out, storage.Write{Key: []byte(k), Delete: true})
		} else {
			out = append(out, storage.Write{Key: []byte(k), Value: *v})
		}
	}
	return out
}

func (o *overlay) commit(ctx context.Context) error {
	if len(o.writes) == 0 {
		return nil
	}
	return o.store.ApplyState(ctx, o.account, o.pending())
}
