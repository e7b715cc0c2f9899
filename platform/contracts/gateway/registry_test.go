package gateway

import (
	"encoding/json"
	"testing"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetRemove(t *testing.T) {
	env := newFakeEnv("gateway.near", "gateway.near")
	reg := NewRegistry(env)

	require.NoError(t, reg.Put("bob.near", []byte{1}))
	require.NoError(t, reg.Put("alice.near", []byte{2, 3}))
	require.NoError(t, reg.Put("bob.near", []byte{4, 5, 6}))

	n, err := reg.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n, "overwrite does not add an entry")

	blob, ok, err := reg.Get("bob.near")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{4, 5, 6}, blob)

	publishers, err := reg.Publishers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.AccountID{"alice.near", "bob.near"}, publishers)

	removed, err := reg.Remove("bob.near")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = reg.Remove("bob.near")
	require.NoError(t, err)
	assert.False(t, removed)

	n, _ = reg.Len()
	assert.Equal(t, uint64(1), n)
}

func TestRegistryClearRemovesRootKey(t *testing.T) {
	env := newFakeEnv("gateway.near", "gateway.near")
	reg := NewRegistry(env)
	require.NoError(t, reg.Put("bob.near", []byte{1}))
	require.NoError(t, reg.Put("alice.near", []byte{2}))

	require.NoError(t, reg.Clear())
	assert.Empty(t, env.state)
}

func TestCodeJSON(t *testing.T) {
	raw, err := json.Marshal(Code{0, 1, 255})
	require.NoError(t, err)
	assert.Equal(t, `[0,1,255]`, string(raw))

	var c Code
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, Code{0, 1, 255}, c)

	require.NoError(t, json.Unmarshal([]byte(`"AAH/"`), &c))
	assert.Equal(t, Code{0, 1, 255}, c)

	assert.Error(t, json.Unmarshal([]byte(`[256]`), &c))
}
