package consul

import (
	"testing"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkKeys(t *testing.T) {
	assert.Equal(t, "peer-sync/networks/lab/version", NetworkVersionKey("lab"))
	assert.Equal(t, "peer-sync/networks/lab/peers", NetworkPeersKey("lab"))

	n, ok := NetworkFromKey(NetworkPeersKey("lab"))
	require.True(t, ok)
	assert.Equal(t, "lab", n)

	_, ok = NetworkFromKey("peer-sync/nodes/a")
	assert.False(t, ok)
	_, ok = NetworkFromKey(NetworkPrefix())
	assert.False(t, ok)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion(nil)
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = ParseVersion(&consulapi.KVPair{Value: []byte("42\n")})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ParseVersion(&consulapi.KVPair{Value: []byte("x")})
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	cli, err := NewClient("127.0.0.1:8501", "secret")
	require.NoError(t, err)
	assert.NotNil(t, cli.KV())
}
