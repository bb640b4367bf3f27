package agent

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"

	"peer-sync/pkg/consul"
)

// WatchVersion blocks on the network version key in Consul and calls
// onChange with every new version until ctx is done. Controllers running
// the consul store bump that key on each desired-state change.
func WatchVersion(ctx context.Context, cli *consulapi.Client, network string, onChange func(version int64)) {
	consul.WatchKey(ctx, cli, consul.NetworkVersionKey(network), func(kv *consulapi.KVPair) {
		if v, err := consul.ParseVersion(kv); err == nil {
			onChange(v)
		}
	})
}
