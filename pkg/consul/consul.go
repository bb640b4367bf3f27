// Package consul holds the Consul KV plumbing shared by the controller store
// and the agent's version watch.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// Prefix is the root of every key written by peer-sync.
const Prefix = "peer-sync/"

const networksPrefix = Prefix + "networks/"

// NetworkPrefix returns the key prefix of all network records.
func NetworkPrefix() string { return networksPrefix }

// NetworkVersionKey holds the desired-state version counter of a network.
func NetworkVersionKey(network string) string { return networksPrefix + network + "/version" }

// NetworkPeersKey holds the operator peer list of a network.
func NetworkPeersKey(network string) string { return networksPrefix + network + "/peers" }

// NetworkFromKey extracts the network name from a key under NetworkPrefix.
func NetworkFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, networksPrefix)
	if !ok {
		return "", false
	}
	network, _, ok := strings.Cut(rest, "/")
	return network, ok && network != ""
}

// NewClient builds a Consul API client.
func NewClient(addr, token string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return cli, nil
}

// ParseVersion decodes a version counter value. Missing or empty values are 0.
func ParseVersion(kv *consulapi.KVPair) (int64, error) {
	if kv == nil || len(kv.Value) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(string(kv.Value)), 10, 64)
}

// WatchKey runs blocking queries on key and calls fn whenever its index moves.
// It returns when ctx is done.
func WatchKey(ctx context.Context, cli *consulapi.Client, key string, fn func(*consulapi.KVPair)) {
	q := (&consulapi.QueryOptions{WaitTime: 5 * time.Minute}).WithContext(ctx)
	for ctx.Err() == nil {
		kv, meta, err := cli.KV().Get(key, q)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("consul watch failed", "key", key, "error", err)
				sleep(ctx, time.Second)
			}
			continue
		}
		if meta.LastIndex == q.WaitIndex {
			continue
		}
		q.WaitIndex = meta.LastIndex
		fn(kv)
	}
}

// WatchPrefix is WatchKey for every key under prefix.
func WatchPrefix(ctx context.Context, cli *consulapi.Client, prefix string, fn func(consulapi.KVPairs)) {
	q := (&consulapi.QueryOptions{WaitTime: 5 * time.Minute}).WithContext(ctx)
	for ctx.Err() == nil {
		pairs, meta, err := cli.KV().List(prefix, q)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("consul watch failed", "prefix", prefix, "error", err)
				sleep(ctx, time.Second)
			}
			continue
		}
		if meta.LastIndex == q.WaitIndex {
			continue
		}
		q.WaitIndex = meta.LastIndex
		fn(pairs)
	}
}

// LeaderGuard repeatedly acquires the lock at key and runs fn while it is
// held. fn's context is canceled when the lock is lost or ctx ends.
func LeaderGuard(ctx context.Context, cli *consulapi.Client, key string, ttl time.Duration, fn func(context.Context)) {
	log := slog.With("component", "leader", "key", key)
	for ctx.Err() == nil {
		lock, err := cli.LockOpts(&consulapi.LockOptions{Key: key, SessionTTL: ttl.String()})
		if err != nil {
			log.Warn("create lock failed", "error", err)
			sleep(ctx, ttl)
			continue
		}
		lost, err := lock.Lock(ctx.Done())
		if err != nil || lost == nil {
			if ctx.Err() == nil {
				log.Warn("acquire lock failed", "error", err)
				sleep(ctx, ttl)
			}
			continue
		}

		log.Info("leader lock acquired")
		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-lost:
			case <-lctx.Done():
			}
			cancel()
		}()
		fn(lctx)
		cancel()
		_ = lock.Unlock()
		log.Info("leader lock released")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
