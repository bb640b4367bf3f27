package agent

import (
	"peer-sync/pkg/reconcile"
	"peer-sync/pkg/wireguard"
)

// ConfigWriter writes a wg-quick file for the interface after each cycle.
type ConfigWriter struct {
	Dir       string
	Name      string
	Interface wireguard.Interface
}

func (c ConfigWriter) Write(state reconcile.NetworkState) (string, error) {
	return wireguard.WriteConfig(c.Dir, c.Name, c.Interface, state)
}
