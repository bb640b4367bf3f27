// Package wireguard reads and configures a kernel WireGuard interface and
// renders wg-quick snapshots of it.
package wireguard

import (
	"context"
	"fmt"
	"log/slog"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"peer-sync/pkg/model"
	"peer-sync/pkg/reconcile"
)

// Client is the subset of *wgctrl.Client the device driver needs.
type Client interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// Device drives one WireGuard interface.
type Device struct {
	client Client
	iface  string
	log    *slog.Logger
}

// Open connects to the kernel through wgctrl.
func Open(iface string) (*Device, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("create wireguard client: %w", err)
	}
	return NewDevice(c, iface), nil
}

// NewDevice wraps an existing client.
func NewDevice(c Client, iface string) *Device {
	return &Device{
		client: c,
		iface:  iface,
		log:    slog.Default().With("component", "wireguard", "iface", iface),
	}
}

// Name returns the interface name.
func (d *Device) Name() string { return d.iface }

// Close releases the underlying client.
func (d *Device) Close() error { return d.client.Close() }

// State reads the peers currently configured on the interface.
func (d *Device) State(ctx context.Context) (reconcile.NetworkState, error) {
	dev, err := d.read(ctx)
	if err != nil {
		return nil, err
	}
	state := make(reconcile.NetworkState, len(dev.Peers))
	for _, p := range dev.Peers {
		pc, err := FromPeer(p)
		if err != nil {
			return nil, err
		}
		state[p.PublicKey] = pc
	}
	return state, nil
}

// Apply pushes the operations to the interface in one configuration call.
// Peers not named by an operation are left untouched.
func (d *Device) Apply(ctx context.Context, ops []reconcile.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := wgtypes.Config{ReplacePeers: false, Peers: PeerConfigs(ops)}
	if err := d.client.ConfigureDevice(d.iface, cfg); err != nil {
		return fmt.Errorf("configure wireguard peers on %s: %w", d.iface, err)
	}
	d.log.Debug("applied peer operations", "count", len(ops))
	return nil
}

// ConfigureInterface sets the interface private key and listen port.
// Peers are left untouched.
func (d *Device) ConfigureInterface(ctx context.Context, privateKey string, listenPort int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	cfg := wgtypes.Config{PrivateKey: &key}
	if listenPort > 0 {
		cfg.ListenPort = &listenPort
	}
	if err := d.client.ConfigureDevice(d.iface, cfg); err != nil {
		return fmt.Errorf("configure wireguard interface %s: %w", d.iface, err)
	}
	return nil
}

// Health returns handshake and transfer counters per peer.
func (d *Device) Health(ctx context.Context) (map[string]model.PeerHealth, error) {
	dev, err := d.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.PeerHealth, len(dev.Peers))
	for _, p := range dev.Peers {
		out[p.PublicKey.String()] = model.PeerHealth{
			LastHandshake: p.LastHandshakeTime,
			ReceiveBytes:  p.ReceiveBytes,
			TransmitBytes: p.TransmitBytes,
		}
	}
	return out, nil
}

// Info returns the interface's own key and port.
func (d *Device) Info(ctx context.Context) (wgtypes.Key, int, error) {
	dev, err := d.read(ctx)
	if err != nil {
		return wgtypes.Key{}, 0, err
	}
	return dev.PublicKey, dev.ListenPort, nil
}

func (d *Device) read(ctx context.Context) (*wgtypes.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return nil, fmt.Errorf("inspect wireguard device %s: %w", d.iface, err)
	}
	return dev, nil
}
