package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"peer-sync/pkg/agent"
	"peer-sync/pkg/api"
	"peer-sync/pkg/config"
	"peer-sync/pkg/consul"
	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
	"peer-sync/pkg/version"
	"peer-sync/pkg/wireguard"
)

func runCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the controller and reconcile the interface until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(*configFile)
			if err := loader.BindFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loader.Agent()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logger())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log.With("node", cfg.NodeID, "network", cfg.Network))
		},
	}
	f := cmd.Flags()
	f.String("node-id", "", "node id")
	f.String("network", "default", "network to join")
	f.String("iface", "wg0", "wireguard interface name")
	f.String("controller", "http://127.0.0.1:8080", "controller base URL")
	f.String("token", "", "API token matching the controller")
	f.String("ca", "", "CA file for controller TLS")
	f.String("cert", "", "client TLS certificate (mTLS)")
	f.String("key", "", "client TLS key (mTLS)")
	f.Bool("insecure", false, "skip controller TLS verification")
	f.String("private-key-file", "", "wireguard private key file, created if missing")
	f.String("provision-token", "", "one-time token from the controller's prepare call")
	f.StringSlice("endpoints", nil, "public ip:port endpoints announced to peers")
	f.Bool("auto-endpoint", false, "detect public endpoints")
	f.StringSlice("cidrs", nil, "extra CIDRs routed to this node")
	f.String("overlay-ip", "", "overlay address with prefix, e.g. 10.10.0.5/32")
	f.Int("listen-port", 51820, "wireguard listen port")
	f.String("out", "./out", "directory for rendered wg-quick files")
	f.Bool("apply", false, "program the kernel interface (otherwise render only)")
	f.Bool("dry-run", false, "compute and journal operations without applying them")
	f.Duration("resync-interval", 30*time.Second, "interval between full desired-state fetches")
	f.Duration("health-interval", 30*time.Second, "interval between health reports, 0 disables")
	f.String("journal", "./out/journal.db", "sqlite journal path")
	f.String("consul-addr", "", "consul address to watch for version changes")
	f.Bool("websocket", true, "receive desired state pushes over a websocket")
	f.String("log-level", "info", "log level: debug|info|warn|error")
	f.String("log-format", "text", "log format: text|json")
	return cmd
}

func run(ctx context.Context, cfg *config.Agent, log *slog.Logger) error {
	log.Info("agent starting", "version", version.Version, "apply", cfg.Apply, "dry_run", cfg.DryRun)

	client, err := agent.NewClient(agent.ClientConfig{
		BaseURL:        cfg.ControllerURL,
		NodeID:         cfg.NodeID,
		Token:          cfg.Token,
		ProvisionToken: cfg.ProvisionToken,
		CAFile:         cfg.CAFile,
		CertFile:       cfg.ClientCert,
		KeyFile:        cfg.ClientKey,
		Insecure:       cfg.Insecure,
	})
	if err != nil {
		return err
	}

	privKey, pubKey := "", ""
	if cfg.ProvisionToken == "" || cfg.PrivateKeyFile != "" {
		if privKey, pubKey, err = loadOrCreateKey(keyPath(cfg)); err != nil {
			return err
		}
	}

	endpoints := cfg.Endpoints
	if cfg.AutoEndpoint {
		if eps := agent.DetectEndpoints(ctx, cfg.ListenPort, agent.DefaultIPServices); len(eps) > 0 {
			endpoints = eps
		}
		log.Info("endpoints detected", "endpoints", endpoints)
	}

	regReq := api.NodeRegistrationRequest{
		ID:             cfg.NodeID,
		Network:        cfg.Network,
		PublicKey:      pubKey,
		Endpoints:      endpoints,
		CIDRs:          cfg.CIDRs,
		ListenPort:     cfg.ListenPort,
		OverlayIP:      cfg.OverlayIP,
		ProvisionToken: cfg.ProvisionToken,
	}
	resp, err := registerWithRetry(ctx, client, regReq, log)
	if err != nil {
		return err
	}
	if resp.PrivateKey != "" {
		privKey = resp.PrivateKey
	}
	if privKey == "" {
		return errors.New("controller issued no private key for this node")
	}
	listenPort := cfg.ListenPort
	if resp.ListenPort != 0 {
		listenPort = resp.ListenPort
	}
	log.Info("registered", "version", resp.ConfigVersion, "overlay", resp.OverlayIP, "peers", len(resp.Desired.Peers))

	var (
		dev    agent.Interface
		health agent.HealthSource
	)
	if cfg.Apply {
		d, err := wireguard.Open(cfg.Interface)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.ConfigureInterface(ctx, privKey, listenPort); err != nil {
			return err
		}
		dev, health = d, d
	} else {
		m := agent.NewMemoryInterface(nil)
		dev, health = m, m
	}

	journal, err := agent.OpenJournal(ctx, cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	reporter := &agent.FallbackReporter{NodeID: cfg.NodeID, HTTP: client, Log: log}
	var ws *agent.WSClient
	if cfg.WebSocket {
		if ws, err = agent.NewWSClient(client.BaseURL(), cfg.NodeID, cfg.Network, client.AuthHeader(), client.TLSConfig(), log); err != nil {
			return err
		}
		reporter.WS = ws
	}

	manager := agent.NewManager()
	err = manager.Add(agent.NewWorker(agent.WorkerConfig{
		NodeID:   cfg.NodeID,
		Network:  cfg.Network,
		Device:   dev,
		Reporter: reporter,
		Journal:  journal,
		Snapshot: agent.ConfigWriter{
			Dir:       cfg.OutputDir,
			Name:      cfg.Interface,
			Interface: wireguard.Interface{Address: resp.OverlayIP, ListenPort: listenPort, PrivateKey: privKey},
		},
		DryRun: cfg.DryRun,
		Logger: log,
	}))
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()
	manager.Submit(resp.Desired)

	poller := agent.NewPoller(cfg.Network, client, manager.Submit, cfg.ResyncInterval, ws == nil, log)
	go poller.Run(ctx)

	if cfg.AutoEndpoint {
		detect := func(ctx context.Context) []string {
			return agent.DetectEndpoints(ctx, listenPort, agent.DefaultIPServices)
		}
		announce := func(ctx context.Context, eps []string) error {
			req := regReq
			req.Endpoints = eps
			_, err := client.Register(ctx, req)
			return err
		}
		go agent.NewCheckIn(endpoints, detect, announce, cfg.ResyncInterval, log).Run(ctx)
	}

	if ws != nil {
		ws.OnDesired = func(snap model.DesiredSnapshot) { manager.Submit(snap) }
		ws.OnConnect = poller.Trigger
		go ws.Run(ctx)
	}

	if cfg.ConsulAddr != "" {
		cli, err := consul.NewClient(cfg.ConsulAddr, os.Getenv("CONSUL_HTTP_TOKEN"))
		if err != nil {
			return err
		}
		go agent.WatchVersion(ctx, cli, cfg.Network, func(v int64) {
			log.Debug("network version changed", "version", v)
			poller.Trigger()
		})
	}

	hr := &agent.HealthReporter{
		NodeID:   cfg.NodeID,
		Network:  cfg.Network,
		Source:   health,
		Sink:     reporter,
		Interval: cfg.HealthInterval,
		Log:      log,
	}
	go hr.Run(ctx)

	<-ctx.Done()
	log.Info("agent stopping")
	return nil
}

func keyPath(cfg *config.Agent) string {
	if cfg.PrivateKeyFile != "" {
		return cfg.PrivateKeyFile
	}
	return filepath.Join(cfg.OutputDir, cfg.Interface+".key")
}

// loadOrCreateKey reads a base64 private key from path, generating and
// saving one when the file does not exist.
func loadOrCreateKey(path string) (priv, pub string, err error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv = strings.TrimSpace(string(b))
		pub, err = wireguard.PublicKeyOf(priv)
		if err != nil {
			return "", "", fmt.Errorf("private key %s: %w", path, err)
		}
		return priv, pub, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", "", fmt.Errorf("read private key: %w", err)
	}
	if priv, pub, err = wireguard.GenerateKeyPair(); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(priv+"\n"), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	return priv, pub, nil
}

// registerWithRetry keeps registering until the controller answers.
// Authorization and validation failures are returned at once.
func registerWithRetry(ctx context.Context, c *agent.Client, req api.NodeRegistrationRequest, log *slog.Logger) (api.NodeConfigResponse, error) {
	backoff := time.Second
	for {
		resp, err := c.Register(ctx, req)
		if err == nil {
			return resp, nil
		}
		var se *agent.StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return api.NodeConfigResponse{}, fmt.Errorf("register: %w", err)
		}
		log.Warn("register failed", "retry", backoff, logger.Err(err))
		select {
		case <-ctx.Done():
			return api.NodeConfigResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}
