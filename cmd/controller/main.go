package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"peer-sync/pkg/api"
	"peer-sync/pkg/auth"
	"peer-sync/pkg/config"
	"peer-sync/pkg/db"
	"peer-sync/pkg/logger"
	"peer-sync/pkg/store"
	"peer-sync/pkg/version"
)

const (
	leaderTTL      = 15 * time.Second
	resyncInterval = 30 * time.Second
	shutdownWait   = 10 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", logger.Err(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	serveCommand := serveCmd(&configFile)
	cmd := &cobra.Command{
		Use:           "peer-sync-controller",
		Short:         "Desired-state controller for WireGuard peers",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serveCommand.RunE,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	cmd.Flags().AddFlagSet(serveCommand.Flags())
	cmd.AddCommand(serveCommand, versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

func serveCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the controller API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(*configFile)
			if err := loader.BindFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loader.Controller()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logger())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	f := cmd.Flags()
	f.String("listen", ":8080", "listen address")
	f.String("token", "", "static API token accepted from agents and operators")
	f.String("jwt-secret", "", "HMAC secret for operator JWTs (enables /api/v1/auth)")
	f.Duration("jwt-ttl", 12*time.Hour, "operator JWT lifetime")
	f.String("store", "memory", "store backend: memory|consul")
	f.String("consul-addr", "127.0.0.1:8500", "consul address (store=consul)")
	f.String("lock-key", "peer-sync/locks/leader", "consul lock key for leader election")
	f.String("tls-cert", "", "TLS certificate (enables HTTPS with --tls-key)")
	f.String("tls-key", "", "TLS key (enables HTTPS with --tls-cert)")
	f.String("client-ca", "", "require client certificates signed by this CA")
	f.String("mysql-dsn", "", "MySQL DSN for operator accounts")
	f.String("overlay-cidr", "10.10.0.0/16", "pool for overlay addresses handed out by prepare")
	f.String("log-level", "info", "log level: debug|info|warn|error")
	f.String("log-format", "text", "log format: text|json")
	return cmd
}

type leaderGuard interface {
	LeaderGuard(ctx context.Context, key string, ttl time.Duration, cb func(context.Context))
}

func serve(ctx context.Context, cfg *config.Controller, log *slog.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := st.Ping(); err != nil {
		return fmt.Errorf("store %s not reachable: %w", cfg.Store, err)
	}

	overlay, err := netip.ParsePrefix(cfg.OverlayCIDR)
	if err != nil {
		return fmt.Errorf("parse overlay cidr: %w", err)
	}
	opts := api.Options{
		Store:       st,
		Token:       cfg.Token,
		OverlayCIDR: overlay.Masked(),
		Logger:      log,
	}
	if cfg.JWTSecret != "" {
		if opts.Issuer, err = auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL); err != nil {
			return err
		}
	}
	if cfg.MySQLDSN != "" {
		gdb, err := db.Open(cfg.MySQLDSN)
		if err != nil {
			return err
		}
		if err := db.Migrate(gdb); err != nil {
			return err
		}
		opts.Users = db.NewUsers(gdb)
		log.Info("operator accounts enabled", "jwt", opts.Issuer != nil)
	}
	if cfg.Token == "" && opts.Issuer == nil {
		log.Warn("no token or jwt secret configured, API is unauthenticated")
	}

	srv := api.NewServer(opts)
	defer srv.Hub().Close()

	if w, ok := st.(store.Watcher); ok && cfg.Store == "consul" {
		w.StartWatch(ctx, func(network string) {
			log.Debug("store change observed", "network", network)
			srv.NotifyNetwork(network)
		})
	}
	if lg, ok := st.(leaderGuard); ok && cfg.Store == "consul" {
		go lg.LeaderGuard(ctx, cfg.LockKey, leaderTTL, func(lctx context.Context) {
			log.Info("leader lock acquired", "key", cfg.LockKey)
			resyncLoop(lctx, st, srv, log)
			log.Info("leader lock released", "key", cfg.LockKey)
		})
	} else {
		go resyncLoop(ctx, st, srv, log)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := api.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.ClientCA)
		if err != nil {
			return fmt.Errorf("build tls config: %w", err)
		}
		httpSrv.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("controller listening", "addr", cfg.Listen, "tls", cfg.TLSEnabled(), "store", cfg.Store, "version", version.Version)
		var err error
		if cfg.TLSEnabled() {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Controller) (store.Store, error) {
	switch cfg.Store {
	case "consul":
		return store.NewConsulStore(cfg.ConsulAddr, os.Getenv("CONSUL_HTTP_TOKEN"))
	default:
		return store.NewMemoryStore(), nil
	}
}

// resyncLoop re-pushes desired snapshots to connected agents so drift on a
// node is repaired even when nothing changed on the controller.
func resyncLoop(ctx context.Context, st store.Store, srv *api.Server, log *slog.Logger) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		nodes, err := st.ListNodes("")
		if err != nil {
			log.Warn("resync list nodes failed", logger.Err(err))
			continue
		}
		seen := make(map[string]bool)
		for _, n := range nodes {
			if !seen[n.Network] {
				seen[n.Network] = true
				srv.NotifyNetwork(n.Network)
			}
		}
	}
}
