package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"peer-sync/pkg/logger"
)

// Loader reads configuration for one process kind.
type Loader struct {
	v        *viper.Viper
	file     string
	envFiles []string
}

// NewLoader returns a loader. file is an optional YAML config path.
func NewLoader(file string) *Loader {
	return &Loader{v: viper.New(), file: file, envFiles: []string{".env"}}
}

// WithEnvFiles overrides the dotenv files loaded before reading the environment.
func (l *Loader) WithEnvFiles(files ...string) *Loader {
	l.envFiles = files
	return l
}

// BindFlags makes set flags override file and environment values. Dashes in
// flag names map to underscores in keys.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := l.v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Set forces a value. Used by tests and by commands with positional args.
func (l *Loader) Set(key string, value any) { l.v.Set(key, value) }

// Controller loads and validates controller settings.
func (l *Loader) Controller() (*Controller, error) {
	l.v.SetDefault("listen", ":8080")
	l.v.SetDefault("token", "")
	l.v.SetDefault("jwt_secret", "")
	l.v.SetDefault("jwt_ttl", 12*time.Hour)
	l.v.SetDefault("store", "memory")
	l.v.SetDefault("consul_addr", "127.0.0.1:8500")
	l.v.SetDefault("lock_key", "peer-sync/locks/leader")
	l.v.SetDefault("tls_cert", "")
	l.v.SetDefault("tls_key", "")
	l.v.SetDefault("client_ca", "")
	l.v.SetDefault("mysql_dsn", "")
	l.v.SetDefault("overlay_cidr", "10.10.0.0/16")
	l.setLogDefaults()

	var cfg Controller
	if err := l.load(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Agent loads and validates agent settings.
func (l *Loader) Agent() (*Agent, error) {
	l.v.SetDefault("node_id", "")
	l.v.SetDefault("network", "default")
	l.v.SetDefault("iface", "wg0")
	l.v.SetDefault("controller", "http://127.0.0.1:8080")
	l.v.SetDefault("token", "")
	l.v.SetDefault("ca", "")
	l.v.SetDefault("cert", "")
	l.v.SetDefault("key", "")
	l.v.SetDefault("insecure", false)
	l.v.SetDefault("private_key_file", "")
	l.v.SetDefault("provision_token", "")
	l.v.SetDefault("endpoints", []string{})
	l.v.SetDefault("auto_endpoint", false)
	l.v.SetDefault("cidrs", []string{})
	l.v.SetDefault("overlay_ip", "")
	l.v.SetDefault("listen_port", 51820)
	l.v.SetDefault("out", "./out")
	l.v.SetDefault("apply", false)
	l.v.SetDefault("dry_run", false)
	l.v.SetDefault("resync_interval", 30*time.Second)
	l.v.SetDefault("health_interval", 30*time.Second)
	l.v.SetDefault("journal", "./out/journal.db")
	l.v.SetDefault("consul_addr", "")
	l.v.SetDefault("websocket", true)
	l.setLogDefaults()

	var cfg Agent
	if err := l.load(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setLogDefaults() {
	l.v.SetDefault("log_level", "info")
	l.v.SetDefault("log_format", "text")
}

func (l *Loader) load(out any) error {
	for _, f := range l.envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	l.v.AutomaticEnv()

	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", l.file, err)
		}
	}

	if err := l.v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// Validate checks controller settings.
func (c *Controller) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	switch c.Store {
	case "memory", "consul":
	default:
		return fmt.Errorf("unknown store %q (must be memory or consul)", c.Store)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.ClientCA != "" && !c.TLSEnabled() {
		return errors.New("client_ca requires tls_cert and tls_key")
	}
	if c.JWTTTL <= 0 {
		return errors.New("jwt_ttl must be positive")
	}
	if _, err := netip.ParsePrefix(c.OverlayCIDR); err != nil {
		return fmt.Errorf("invalid overlay_cidr %q: %w", c.OverlayCIDR, err)
	}
	return validateLog(c.LogLevel, c.LogFormat)
}

// Validate checks agent settings.
func (a *Agent) Validate() error {
	if a.NodeID == "" {
		return errors.New("node_id is required")
	}
	if a.Network == "" {
		return errors.New("network is required")
	}
	if a.Interface == "" {
		return errors.New("interface name is required")
	}
	if a.ControllerURL == "" {
		return errors.New("controller URL is required")
	}
	if u, err := url.Parse(a.ControllerURL); err != nil || u.Host == "" {
		return fmt.Errorf("invalid controller URL %q", a.ControllerURL)
	}
	if a.ResyncInterval < time.Second {
		return errors.New("resync_interval must be at least 1s")
	}
	if a.HealthInterval != 0 && a.HealthInterval < time.Second {
		return errors.New("health_interval must be 0 or at least 1s")
	}
	if a.ListenPort < 0 || a.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", a.ListenPort)
	}
	if (a.ClientCert == "") != (a.ClientKey == "") {
		return errors.New("cert and key must be set together")
	}
	return validateLog(a.LogLevel, a.LogFormat)
}

func validateLog(level, format string) error {
	if _, err := logger.ParseLevel(level); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if format != logger.FormatText && format != logger.FormatJSON {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", format)
	}
	return nil
}
