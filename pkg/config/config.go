// Package config loads controller and agent settings from defaults, an
// optional YAML file, a .env file, the environment and command-line flags.
package config

import (
	"time"

	"peer-sync/pkg/logger"
)

// EnvPrefix is prepended to every environment variable, e.g. PEERSYNC_STORE.
const EnvPrefix = "PEERSYNC"

// Controller holds controller settings.
type Controller struct {
	Listen    string        `mapstructure:"listen"`
	Token     string        `mapstructure:"token"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`

	Store      string `mapstructure:"store"`
	ConsulAddr string `mapstructure:"consul_addr"`
	LockKey    string `mapstructure:"lock_key"`

	TLSCert  string `mapstructure:"tls_cert"`
	TLSKey   string `mapstructure:"tls_key"`
	ClientCA string `mapstructure:"client_ca"`

	MySQLDSN string `mapstructure:"mysql_dsn"`

	// OverlayCIDR is the pool overlay addresses are allocated from by prepare.
	OverlayCIDR string `mapstructure:"overlay_cidr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Agent holds agent settings.
type Agent struct {
	NodeID        string `mapstructure:"node_id"`
	Network       string `mapstructure:"network"`
	Interface     string `mapstructure:"iface"`
	ControllerURL string `mapstructure:"controller"`
	Token         string `mapstructure:"token"`

	CAFile     string `mapstructure:"ca"`
	ClientCert string `mapstructure:"cert"`
	ClientKey  string `mapstructure:"key"`
	Insecure   bool   `mapstructure:"insecure"`

	PrivateKeyFile string   `mapstructure:"private_key_file"`
	ProvisionToken string   `mapstructure:"provision_token"`
	Endpoints      []string `mapstructure:"endpoints"`
	AutoEndpoint   bool     `mapstructure:"auto_endpoint"`
	CIDRs          []string `mapstructure:"cidrs"`
	OverlayIP      string   `mapstructure:"overlay_ip"`
	ListenPort     int      `mapstructure:"listen_port"`

	OutputDir      string        `mapstructure:"out"`
	Apply          bool          `mapstructure:"apply"`
	DryRun         bool          `mapstructure:"dry_run"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	JournalPath    string        `mapstructure:"journal"`
	ConsulAddr     string        `mapstructure:"consul_addr"`
	WebSocket      bool          `mapstructure:"websocket"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Logger returns the logging section of the controller config.
func (c *Controller) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, Format: c.LogFormat}
}

// Logger returns the logging section of the agent config.
func (a *Agent) Logger() logger.Config {
	return logger.Config{Level: a.LogLevel, Format: a.LogFormat}
}

// TLSEnabled reports whether both a certificate and a key are configured.
func (c *Controller) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
