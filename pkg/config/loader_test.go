package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDotEnv(file string) *Loader { return NewLoader(file).WithEnvFiles() }

func TestControllerDefaults(t *testing.T) {
	cfg, err := noDotEnv("").Controller()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 12*time.Hour, cfg.JWTTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.TLSEnabled())
}

func TestControllerFromEnv(t *testing.T) {
	t.Setenv("PEERSYNC_STORE", "consul")
	t.Setenv("PEERSYNC_LISTEN", ":9090")
	t.Setenv("PEERSYNC_LOG_FORMAT", "json")

	cfg, err := noDotEnv("").Controller()
	require.NoError(t, err)
	assert.Equal(t, "consul", cfg.Store)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestControllerValidation(t *testing.T) {
	tests := map[string]map[string]any{
		"unknown store":     {"store": "etcd"},
		"cert without key":  {"tls_cert": "/tmp/c.pem"},
		"client ca alone":   {"client_ca": "/tmp/ca.pem"},
		"bad log level":     {"log_level": "loud"},
		"bad log format":    {"log_format": "xml"},
		"bad overlay cidr":  {"overlay_cidr": "10.0.0.0/40"},
		"zero jwt lifetime": {"jwt_ttl": "0s"},
	}
	for name, overrides := range tests {
		t.Run(name, func(t *testing.T) {
			l := noDotEnv("")
			for k, v := range overrides {
				l.Set(k, v)
			}
			_, err := l.Controller()
			assert.Error(t, err)
		})
	}
}

func TestAgentFromFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: edge-1
network: lab
controller: https://ctl.example.net
resync_interval: 45s
cidrs: [10.20.0.0/24, 10.21.0.0/24]
`), 0o600))

	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.String("iface", "wg0", "")
	fs.Duration("resync-interval", 30*time.Second, "")
	require.NoError(t, fs.Parse([]string{"--iface", "wg-lab"}))

	l := noDotEnv(path)
	require.NoError(t, l.BindFlags(fs))
	cfg, err := l.Agent()
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.NodeID)
	assert.Equal(t, "lab", cfg.Network)
	assert.Equal(t, "wg-lab", cfg.Interface)
	assert.Equal(t, 45*time.Second, cfg.ResyncInterval)
	assert.Equal(t, []string{"10.20.0.0/24", "10.21.0.0/24"}, cfg.CIDRs)
}

func TestAgentDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PEERSYNC_NODE_ID=from-dotenv\n"), 0o600))
	t.Setenv("PEERSYNC_NODE_ID", "")
	require.NoError(t, os.Unsetenv("PEERSYNC_NODE_ID"))

	cfg, err := NewLoader("").WithEnvFiles(envFile).Agent()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.NodeID)
	require.NoError(t, os.Unsetenv("PEERSYNC_NODE_ID"))
}

func TestAgentValidation(t *testing.T) {
	tests := map[string]map[string]any{
		"missing node id": {"node_id": ""},
		"short resync":    {"resync_interval": "500ms"},
		"bad controller":  {"controller": "not a url"},
		"cert alone":      {"cert": "/tmp/c.pem"},
		"bad port":        {"listen_port": 70000},
	}
	for name, overrides := range tests {
		t.Run(name, func(t *testing.T) {
			l := noDotEnv("")
			l.Set("node_id", "n1")
			for k, v := range overrides {
				l.Set(k, v)
			}
			_, err := l.Agent()
			assert.Error(t, err)
		})
	}
}
