package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-sync/pkg/config"
	"peer-sync/pkg/logger"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "dev")
}

func TestServeRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown store", []string{"serve", "--store", "etcd"}},
		{"half tls", []string{"serve", "--tls-cert", "cert.pem"}},
		{"bad overlay", []string{"--overlay-cidr", "10.10.0.0"}},
		{"bad log level", []string{"serve", "--log-level", "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := rootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation failed")
		})
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg, err := config.NewLoader("").WithEnvFiles().Controller()
	require.NoError(t, err)
	cfg.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger.Discard()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
