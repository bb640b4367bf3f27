package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"peer-sync/pkg/api"
	"peer-sync/pkg/model"
)

// ClientConfig configures the controller client.
type ClientConfig struct {
	BaseURL        string
	NodeID         string
	Token          string
	ProvisionToken string
	CAFile         string
	CertFile       string
	KeyFile        string
	Insecure       bool
	Timeout        time.Duration
}

// StatusError is returned for non-2xx controller replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client talks to the controller HTTP API.
type Client struct {
	base      string
	nodeID    string
	token     string
	provision string
	http      *http.Client
	tls       *tls.Config
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("controller URL is required")
	}
	tlsCfg, err := buildTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		nodeID:    cfg.NodeID,
		token:     cfg.Token,
		provision: cfg.ProvisionToken,
		tls:       tlsCfg,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
		},
	}, nil
}

func buildTLSConfig(caFile, certFile, keyFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12} //nolint:gosec
	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// BaseURL returns the controller URL without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// TLSConfig returns the TLS settings shared with the websocket dialer.
func (c *Client) TLSConfig() *tls.Config { return c.tls }

// AuthHeader returns the credentials sent with every request.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.provision != "" && c.nodeID != "" {
		h.Set(api.HeaderNodeID, c.nodeID)
		h.Set(api.HeaderProvisionToken, c.provision)
	}
	return h
}

// Register announces the node and returns its interface settings.
func (c *Client) Register(ctx context.Context, req api.NodeRegistrationRequest) (api.NodeConfigResponse, error) {
	var resp api.NodeConfigResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/nodes/register", req, &resp)
	return resp, err
}

// Desired fetches the node's desired snapshot. With waitVersion >= 0 the
// controller holds the request until the network version moves past it.
func (c *Client) Desired(ctx context.Context, network string, waitVersion int64) (model.DesiredSnapshot, error) {
	q := url.Values{"nodeId": {c.nodeID}}
	if waitVersion >= 0 {
		q.Set("waitVersion", strconv.FormatInt(waitVersion, 10))
	}
	path := "/api/v1/networks/" + url.PathEscape(network) + "/desired?" + q.Encode()
	var snap model.DesiredSnapshot
	err := c.do(ctx, http.MethodGet, path, nil, &snap)
	return snap, err
}

// Report posts an apply report.
func (c *Client) Report(ctx context.Context, r model.ApplyReport) error {
	return c.do(ctx, http.MethodPost, "/api/v1/reports", r, nil)
}

// Health posts a health report.
func (c *Client) Health(ctx context.Context, h model.HealthReport) error {
	return c.do(ctx, http.MethodPost, "/api/v1/health", h, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
