package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/model"
)

// ErrNotConnected is returned by WSClient.Send while no connection is up.
var ErrNotConnected = errors.New("websocket not connected")

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	wsWrite    = 10 * time.Second
)

// WSClient keeps one websocket connection to the controller and hands
// pushed desired snapshots to OnDesired.
type WSClient struct {
	endpoint string
	header   http.Header
	dialer   *websocket.Dialer
	log      *slog.Logger

	// OnDesired receives snapshots pushed by the controller.
	OnDesired func(model.DesiredSnapshot)
	// OnConnect runs after every successful dial.
	OnConnect func()

	mu   sync.Mutex
	conn *websocket.Conn

	minBackoff, maxBackoff time.Duration
}

// NewWSClient derives the ws(s) endpoint from the controller base URL.
func NewWSClient(controller, nodeID, network string, header http.Header, tlsCfg *tls.Config, log *slog.Logger) (*WSClient, error) {
	u, err := url.Parse(controller)
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/ws/agent"
	u.RawQuery = url.Values{"nodeId": {nodeID}, "network": {network}}.Encode()
	if log == nil {
		log = slog.Default()
	}
	return &WSClient{
		endpoint:   u.String(),
		header:     header,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
		log:        log.With("component", "ws"),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}, nil
}

// Run dials and reads until ctx is done, reconnecting with exponential
// backoff.
func (c *WSClient) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()
	backoff := c.minBackoff
	for ctx.Err() == nil {
		conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.log.Warn("ws dial failed", "url", c.endpoint, "status", status, "retry", backoff, logger.Err(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info("ws connected", "url", c.endpoint)
		if c.OnConnect != nil {
			c.OnConnect()
		}
		c.readLoop(conn)
		c.closeConn()
		if ctx.Err() == nil {
			c.log.Info("ws disconnected", "retry", backoff)
			sleepCtx(ctx, backoff)
		}
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg model.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case model.MessageDesired:
			var snap model.DesiredSnapshot
			if err := msg.Decode(&snap); err != nil {
				c.log.Warn("ws desired decode failed", logger.Err(err))
				continue
			}
			c.log.Debug("ws desired received", "version", snap.Version, "peers", len(snap.Peers))
			if c.OnDesired != nil {
				c.OnDesired(snap)
			}
		default:
			c.log.Debug("ws message ignored", "type", msg.Type)
		}
	}
}

// Connected reports whether a connection is currently up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes a message on the current connection.
func (c *WSClient) Send(msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWrite))
	return c.conn.WriteJSON(msg)
}

func (c *WSClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
