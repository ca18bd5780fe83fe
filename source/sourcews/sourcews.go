// Package sourcews implements a source adapter for WebSocket relays that push
// change notifications as JSON frames.
//
// After connecting the client sends a subscribe frame:
//
//	{"type":"subscribe","root":"/languages"}
//
// and expects event frames with paths relative to the root:
//
//	{"type":"event","kind":"added","path":"/user123","data":{"language":"fr"}}
//
// Frames carrying a whole subtree are reported record by record,
// see source.Flatten.
//
// Remove sends {"type":"remove","path":"/languages/user123"} over the
// active connection.
package sourcews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/romshark/kommobridge/source"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var _ source.Source = new(Client)

// ErrNotConnected is returned by Remove while there's no active subscription.
var ErrNotConnected = errors.New("sourcews: not connected")

// Client manages the WebSocket connection to a relay.
type Client struct {
	log    *slog.Logger
	url    string
	token  string
	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex // Serializes all conn writes.
	conn    *websocket.Conn
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New creates a client for the relay at url (ws:// or wss://).
// A non-empty token is sent as a bearer Authorization header.
func New(url, token string, opts ...Option) *Client {
	c := &Client{
		log:    slog.Default(),
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type frame struct {
	Type    string          `json:"type"`
	Root    string          `json:"root,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Path    string          `json:"path,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func parseKind(s string) (source.Kind, bool) {
	switch s {
	case "added":
		return source.KindAdded, true
	case "changed":
		return source.KindChanged, true
	case "removed":
		return source.KindRemoved, true
	}
	return 0, false
}

// Subscribe connects, subscribes to root and reads event frames until
// the connection drops or ctx is canceled.
func (c *Client) Subscribe(
	ctx context.Context, root string,
	onReady func(), onNotification func(source.Notification),
) error {
	root = source.CleanRoot(root)
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil {
			return fmt.Errorf("dialing relay: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing relay: %w", err)
	}
	defer conn.Close()

	// The connection isn't shared yet, no write lock needed.
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Type: "subscribe", Root: root}); err != nil {
		return fmt.Errorf("sending subscribe frame: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	ctxConn, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(ctxConn, conn)
	go func() {
		// Unblock ReadMessage on cancellation.
		<-ctxConn.Done()
		_ = conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	onReady()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading relay: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("skipping malformed relay frame", slog.Any("err", err))
			continue
		}
		switch f.Type {
		case "event":
		case "error":
			return fmt.Errorf("relay error: %s", f.Message)
		default:
			continue
		}
		kind, ok := parseKind(f.Kind)
		if !ok {
			c.log.Warn("skipping relay frame with unknown kind",
				slog.String("kind", f.Kind))
			continue
		}
		var payload any
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &payload); err != nil {
				c.log.Warn("skipping relay frame with malformed data",
					slog.Any("err", err))
				continue
			}
		}
		source.Flatten(source.Join(root, f.Path), payload, kind, onNotification)
	}
}

// Remove asks the relay to delete the node at path.
func (c *Client) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame{Type: "remove", Path: source.CleanRoot(path)}); err != nil {
		return fmt.Errorf("sending remove frame: %w", err)
	}
	return nil
}

// pingLoop sends periodic pings on conn until ctx is canceled.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
