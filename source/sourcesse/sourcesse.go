// Package sourcesse implements a source adapter for the Firebase Realtime
// Database REST streaming protocol (Server-Sent Events).
package sourcesse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/romshark/kommobridge/source"
)

var _ source.Source = new(Client)

// ErrCanceledBySource is returned when the source cancels the stream,
// which usually means the rules no longer permit reading the root.
var ErrCanceledBySource = errors.New("sourcesse: stream canceled by source")

// ErrIdleTimeout is returned when the stream went silent for too long.
var ErrIdleTimeout = errors.New("sourcesse: stream idle timeout")

// maxLineSize is the maximum size of a single SSE line.
const maxLineSize = 8 << 20

// Client subscribes to and removes nodes of a Firebase Realtime Database.
type Client struct {
	log         *slog.Logger
	databaseURL *url.URL
	token       string
	httpClient  *http.Client
	idleTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithIdleTimeout ends the subscription when nothing, not even a keep-alive,
// was received for d. The source sends keep-alives every 30 seconds.
// Default is 90 seconds, 0 disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// New creates a client for the database at databaseURL.
// token is passed as the auth query parameter and may be empty.
func New(databaseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(databaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("sourcesse: invalid database URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sourcesse: unsupported URL scheme %q", u.Scheme)
	}
	c := &Client{
		log:         slog.Default(),
		databaseURL: u,
		token:       token,
		httpClient:  &http.Client{},
		idleTimeout: 90 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// nodeURL returns the REST URL of the node at p.
func (c *Client) nodeURL(p string) string {
	u := *c.databaseURL
	// The root node is addressed as "/.json".
	u.Path = strings.TrimSuffix(u.Path, "/") + source.CleanRoot(p) + ".json"
	if c.token != "" {
		q := u.Query()
		q.Set("auth", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Remove deletes the node at p.
func (c *Client) Remove(ctx context.Context, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.nodeURL(p), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", p, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deleting %q: unexpected status %d: %s",
			p, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Subscribe streams changes below root until the stream ends or ctx is canceled.
func (c *Client) Subscribe(
	ctx context.Context, root string,
	onReady func(), onNotification func(source.Notification),
) error {
	root = source.CleanRoot(root)
	parentCtx := ctx
	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeURL(root), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if err := parentCtx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("connecting stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("connecting stream: unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var idle *time.Timer
	if c.idleTimeout > 0 {
		idle = time.AfterFunc(c.idleTimeout, func() { cancel(ErrIdleTimeout) })
		defer idle.Stop()
	}

	c.log.Debug("source stream connected", slog.String("root", root))
	onReady()

	d := decoder{root: root, onNotification: onNotification}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var event, data strings.Builder
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(c.idleTimeout)
		}
		line := scanner.Text()
		switch {
		case line == "":
			if event.Len() == 0 && data.Len() == 0 {
				continue
			}
			err := d.dispatch(event.String(), data.String())
			event.Reset()
			data.Reset()
			if err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"): // Comment.
		case strings.HasPrefix(line, "event:"):
			event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := parentCtx.Err(); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return fmt.Errorf("stream closed: %w", io.ErrUnexpectedEOF)
}

// decoder converts SSE events into notifications.
type decoder struct {
	root           string
	onNotification func(source.Notification)
	gotSnapshot    bool
}

type message struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

func (d *decoder) dispatch(event, data string) error {
	switch event {
	case "keep-alive":
		return nil
	case "cancel":
		return ErrCanceledBySource
	case "auth_revoked":
		return source.ErrAuthRevoked
	case "put", "patch":
	default:
		return nil // Unknown events are ignored.
	}

	var m message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return fmt.Errorf("decoding %s event: %w", event, err)
	}
	var payload any
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			return fmt.Errorf("decoding %s data: %w", event, err)
		}
	}

	if event == "patch" {
		children, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("patch event with non-object data at %q", m.Path)
		}
		for _, key := range slices.Sorted(maps.Keys(children)) {
			d.emit(path.Join(m.Path, key), children[key], source.KindChanged)
		}
		return nil
	}

	// The first put at the root carries the current content of the tree.
	// Every record in it is reported as added so pending nodes are processed.
	if !d.gotSnapshot && (m.Path == "/" || m.Path == "") {
		d.gotSnapshot = true
		if payload == nil {
			return nil // Empty tree.
		}
	}
	d.emit(m.Path, payload, source.KindAdded)
	return nil
}

// emit reports the value written at rel record by record.
func (d *decoder) emit(rel string, payload any, kind source.Kind) {
	source.Flatten(source.Join(d.root, rel), payload, kind, d.onNotification)
}
