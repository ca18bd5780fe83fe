package sourcews_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/source"
	"github.com/romshark/kommobridge/source/sourcews"
)

var upgrader = websocket.Upgrader{}

type received struct {
	Type string `json:"type"`
	Root string `json:"root"`
	Path string `json:"path"`
}

// relay runs fn for every accepted connection after reading the subscribe frame.
func relay(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var sub received
		require.NoError(t, conn.ReadJSON(&sub))
		require.Equal(t, "subscribe", sub.Type)
		require.Equal(t, "/languages", sub.Root)
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribe(t *testing.T) {
	removed := make(chan received, 1)
	url := relay(t, func(conn *websocket.Conn) {
		for _, f := range []string{
			`{"type":"event","kind":"added","path":"/user123","data":{"language":"fr"}}`,
			`not json`,
			`{"type":"event","kind":"bogus","path":"/x","data":1}`,
			`{"type":"hello"}`,
			`{"type":"event","kind":"changed","path":"/user123","data":null}`,
		} {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		var r received
		require.NoError(t, conn.ReadJSON(&r))
		removed <- r
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","message":"shutting down"}`))
	})

	c := sourcews.New(url, "tok")
	var l []source.Notification
	err := c.Subscribe(t.Context(), "languages/", func() {}, func(n source.Notification) {
		l = append(l, n)
		if len(l) == 2 {
			// Called from the read loop, the connection is active.
			require.NoError(t, c.Remove(t.Context(), "/languages/user123"))
		}
	})
	require.ErrorContains(t, err, "relay error: shutting down")
	require.Equal(t, []source.Notification{
		{
			Kind: source.KindAdded, Path: "/languages/user123",
			Payload: map[string]any{"language": "fr"},
		},
		{Kind: source.KindRemoved, Path: "/languages/user123"},
	}, l)
	r := <-removed
	require.Equal(t, "remove", r.Type)
	require.Equal(t, "/languages/user123", r.Path)
}

func TestSubscribeCanceled(t *testing.T) {
	url := relay(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage() // Block until the client goes away.
	})
	c := sourcews.New(url, "tok")
	ctx, cancel := context.WithCancel(t.Context())
	err := c.Subscribe(ctx, "/languages", cancel, func(source.Notification) {})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, c.Remove(t.Context(), "/x"), sourcews.ErrNotConnected)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()
	c := sourcews.New("ws"+strings.TrimPrefix(srv.URL, "http"), "tok",
		sourcews.WithDialer(&websocket.Dialer{HandshakeTimeout: time.Second}))
	err := c.Subscribe(t.Context(), "/", func() { t.Fatal("must not be ready") },
		func(source.Notification) {})
	require.ErrorContains(t, err, "status 403")
}

func TestRemoveNotConnected(t *testing.T) {
	c := sourcews.New("ws://127.0.0.1:1", "")
	require.ErrorIs(t, c.Remove(t.Context(), "/x"), sourcews.ErrNotConnected)
}
