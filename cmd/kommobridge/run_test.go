package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent writes.
type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

// setEnv isolates the test from the environment of the host.
func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for _, k := range []string{
		"LOG_LEVEL", "LOG_FORMAT", "KOMMOBRIDGE_ADMIN_ADDR",
		"FIREBASE_DATABASE_URL", "FIREBASE_PATH", "KOMMOBRIDGE_SOURCE_DRIVER",
		"KOMMOBRIDGE_STORE_DRIVER", "KOMMOBRIDGE_SQLITE_PATH",
		"KOMMO_SUBDOMAIN", "KOMMO_ACCESS_TOKEN",
	} {
		t.Setenv(k, kv[k])
	}
}

func TestRunInvalidConfig(t *testing.T) {
	setEnv(t, map[string]string{
		"LOG_LEVEL":                 "info",
		"LOG_FORMAT":                "text",
		"KOMMOBRIDGE_SOURCE_DRIVER": "sse",
		"KOMMOBRIDGE_STORE_DRIVER":  "memory",
	})
	var out syncBuffer
	code := run(t.Context(), nil, &out)
	require.Equal(t, ExitConfig, code)
	require.Contains(t, out.String(), "FIREBASE_DATABASE_URL")
}

func TestRunBadFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--no-such-flag"},
		{"positional"},
		{"--config", filepath.Join(t.TempDir(), "missing.yaml")},
	} {
		t.Run(fmt.Sprint(args), func(t *testing.T) {
			var out syncBuffer
			require.Equal(t, ExitConfig, run(t.Context(), args, &out))
		})
	}
}

func TestRunStoreFailure(t *testing.T) {
	setEnv(t, map[string]string{
		"LOG_LEVEL":                 "info",
		"LOG_FORMAT":                "text",
		"FIREBASE_DATABASE_URL":     "http://127.0.0.1:1",
		"KOMMOBRIDGE_SOURCE_DRIVER": "sse",
		"KOMMOBRIDGE_STORE_DRIVER":  "sqlite",
		"KOMMOBRIDGE_SQLITE_PATH":   filepath.Join(t.TempDir(), "missing", "kb.db"),
	})
	var out syncBuffer
	code := run(t.Context(), []string{"--admin-addr", "off"}, &out)
	require.Equal(t, ExitFailure, code)
	require.Contains(t, out.String(), "opening session store")
}

func TestRunProcessesLanguageSelection(t *testing.T) {
	removed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			// The whole database below the default root "/".
			_, _ = fmt.Fprint(w, "event: put\n"+
				`data: {"path":"/","data":{"languages":{"user123":{"language":"fr"}}}}`+"\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case http.MethodDelete:
			removed <- r.URL.Path
			_, _ = w.Write([]byte("null"))
		}
	}))
	defer srv.Close()

	setEnv(t, map[string]string{
		"LOG_LEVEL":                 "debug",
		"LOG_FORMAT":                "json",
		"FIREBASE_DATABASE_URL":     srv.URL,
		"KOMMOBRIDGE_SOURCE_DRIVER": "sse",
		"KOMMOBRIDGE_STORE_DRIVER":  "memory",
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var out syncBuffer
	exit := make(chan int, 1)
	go func() { exit <- run(ctx, []string{"--admin-addr", "127.0.0.1:0"}, &out) }()

	select {
	case p := <-removed:
		require.Equal(t, "/languages/user123.json", p)
	case code := <-exit:
		t.Fatalf("exited early with %d: %s", code, out.String())
	case <-time.After(10 * time.Second):
		t.Fatalf("node not removed: %s", out.String())
	}

	cancel()
	select {
	case code := <-exit:
		require.Equal(t, ExitOK, code, out.String())
	case <-time.After(10 * time.Second):
		t.Fatal("not stopped")
	}
	require.Contains(t, out.String(), "bridge stopped")
}
