package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// ValidationError lists all problems of a configuration.
type ValidationError struct{ Issues []string }

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

// Validate checks c and returns a *ValidationError with every issue found.
func (c Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if _, err := c.SlogLevel(); err != nil {
		add("log level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.LogFormat != LogText && c.LogFormat != LogJSON {
		add("log format %q is not one of %s, %s", c.LogFormat, LogText, LogJSON)
	}

	switch c.Source.Driver {
	case SourceSSE:
		if c.Source.DatabaseURL == "" {
			add("source database URL (FIREBASE_DATABASE_URL) is required")
		} else if !hasScheme(c.Source.DatabaseURL, "http", "https") {
			add("source database URL must start with http:// or https://")
		}
	case SourceWS:
		if c.Source.RelayURL == "" {
			add("source relay URL (KOMMOBRIDGE_RELAY_URL) is required")
		} else if !hasScheme(c.Source.RelayURL, "ws", "wss") {
			add("source relay URL must start with ws:// or wss://")
		}
	default:
		add("source driver %q is not one of %s, %s", c.Source.Driver, SourceSSE, SourceWS)
	}
	if c.Source.IdleTimeout < 0 {
		add("source idle timeout must not be negative")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			add("sqlite path is required")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			add("postgres DSN is required")
		}
		if c.Store.PostgresMaxConns < 1 {
			add("postgres max conns must be at least 1")
		}
	default:
		add("store driver %q is not one of %s, %s, %s",
			c.Store.Driver, StoreMemory, StoreSQLite, StorePostgres)
	}

	if c.KommoEnabled() {
		if c.Kommo.AccessToken == "" {
			add("kommo access token (KOMMO_ACCESS_TOKEN) is required")
		}
		if c.Kommo.BaseURL != "" && !hasScheme(c.Kommo.BaseURL, "http", "https") {
			add("kommo base URL must start with http:// or https://")
		}
		if c.Kommo.MaxRetries < 1 {
			add("kommo max retries must be at least 1")
		}
		if c.Kommo.BaseBackoff <= 0 {
			add("kommo base backoff must be positive")
		}
		if c.Kommo.MaxBackoff < c.Kommo.BaseBackoff {
			add("kommo max backoff must not be below base backoff")
		}
		if c.Kommo.RequestTimeout < 0 {
			add("kommo request timeout must not be negative")
		}
	}

	if c.Pipeline.QueueSize < 1 {
		add("queue size must be at least 1")
	}
	if c.Pipeline.PutTimeout < 0 {
		add("put timeout must not be negative")
	}
	if c.Pipeline.HandlerTimeout < 0 {
		add("handler timeout must not be negative")
	}
	if c.Pipeline.DrainTimeout <= 0 {
		add("drain timeout must be positive")
	}

	if c.Handlers.SessionTTL <= 0 {
		add("session TTL must be positive")
	}
	if c.Handlers.LanguagePath == "" {
		add("language path is required")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}
