// Package config loads and validates the bridge configuration.
//
// Values are resolved in order: defaults, optional config file
// (.yaml/.yml, .json, .toml), environment variables. Command line flags
// are applied on top by the caller before Validate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("invalid configuration")

const (
	SourceSSE = "sse"
	SourceWS  = "ws"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	LogText = "text"
	LogJSON = "json"
)

// Config holds the runtime parameters of the bridge.
type Config struct {
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" env:"LOG_FORMAT"`

	// AdminAddr is the listen address of the admin HTTP server,
	// empty disables it.
	AdminAddr string `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr" env:"KOMMOBRIDGE_ADMIN_ADDR"`

	Source   Source   `json:"source" yaml:"source" toml:"source"`
	Store    Store    `json:"store" yaml:"store" toml:"store"`
	Kommo    Kommo    `json:"kommo" yaml:"kommo" toml:"kommo"`
	Pipeline Pipeline `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Handlers Handlers `json:"handlers" yaml:"handlers" toml:"handlers"`
}

type Source struct {
	// Driver is SourceSSE or SourceWS.
	Driver string `json:"driver" yaml:"driver" toml:"driver" env:"KOMMOBRIDGE_SOURCE_DRIVER"`

	// DatabaseURL is the Firebase Realtime Database URL (sse driver).
	DatabaseURL string `json:"database_url" yaml:"database_url" toml:"database_url" env:"FIREBASE_DATABASE_URL"`

	// RelayURL is the WebSocket relay URL (ws driver).
	RelayURL string `json:"relay_url" yaml:"relay_url" toml:"relay_url" env:"KOMMOBRIDGE_RELAY_URL"`

	// Path is the root the listener subscribes to.
	Path string `json:"path" yaml:"path" toml:"path" env:"FIREBASE_PATH"`

	Token     string `json:"token" yaml:"token" toml:"token" env:"KOMMOBRIDGE_SOURCE_TOKEN"`
	TokenFile string `json:"token_file" yaml:"token_file" toml:"token_file" env:"KOMMOBRIDGE_SOURCE_TOKEN_FILE"`

	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout" env:"KOMMOBRIDGE_SOURCE_IDLE_TIMEOUT"`
}

type Store struct {
	// Driver is StoreMemory, StoreSQLite or StorePostgres.
	Driver string `json:"driver" yaml:"driver" toml:"driver" env:"KOMMOBRIDGE_STORE_DRIVER"`

	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path" toml:"sqlite_path" env:"KOMMOBRIDGE_SQLITE_PATH"`

	PostgresDSN      string `json:"postgres_dsn" yaml:"postgres_dsn" toml:"postgres_dsn" env:"KOMMOBRIDGE_POSTGRES_DSN"`
	PostgresDSNFile  string `json:"postgres_dsn_file" yaml:"postgres_dsn_file" toml:"postgres_dsn_file" env:"KOMMOBRIDGE_POSTGRES_DSN_FILE"`
	PostgresMaxConns int32  `json:"postgres_max_conns" yaml:"postgres_max_conns" toml:"postgres_max_conns" env:"KOMMOBRIDGE_POSTGRES_MAX_CONNS"`
}

type Kommo struct {
	// Subdomain is the account, empty disables CRM sync.
	Subdomain string `json:"subdomain" yaml:"subdomain" toml:"subdomain" env:"KOMMO_SUBDOMAIN"`

	// BaseURL overrides the API base derived from Subdomain.
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url" env:"KOMMOBRIDGE_KOMMO_BASE_URL"`

	AccessToken     string `json:"access_token" yaml:"access_token" toml:"access_token" env:"KOMMO_ACCESS_TOKEN"`
	AccessTokenFile string `json:"access_token_file" yaml:"access_token_file" toml:"access_token_file" env:"KOMMO_ACCESS_TOKEN_FILE"`

	MaxRetries     int      `json:"max_retries" yaml:"max_retries" toml:"max_retries" env:"KOMMOBRIDGE_KOMMO_MAX_RETRIES"`
	BaseBackoff    Duration `json:"base_backoff" yaml:"base_backoff" toml:"base_backoff" env:"KOMMOBRIDGE_KOMMO_BASE_BACKOFF"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff" toml:"max_backoff" env:"KOMMOBRIDGE_KOMMO_MAX_BACKOFF"`
	Jitter         bool     `json:"jitter" yaml:"jitter" toml:"jitter" env:"KOMMOBRIDGE_KOMMO_JITTER"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout" env:"KOMMOBRIDGE_KOMMO_REQUEST_TIMEOUT"`
}

type Pipeline struct {
	QueueSize      int      `json:"queue_size" yaml:"queue_size" toml:"queue_size" env:"KOMMOBRIDGE_QUEUE_SIZE"`
	PutTimeout     Duration `json:"put_timeout" yaml:"put_timeout" toml:"put_timeout" env:"KOMMOBRIDGE_PUT_TIMEOUT"`
	HandlerTimeout Duration `json:"handler_timeout" yaml:"handler_timeout" toml:"handler_timeout" env:"KOMMOBRIDGE_HANDLER_TIMEOUT"`
	DrainTimeout   Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout" env:"KOMMOBRIDGE_DRAIN_TIMEOUT"`
}

type Handlers struct {
	SessionTTL          Duration `json:"session_ttl" yaml:"session_ttl" toml:"session_ttl" env:"KOMMOBRIDGE_SESSION_TTL"`
	LanguagePath        string   `json:"language_path" yaml:"language_path" toml:"language_path" env:"KOMMOBRIDGE_LANGUAGE_PATH"`
	LanguageFieldID     int64    `json:"language_field_id" yaml:"language_field_id" toml:"language_field_id" env:"KOMMOBRIDGE_LANGUAGE_FIELD_ID"`
	MessageFieldID      int64    `json:"message_field_id" yaml:"message_field_id" toml:"message_field_id" env:"KOMMOBRIDGE_MESSAGE_FIELD_ID"`
	LanguageSelectBotID int64    `json:"language_select_bot_id" yaml:"language_select_bot_id" toml:"language_select_bot_id" env:"KOMMOBRIDGE_LANGUAGE_SELECT_BOT_ID"`
	ReplyBotID          int64    `json:"reply_bot_id" yaml:"reply_bot_id" toml:"reply_bot_id" env:"KOMMOBRIDGE_REPLY_BOT_ID"`
	// Commands is a comma separated list in KOMMOBRIDGE_COMMANDS.
	Commands            []string `json:"commands" yaml:"commands" toml:"commands" env:"KOMMOBRIDGE_COMMANDS"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: LogText,
		AdminAddr: ":9090",
		Source: Source{
			Driver:      SourceSSE,
			Path:        "/",
			IdleTimeout: Duration(90 * time.Second),
		},
		Store: Store{
			Driver:           StoreSQLite,
			SQLitePath:       "kommobridge.db",
			PostgresMaxConns: 4,
		},
		Kommo: Kommo{
			MaxRetries:     3,
			BaseBackoff:    Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(30 * time.Second),
			Jitter:         true,
			RequestTimeout: Duration(15 * time.Second),
		},
		Pipeline: Pipeline{
			QueueSize:      100,
			PutTimeout:     Duration(5 * time.Second),
			HandlerTimeout: Duration(30 * time.Second),
			DrainTimeout:   Duration(10 * time.Second),
		},
		Handlers: Handlers{
			SessionTTL:          Duration(24 * time.Hour),
			LanguagePath:        "/languages",
			MessageFieldID:      1069656,
			LanguageSelectBotID: 66624,
		},
	}
}

// Load returns the defaults overridden by the file at path (if not empty)
// and then by environment variables.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return c, fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// loadFile decodes the file at path into c based on its extension.
func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, c)
	case ".json":
		return json.Unmarshal(b, c)
	case ".toml":
		return toml.Unmarshal(b, c)
	default:
		return fmt.Errorf("unsupported config extension: %q", ext)
	}
}

// ResolveSecrets replaces credentials with the contents of their *_FILE
// counterparts where set. Surrounding whitespace is trimmed.
func (c *Config) ResolveSecrets() error {
	for _, s := range []struct {
		file   string
		target *string
	}{
		{c.Source.TokenFile, &c.Source.Token},
		{c.Store.PostgresDSNFile, &c.Store.PostgresDSN},
		{c.Kommo.AccessTokenFile, &c.Kommo.AccessToken},
	} {
		if s.file == "" {
			continue
		}
		b, err := os.ReadFile(s.file)
		if err != nil {
			return fmt.Errorf("reading credential file: %w", err)
		}
		*s.target = strings.TrimSpace(string(b))
	}
	return nil
}

// KommoEnabled reports whether CRM sync is configured.
func (c Config) KommoEnabled() bool {
	return c.Kommo.Subdomain != ""
}
