package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/handler"
	"github.com/romshark/kommobridge/internal/adminhttp"
	"github.com/romshark/kommobridge/internal/config"
	"github.com/romshark/kommobridge/kommo"
	"github.com/romshark/kommobridge/session"
	"github.com/romshark/kommobridge/source"
	"github.com/romshark/kommobridge/source/sourcesse"
	"github.com/romshark/kommobridge/source/sourcews"
	"github.com/romshark/kommobridge/store"
	"github.com/romshark/kommobridge/store/storemem"
	"github.com/romshark/kommobridge/store/storepgx"
	"github.com/romshark/kommobridge/store/storesqlite"
)

const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// ExitError carries the process exit code of a failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// options are the command line flags.
type options struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
	AdminAddr  string
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	cmd := newRootCommand(ctx, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err == nil {
		return ExitOK
	}
	_, _ = fmt.Fprintln(stderr, "error:", err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	// Flag parsing errors.
	return ExitConfig
}

func newRootCommand(ctx context.Context, stderr io.Writer) *cobra.Command {
	opts := new(options)
	cmd := &cobra.Command{
		Use:   "kommobridge",
		Short: "Bridge real-time database notifications into sessions and Kommo CRM",
		Long: `kommobridge subscribes to a Firebase Realtime Database path, stores
language selections and chat state as sessions and forwards them to Kommo.

Configuration is read from the optional config file and the environment,
flags take precedence over both.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd, opts)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}
			log, err := newLogger(conf, stderr)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}
			if err := serve(ctx, log, conf); err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "",
		"path to config file (.yaml, .yml, .json, .toml)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	cmd.Flags().StringVar(&opts.AdminAddr, "admin-addr", "",
		"admin HTTP listen address, \"off\" disables the server")
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	conf, err := config.Load(opts.ConfigFile)
	if err != nil {
		return conf, err
	}
	if cmd.Flags().Changed("log-level") {
		conf.LogLevel = opts.LogLevel
	}
	if cmd.Flags().Changed("log-format") {
		conf.LogFormat = opts.LogFormat
	}
	if cmd.Flags().Changed("admin-addr") {
		conf.AdminAddr = opts.AdminAddr
		if conf.AdminAddr == "off" {
			conf.AdminAddr = ""
		}
	}
	if err := conf.ResolveSecrets(); err != nil {
		return conf, err
	}
	return conf, conf.Validate()
}

func newLogger(conf config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := conf.SlogLevel()
	if err != nil {
		return nil, err
	}
	o := &slog.HandlerOptions{Level: level}
	if conf.LogFormat == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, o)), nil
	}
	return slog.New(slog.NewTextHandler(w, o)), nil
}

// serve wires all components and runs the bridge until a termination signal.
func serve(ctx context.Context, log *slog.Logger, conf config.Config) error {
	ctxSignal, stopSignal := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignal()
	shutdown := kommobridge.NewShutdown(ctxSignal, conf.Pipeline.DrainTimeout.Std())
	defer shutdown.Close()

	st, err := openStore(ctxSignal, log, conf.Store)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("closing session store", slog.Any("err", err))
		}
	}()
	sessions := session.NewManager(st)

	src, err := newSource(log, conf.Source)
	if err != nil {
		return fmt.Errorf("creating source: %w", err)
	}

	var crm handler.CRM
	if conf.KommoEnabled() {
		c, err := newKommo(log, conf.Kommo)
		if err != nil {
			return fmt.Errorf("creating kommo client: %w", err)
		}
		defer c.Close()
		pingCRM(ctxSignal, log, c)
		crm = c
	} else {
		log.Warn("kommo is not configured, crm sync disabled")
	}

	registry, err := kommobridge.NewRegistry(
		handler.NewLanguageSelection(log, sessions, st, src, crm,
			handler.LanguageSelectionConfig{
				PathPrefix:      conf.Handlers.LanguagePath,
				SessionTTL:      conf.Handlers.SessionTTL.Std(),
				LanguageFieldID: conf.Handlers.LanguageFieldID,
			}).Registration(),
		handler.NewIncomingMessage(log, sessions, st, src, crm,
			handler.IncomingMessageConfig{
				SessionTTL:          conf.Handlers.SessionTTL.Std(),
				MessageFieldID:      conf.Handlers.MessageFieldID,
				LanguageSelectBotID: conf.Handlers.LanguageSelectBotID,
				ReplyBotID:          conf.Handlers.ReplyBotID,
				Commands:            conf.Handlers.Commands,
			}).Registration(),
	)
	if err != nil {
		return err
	}

	bridge, err := kommobridge.New(src, registry, kommobridge.Config{
		Root:           conf.Source.Path,
		QueueSize:      conf.Pipeline.QueueSize,
		PutTimeout:     conf.Pipeline.PutTimeout.Std(),
		HandlerTimeout: conf.Pipeline.HandlerTimeout.Std(),
	})
	if err != nil {
		return err
	}

	ctxAdmin, stopAdmin := context.WithCancel(context.Background())
	defer stopAdmin()
	adminDone := make(chan error, 1)
	if conf.AdminAddr != "" {
		l, err := net.Listen("tcp", conf.AdminAddr)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		go func() {
			adminDone <- adminhttp.Serve(ctxAdmin, log, l, adminhttp.NewRouter(bridge))
		}()
	} else {
		adminDone <- nil
	}

	err = bridge.Run(shutdown.Hard(), shutdown.Graceful(), log)
	stopAdmin()
	if errAdmin := <-adminDone; errAdmin != nil {
		log.Error("admin server", slog.Any("err", errAdmin))
	}
	if errors.Is(err, kommobridge.ErrDrainTimeout) {
		log.Warn("in-flight event abandoned after drain timeout",
			slog.String("drain_timeout", conf.Pipeline.DrainTimeout.String()))
		return nil
	}
	return err
}

func openStore(ctx context.Context, log *slog.Logger, conf config.Store) (store.Store, error) {
	switch conf.Driver {
	case config.StoreMemory:
		log.Warn("using in-memory session store, sessions are lost on exit")
		return storemem.New(), nil
	case config.StoreSQLite:
		return storesqlite.Open(ctx, conf.SQLitePath)
	case config.StorePostgres:
		return storepgx.Open(ctx, log, conf.PostgresDSN, conf.PostgresMaxConns,
			storepgx.DefaultBackoff())
	}
	return nil, fmt.Errorf("unsupported store driver: %q", conf.Driver)
}

func newSource(log *slog.Logger, conf config.Source) (source.Source, error) {
	switch conf.Driver {
	case config.SourceSSE:
		return sourcesse.New(conf.DatabaseURL, conf.Token,
			sourcesse.WithLogger(log),
			sourcesse.WithIdleTimeout(conf.IdleTimeout.Std()))
	case config.SourceWS:
		return sourcews.New(conf.RelayURL, conf.Token, sourcews.WithLogger(log)), nil
	}
	return nil, fmt.Errorf("unsupported source driver: %q", conf.Driver)
}

func newKommo(log *slog.Logger, conf config.Kommo) (*kommo.Client, error) {
	opts := []kommo.Option{
		kommo.WithLogger(log),
		kommo.WithRequestTimeout(conf.RequestTimeout.Std()),
		kommo.WithRetryPolicy(kommo.RetryPolicy{
			MaxRetries:  conf.MaxRetries,
			BaseBackoff: conf.BaseBackoff.Std(),
			MaxBackoff:  conf.MaxBackoff.Std(),
			Jitter:      conf.Jitter,
		}),
	}
	if conf.BaseURL != "" {
		opts = append(opts, kommo.WithBaseURL(conf.BaseURL))
	}
	return kommo.New(conf.Subdomain, conf.AccessToken, opts...)
}

// pingCRM checks the CRM credentials. A failure is only logged,
// CRM sync is best-effort.
func pingCRM(ctx context.Context, log *slog.Logger, c *kommo.Client) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		log.Warn("kommo is unreachable, crm sync may fail", slog.Any("err", err))
		return
	}
	log.Info("kommo reachable")
}
