package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/authsync"
	"github.com/worksheet-dev/worksheet/internal/config"
	"github.com/worksheet-dev/worksheet/internal/events"
	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/kvstore"
	"github.com/worksheet-dev/worksheet/internal/logger"
	"github.com/worksheet-dev/worksheet/internal/pending"
	"github.com/worksheet-dev/worksheet/internal/session"
	"github.com/worksheet-dev/worksheet/internal/sysinfo"
)

const keyringService = "worksheet-cli"

// app is the wiring behind a single command run
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   kvstore.Store
	client  *identity.Client
	state   *authstate.Store
	bus     *events.Bus
	sync    *authsync.Synchronizer
	queue   *pending.Queue
	manager *session.Manager
	out     io.Writer

	closers []func() error
}

// openApp loads configuration and wires the session stack for cmd
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	store, closeStore, err := openStore(cfg.Client, log)
	if err != nil {
		return nil, err
	}

	a, err := newApp(cfg, store, log, cmd.OutOrStdout())
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	a.closers = append(a.closers, closeStore)
	a.manager.SetPrompter(newPrompter(a, cmd.InOrStdin()))
	return a, nil
}

// openStore opens the configured persisted store
func openStore(cfg config.ClientConfig, log zerolog.Logger) (kvstore.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreMemory:
		ctx := kvstore.NewMemory(log).Context()
		return ctx, func() error { ctx.Close(); return nil }, nil

	case config.StoreKeyring:
		return kvstore.NewKeyring(keyringService, log), func() error { return nil }, nil

	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		// watching lets long-running commands see logins and logouts from other shells
		store, err := kvstore.OpenSQLite(cfg.StorePath,
			kvstore.WithLogger(log),
			kvstore.WithPollInterval(time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open auth store: %w", err)
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// newApp wires the session stack over an opened store. The synchronizer is
// started, so State is settled by the time newApp returns.
func newApp(cfg *config.Config, store kvstore.Store, log zerolog.Logger, out io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: log,
		store:  store,
		client: identity.New(cfg.Client.APIURL),
		state:  authstate.NewStore(),
		bus:    events.NewBus(),
		queue:  pending.NewQueue(),
		out:    out,
	}
	a.sync = authsync.New(store, a.state, a.bus, log.With().Str("component", "authsync").Logger())

	manager, err := session.New(session.Options{
		Store:            store,
		API:              a.client,
		State:            a.state,
		Bus:              a.bus,
		Sync:             a.sync,
		Queue:            a.queue,
		Logger:           log.With().Str("component", "session").Logger(),
		ValidateInterval: cfg.Client.ValidateInterval,
		Device: identity.DeviceInfo{
			DeviceType: identity.DeviceDesktop,
			Browser:    "worksheet-cli",
			OS:         sysinfo.Describe(context.Background()).OS,
		},
	})
	if err != nil {
		return nil, err
	}
	a.manager = manager

	a.sync.Start()
	return a, nil
}

// Close stops background work and releases the store
func (a *app) Close() {
	a.manager.Close()
	a.sync.Stop()
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close resource")
		}
	}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// withApp adapts a run function to cobra's RunE
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}
