package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/eventstore"
	"github.com/jmoyers/harness-sub010/gateway"
	"github.com/jmoyers/harness-sub010/observer"
	"github.com/jmoyers/harness-sub010/ptyhost"
	"github.com/jmoyers/harness-sub010/state"
	"github.com/jmoyers/harness-sub010/state/postgres"
	"github.com/jmoyers/harness-sub010/state/sqlite"
)

// DaemonOptions assembles one in-process gateway daemon.
type DaemonOptions struct {
	Host      string
	Port      int
	AuthToken string

	// StateDBPath backs the sqlite state store. Ignored for postgres.
	StateDBPath string
	// EventDBPath backs the append-only envelope mirror.
	EventDBPath string

	// NotifySocketPath, when set, binds the unix socket hook scripts write
	// agent notifications to.
	NotifySocketPath string

	// DatabaseDriver is "sqlite" (default) or "postgres".
	DatabaseDriver string
	DatabaseURL    string

	ObserverEnabled bool
	// CloseLiveSessionsOnClientStop enables embedded mode.
	CloseLiveSessionsOnClientStop bool

	Logger *slog.Logger
}

// Daemon is a fully wired gateway: state store, observed-event hub with
// durable persistence, envelope event store, session manager, TCP server
// and optional telemetry.
type Daemon struct {
	Server *gateway.Server

	store        state.Store
	pool         *pgxpool.Pool
	events       *eventstore.Writer
	eventDB      *eventstore.SQLiteStore
	relay        *ptyhost.Relay
	shutdownOtel func(context.Context) error
	logger       *slog.Logger
}

// StartDaemon builds the daemon and starts listening. The caller blocks on
// its own context and calls Close to tear down.
func StartDaemon(ctx context.Context, opts DaemonOptions) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{logger: logger}

	switch opts.DatabaseDriver {
	case "", "sqlite":
		d.store = sqlite.New(opts.StateDBPath)
	case "postgres":
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("control: connect postgres: %w", err)
		}
		d.pool = pool
		d.store = postgres.New(pool)
	default:
		return nil, fmt.Errorf("control: unknown database driver %q", opts.DatabaseDriver)
	}
	if err := d.store.Init(ctx); err != nil {
		d.closeStores()
		return nil, err
	}

	if opts.EventDBPath != "" {
		eventDB, err := eventstore.OpenSQLite(ctx, opts.EventDBPath)
		if err != nil {
			d.closeStores()
			return nil, err
		}
		d.eventDB = eventDB
		d.events = eventstore.NewWriter(eventDB, eventstore.WithLogger(logger))
	}

	var instruments *observer.Instruments
	if opts.ObserverEnabled {
		in, shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Warn("control: telemetry init failed", "error", err)
		} else {
			instruments = in
			d.shutdownOtel = shutdown
		}
	}

	// Every hub event also lands in the observed log, so clients can ask
	// for history the retention ring no longer covers.
	hub := gateway.NewHub(
		gateway.WithPersist(d.persistObserved),
		gateway.WithHubInstruments(instruments),
	)

	sessionOpts := []gateway.SessionsOption{
		gateway.WithSessionsLogger(logger),
		gateway.WithSessionsInstruments(instruments),
	}
	if d.events != nil {
		sessionOpts = append(sessionOpts, gateway.WithEventWriter(d.events))
	}
	sessions := gateway.NewSessions(hub, sessionOpts...)

	if opts.NotifySocketPath != "" {
		relay, err := ptyhost.NewRelay(opts.NotifySocketPath, sessions.HandleNotify, logger)
		if err != nil {
			logger.Warn("control: notify relay unavailable", "error", err)
		} else {
			d.relay = relay
		}
	}

	serverOpts := []gateway.ServerOption{gateway.WithServerLogger(logger)}
	if opts.AuthToken != "" {
		serverOpts = append(serverOpts, gateway.WithAuthToken(opts.AuthToken))
	}
	if opts.CloseLiveSessionsOnClientStop {
		serverOpts = append(serverOpts, gateway.WithCloseLiveSessionsOnClientStop())
	}
	if instruments != nil {
		serverOpts = append(serverOpts, gateway.WithInstruments(instruments))
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	d.Server = gateway.NewServer(addr, hub, sessions, d.store, serverOpts...)
	if err := d.Server.Listen(); err != nil {
		d.Close(ctx)
		return nil, err
	}
	logger.Info("control: gateway listening", "addr", d.Server.Addr().String())
	return d, nil
}

func (d *Daemon) persistObserved(ev harness.ObservedEvent) {
	if err := d.store.AppendObserved(context.Background(), ev); err != nil {
		d.logger.Warn("control: persist observed event failed", "type", ev.Type, "error", err)
	}
}

// Port returns the bound port, which matters when the daemon was asked to
// listen on port 0.
func (d *Daemon) Port() int {
	return d.Server.Port()
}

// Close stops the server, drains the event store and closes every backend.
func (d *Daemon) Close(ctx context.Context) {
	if d.relay != nil {
		d.relay.Close()
	}
	if d.Server != nil {
		d.Server.Close()
	}
	if d.events != nil {
		d.events.Close()
	}
	if d.eventDB != nil {
		d.eventDB.Close()
	}
	if d.shutdownOtel != nil {
		if err := d.shutdownOtel(ctx); err != nil {
			d.logger.Warn("control: telemetry shutdown", "error", err)
		}
	}
	d.closeStores()
}

func (d *Daemon) closeStores() {
	if d.store != nil {
		d.store.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}
