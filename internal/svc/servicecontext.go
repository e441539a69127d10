package svc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neboloop/marketrelay/internal/bridge"
	"github.com/neboloop/marketrelay/internal/config"
	"github.com/neboloop/marketrelay/internal/connection"
	"github.com/neboloop/marketrelay/internal/credentials"
	"github.com/neboloop/marketrelay/internal/db"
	"github.com/neboloop/marketrelay/internal/dispatcher"
	"github.com/neboloop/marketrelay/internal/events"
	"github.com/neboloop/marketrelay/internal/extension"
)

// ServiceContext constructs every relay service exactly once and wires them:
// backend commands flow Manager → Dispatcher → Bridge → extension, and
// responses flow back through the Manager.
type ServiceContext struct {
	Config  config.Config
	Version string

	DB          *db.Store // nil when auditing is disabled
	Credentials credentials.Source
	Signals     *events.Subject

	Link       *extension.Link
	PageBus    *extension.PageBus
	Bridge     *bridge.Bridge
	Manager    *connection.Manager
	Dispatcher *dispatcher.Dispatcher

	logger *slog.Logger
}

// NewServiceContext builds the services described by c.
func NewServiceContext(ctx context.Context, c config.Config, version string) (*ServiceContext, error) {
	svc := &ServiceContext{
		Config:  c,
		Version: version,
		logger:  slog.Default().With("component", "svc"),
	}

	if c.Audit.Enabled {
		store, err := db.NewSQLite(ctx, c.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		svc.DB = store
	}

	src, err := NewCredentialSource(c.Credentials)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Credentials = src

	svc.Signals = events.NewSubject(events.WithSyncDelivery(), events.WithReplay(1))

	svc.Link = extension.NewLink(c.Extension.ExtensionID, c.Extension.AllowedOrigins)
	svc.PageBus = extension.NewPageBus(c.Extension.PageOrigins)
	svc.Bridge = bridge.New(bridge.Config{
		ExtensionID:      c.Extension.ExtensionID,
		AllowedOrigins:   c.Extension.AllowedOrigins,
		RequestTimeout:   c.Bridge.RequestTimeout,
		BatchItemTimeout: c.Bridge.BatchItemTimeout,
		ProbeAttempts:    c.Bridge.ProbeAttempts,
		ProbeInterval:    c.Bridge.ProbeInterval,
	}, svc.Link, svc.PageBus)

	svc.Manager = connection.NewManager(connection.Config{
		URL:               c.Backend.URL,
		HandshakeTimeout:  c.Backend.HandshakeTimeout,
		WriteTimeout:      c.Backend.WriteTimeout,
		PingInterval:      c.Backend.PingInterval,
		ReconnectAttempts: c.Backend.Reconnect.Attempts,
		ReconnectDelay:    c.Backend.Reconnect.Delay,
		ReconnectMaxDelay: c.Backend.Reconnect.MaxDelay,
		OutboxSize:        c.Backend.OutboxSize,
	}, connection.WithSignals(svc.Signals))

	var opts []dispatcher.Option
	if svc.DB != nil {
		opts = append(opts, dispatcher.WithRecorder(svc.DB))
	}
	svc.Dispatcher = dispatcher.New(svc.Bridge, svc.Manager, opts...)
	svc.Manager.OnCommand(svc.Dispatcher.Handle)

	events.Subscribe(svc.Signals, events.TopicConnectionState, func(_ context.Context, s connection.StateChange) error {
		svc.logger.Info("backend channel state", "state", s.State.String(), "reason", s.Reason)
		return nil
	})
	events.Subscribe(svc.Signals, events.TopicConnectionError, func(_ context.Context, e connection.ConnError) error {
		if e.Terminal {
			svc.logger.Error("backend channel failed", "error", e.Message)
		}
		return nil
	})

	return svc, nil
}

// NewCredentialSource returns the source selected by c.
func NewCredentialSource(c config.CredentialsConfig) (credentials.Source, error) {
	switch strings.ToLower(c.Source) {
	case "", "file":
		return credentials.FileSource{Path: c.File}, nil
	case "env":
		return credentials.EnvSource{}, nil
	case "keyring":
		return credentials.KeyringSource{Service: c.KeyringService, User: c.KeyringUser}, nil
	default:
		return nil, fmt.Errorf("unknown credentials source %q", c.Source)
	}
}

// Start connects to the backend when credentials are available and, for
// file credentials, follows the file: a refreshed token updates the live
// channel, and a token appearing later triggers the first connect.
func (svc *ServiceContext) Start(ctx context.Context) {
	creds, err := svc.Credentials.Load(ctx)
	switch {
	case err == nil:
		svc.Manager.Connect(creds)
	case errors.Is(err, credentials.ErrNotFound):
		svc.logger.Warn("no credentials yet, waiting", "source", svc.Config.Credentials.Source)
	default:
		svc.logger.Error("load credentials", "error", err)
	}

	fs, ok := svc.Credentials.(credentials.FileSource)
	if !ok || !svc.Config.Credentials.Watch {
		return
	}
	go func() {
		if err := fs.Watch(ctx, svc.applyCredentials); err != nil {
			svc.logger.Warn("credentials watch stopped", "error", err)
		}
	}()
}

func (svc *ServiceContext) applyCredentials(c credentials.Credentials) {
	if svc.Manager.State() == connection.Disconnected {
		svc.Manager.Connect(c)
		return
	}
	svc.Manager.UpdateAuth(c)
}

// ConnectionStatus describes the backend channel.
type ConnectionStatus struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Status is what GET /status returns.
type Status struct {
	Version    string           `json:"version"`
	Connection ConnectionStatus `json:"connection"`
	Bridge     bridge.Status    `json:"bridge"`
	Pages      int              `json:"pages"`
}

// Status reports the relay's current state.
func (svc *ServiceContext) Status() Status {
	return Status{
		Version: svc.Version,
		Connection: ConnectionStatus{
			State:     svc.Manager.State().String(),
			SessionID: svc.Manager.SessionID(),
			LastError: svc.Manager.LastError(),
		},
		Bridge: svc.Bridge.Status(),
		Pages:  svc.PageBus.Peers(),
	}
}

// Close shuts services down in reverse dependency order.
func (svc *ServiceContext) Close() {
	if svc.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		svc.Dispatcher.Close(ctx)
		cancel()
	}
	if svc.Manager != nil {
		svc.Manager.Close()
	}
	if svc.Bridge != nil {
		svc.Bridge.Close()
	}
	if svc.Signals != nil {
		events.Complete(svc.Signals)
	}
	if svc.DB != nil {
		svc.DB.Close()
		svc.logger.Info("SQLite database connection closed")
	}
	svc.logger.Info("Service context closed")
}
