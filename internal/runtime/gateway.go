// Package runtime provides the Gateway struct and lifecycle management for
// the chatops webhook service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tjfontaine/chatops-gateway/internal/action"
	"github.com/tjfontaine/chatops-gateway/internal/auth"
	"github.com/tjfontaine/chatops-gateway/internal/chat"
	"github.com/tjfontaine/chatops-gateway/internal/clients"
	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/pkg/config"
	"github.com/tjfontaine/chatops-gateway/internal/secrets"
	"github.com/tjfontaine/chatops-gateway/internal/server"
	"github.com/tjfontaine/chatops-gateway/internal/storage"
	"github.com/tjfontaine/chatops-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/chatops-gateway/internal/tracker"
	"github.com/tjfontaine/chatops-gateway/internal/webhook"
)

// Gateway owns the HTTP server, the webhook handler and the stores behind
// it. It can be embedded in larger applications or run standalone.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	// Injected or built from config
	secrets     secrets.Store
	permissions permission.Store
	runs        storage.RunStore
	transport   chat.Transport

	actions  *action.Registry
	handler  *webhook.Handler
	server   *server.Server
	listener net.Listener
	closers  []io.Closer

	mu      sync.Mutex
	serving chan struct{}
}

// New creates a Gateway with the given options. Stores not supplied by an
// option are built from configuration.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		return nil, fmt.Errorf("config required (use WithFileConfig or WithConfig)")
	}
	if err := gw.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	actions, err := action.FromConfig(gw.cfg.Actions)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	gw.actions = actions

	if err := gw.initStores(); err != nil {
		gw.closeAll()
		return nil, err
	}

	newTracker, err := gw.trackerFactory()
	if err != nil {
		gw.closeAll()
		return nil, err
	}

	gw.handler = webhook.NewHandler(webhook.Config{
		Policy: auth.Policy{
			AllowedChannelID:  gw.cfg.Chat.AllowedChannelID,
			SigningSecretName: gw.cfg.Chat.SigningSecretSecret,
		},
		Actions: actions,
		Clients: clients.NewRegistry(gw.buildClients),
		Tracker: newTracker,
		Logger:  gw.logger,
	})

	gw.initServer()

	gw.logger.Info("gateway configured",
		slog.Int("actions", len(actions.Names())),
		slog.String("permissions", gw.cfg.Permissions.Type),
		slog.String("storage", gw.cfg.Storage.Driver))

	return gw, nil
}

// initStores opens the run history store and the permission store. A SQL
// permission store shares the run store's database.
func (g *Gateway) initStores() error {
	var sqlStore *sqldb.Store

	openSQL := func() (*sqldb.Store, error) {
		if sqlStore != nil {
			return sqlStore, nil
		}
		cfg := g.cfg.Storage
		if err := ensureSQLiteDir(cfg); err != nil {
			return nil, err
		}
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
		}
		sqlStore = store
		g.closers = append(g.closers, store)
		return store, nil
	}

	if g.runs == nil {
		store, err := openSQL()
		if err != nil {
			return err
		}
		g.runs = store
	} else {
		g.closers = append(g.closers, g.runs)
	}

	if g.permissions != nil {
		return nil
	}
	switch g.cfg.Permissions.Type {
	case "sql":
		if s, ok := g.runs.(*sqldb.Store); ok {
			g.permissions = s
			return nil
		}
		store, err := openSQL()
		if err != nil {
			return err
		}
		g.permissions = store
	case "redis":
		rc := g.cfg.Permissions.Redis
		store := permission.NewRedisStore(permission.RedisConfig{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		})
		g.closers = append(g.closers, store)
		g.permissions = store
	case "static":
		principals := make([]*permission.Principal, 0, len(g.cfg.Permissions.Static))
		for _, p := range g.cfg.Permissions.Static {
			principals = append(principals, permission.NewPrincipal(p.User, p.Actions...))
		}
		g.permissions = permission.NewMemoryStore(principals...)
	default:
		return fmt.Errorf("unknown permissions.type %q", g.cfg.Permissions.Type)
	}
	return nil
}

func ensureSQLiteDir(cfg config.StorageConfig) error {
	if cfg.Driver != "sqlite" || cfg.DSN == ":memory:" || strings.HasPrefix(cfg.DSN, "file:") {
		return nil
	}
	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

func (g *Gateway) trackerFactory() (func(*clients.Set) *tracker.Tracker, error) {
	poll, err := config.ParseDuration(g.cfg.Tracker.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("tracker.poll_interval: %w", err)
	}
	maxWait, err := config.ParseDuration(g.cfg.Tracker.MaxWait)
	if err != nil {
		return nil, fmt.Errorf("tracker.max_wait: %w", err)
	}

	opts := []tracker.Option{
		tracker.WithLogger(g.logger),
		tracker.WithRecorder(g.runs),
		tracker.WithPollInterval(poll),
		tracker.WithMaxWait(maxWait),
	}
	return func(set *clients.Set) *tracker.Tracker {
		return tracker.New(set.Chat, opts...)
	}, nil
}

// buildClients runs on the first webhook request, and again on later
// requests until it succeeds.
func (g *Gateway) buildClients(ctx context.Context) (*clients.Set, error) {
	secretStore := g.secrets
	if secretStore == nil {
		store, err := newSecretStore(g.cfg.Secrets)
		if err != nil {
			return nil, err
		}
		secretStore = store
	}

	transport := g.transport
	if transport == nil {
		token, err := secretStore.Get(ctx, g.cfg.Chat.BotTokenSecret)
		if err != nil {
			return nil, fmt.Errorf("resolve bot token: %w", err)
		}
		transport = chat.NewClient(string(token), chat.WithBaseURL(g.cfg.Chat.APIBaseURL))
	}

	return &clients.Set{
		Secrets:     secretStore,
		Permissions: g.permissions,
		Chat:        transport,
	}, nil
}

func newSecretStore(cfg config.SecretsConfig) (secrets.Store, error) {
	switch cfg.Type {
	case "env":
		return secrets.NewEnvStore(cfg.EnvPrefix)
	case "age":
		return secrets.OpenAgeFile(cfg.Age.IdentityFile, cfg.Age.SecretsFile)
	default:
		return nil, fmt.Errorf("unknown secrets.type %q", cfg.Type)
	}
}

func (g *Gateway) initServer() {
	timeout, _ := config.ParseDuration(g.cfg.Server.RequestTimeout)
	g.server = server.New(server.Options{
		Port:           g.cfg.Server.Port,
		RequestTimeout: timeout,
		RateLimitRPS:   g.cfg.Server.RateLimit.RPS,
		RateLimitBurst: g.cfg.Server.RateLimit.Burst,
	}, g.logger)

	r := g.server.Router
	r.Post(g.cfg.Server.WebhookPath, g.handler.ServeHTTP)
	r.Get("/healthz", webhook.Healthz)
	r.Route("/runs", webhook.NewRunsHandler(g.runs, g.logger).Routes)

	g.logger.Info("registered handler",
		slog.String("method", http.MethodPost),
		slog.String("path", g.cfg.Server.WebhookPath))
}

// Handler returns the gateway's HTTP handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Start binds the configured port and serves in the background. Bind
// errors are returned synchronously.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listener != nil {
		return fmt.Errorf("gateway already started")
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	g.listener = l
	g.serving = make(chan struct{})

	go func() {
		defer close(g.serving)
		if err := g.server.Serve(l); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	g.logger.Info("gateway started", slog.String("addr", l.Addr().String()))
	return nil
}

// Addr reports the bound address, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Shutdown stops accepting requests, waits for in-flight runs to post
// their terminal status, and closes the stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.listener != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		<-g.serving
	}

	if err := g.handler.Wait(ctx); err != nil {
		g.logger.Error("runs still in flight at shutdown", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	errs = append(errs, g.closeAll())

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeAll() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			g.logger.Error("failed to close store", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
