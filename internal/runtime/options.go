package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/chatops-gateway/internal/chat"
	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/pkg/config"
	"github.com/tjfontaine/chatops-gateway/internal/secrets"
	"github.com/tjfontaine/chatops-gateway/internal/storage"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads configuration from a YAML file plus environment
// overrides. A missing file leaves only defaults and environment.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithConfig uses an already-loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithSecretStore overrides the secret store selected by secrets.type.
func WithSecretStore(store secrets.Store) Option {
	return func(g *Gateway) error {
		g.secrets = store
		return nil
	}
}

// WithPermissionStore overrides the permission store selected by
// permissions.type.
func WithPermissionStore(store permission.Store) Option {
	return func(g *Gateway) error {
		g.permissions = store
		return nil
	}
}

// WithRunStore overrides the run history store. The gateway closes it on
// shutdown.
func WithRunStore(store storage.RunStore) Option {
	return func(g *Gateway) error {
		g.runs = store
		return nil
	}
}

// WithChatTransport overrides the chat client built from the bot token.
func WithChatTransport(transport chat.Transport) Option {
	return func(g *Gateway) error {
		g.transport = transport
		return nil
	}
}
