// Package gateway provides the public API for embedding the chatops
// gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/chatops-gateway/internal/runtime"
)

// Gateway serves the chat webhook and tracks the jobs it dispatches.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Collaborators
	WithSecretStore     = runtime.WithSecretStore
	WithPermissionStore = runtime.WithPermissionStore
	WithRunStore        = runtime.WithRunStore
	WithChatTransport   = runtime.WithChatTransport

	WithLogger = runtime.WithLogger
)
