package command

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/chatops-gateway/internal/render"
)

// Kind is the handler kind a command routes to.
type Kind int

const (
	KindWelcome Kind = iota + 1
	KindForm
	KindSubmit
)

func (k Kind) String() string {
	switch k {
	case KindWelcome:
		return "welcome"
	case KindForm:
		return "form"
	case KindSubmit:
		return "submit"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Route is the parsed handler reference. Base is empty for KindWelcome.
type Route struct {
	Kind Kind
	Base string
}

// Resolver reports whether an action base has a registered handler.
type Resolver interface {
	Has(base string) bool
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(base string) bool

func (f ResolverFunc) Has(base string) bool { return f(base) }

// ParseAction splits an action string into its handler reference:
//
//	"welcome"       -> Welcome
//	"deploy"        -> Form("deploy")
//	"deploy/submit" -> Submit("deploy")
//
// Any other "/"-suffix is not a known handler.
func ParseAction(action string) (Route, error) {
	if action == WelcomeAction {
		return Route{Kind: KindWelcome}, nil
	}
	base, rest, hasSlash := strings.Cut(action, "/")
	switch {
	case base == "":
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	case !hasSlash:
		return Route{Kind: KindForm, Base: base}, nil
	case "/"+rest == render.SubmitSuffix:
		return Route{Kind: KindSubmit, Base: base}, nil
	default:
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Router maps commands to handler references.
type Router struct {
	actions Resolver
}

// NewRouter creates a router over the registered actions.
func NewRouter(actions Resolver) *Router {
	return &Router{actions: actions}
}

// Route returns the handler reference for cmd, failing with
// ErrUnknownAction when the action base has no registered handler.
func (r *Router) Route(cmd *Command) (Route, error) {
	route, err := ParseAction(cmd.Action)
	if err != nil {
		return Route{}, err
	}
	if route.Kind != KindWelcome && !r.actions.Has(route.Base) {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
	return route, nil
}
