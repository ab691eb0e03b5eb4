// Package auth decides whether an inbound webhook request may run the
// command it carries.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/chatops-gateway/internal/command"
	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/secrets"
	"github.com/tjfontaine/chatops-gateway/internal/signature"
)

// Reason explains a denial. Reasons are for logs only; users see one of
// the two messages returned by Decision.Message.
type Reason string

const (
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonStaleRequest       Reason = "stale_request"
	ReasonWrongChannel       Reason = "wrong_channel"
	ReasonUnknownUser        Reason = "unknown_user"
	ReasonActionNotPermitted Reason = "action_not_permitted"
)

const (
	// VerificationFailedMessage is shown when the request could not be
	// authenticated.
	VerificationFailedMessage = "Request verification failed. Please try again."
	// NotAuthorizedMessage is shown for every identity or permission denial.
	NotAuthorizedMessage = "You are not authorized to use this command here."
)

// Decision is the outcome of authorization: either a principal or a
// denial reason.
type Decision struct {
	Principal *permission.Principal
	Reason    Reason
}

// Allow returns an authorized decision.
func Allow(p *permission.Principal) Decision { return Decision{Principal: p} }

// Deny returns a denial.
func Deny(r Reason) Decision { return Decision{Reason: r} }

// Authorized reports whether the decision allows the command.
func (d Decision) Authorized() bool {
	return d.Reason == "" && d.Principal != nil
}

// Message is the user-visible text for a denial.
func (d Decision) Message() string {
	switch d.Reason {
	case "":
		return ""
	case ReasonInvalidSignature, ReasonStaleRequest:
		return VerificationFailedMessage
	default:
		return NotAuthorizedMessage
	}
}

func (d Decision) String() string {
	if d.Authorized() {
		return "authorized"
	}
	return string(d.Reason)
}

// Policy is the deployment's authorization configuration.
type Policy struct {
	// AllowedChannelID is the single channel commands are accepted from.
	AllowedChannelID string
	// SigningSecretName names the signing secret in the secret store.
	SigningSecretName string
}

// Gate runs the authorization pipeline.
type Gate struct {
	policy  Policy
	secrets secrets.Store
	store   permission.Store
	now     func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the verification clock.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate.
func NewGate(policy Policy, secretStore secrets.Store, store permission.Store, opts ...GateOption) *Gate {
	g := &Gate{policy: policy, secrets: secretStore, store: store, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize verifies the request signature, normalizes the body and then
// checks channel, user and permission, stopping at the first denial.
// The body is not parsed until its signature has been verified.
//
// A non-nil error means the decision could not be made (secret or store
// unavailable, malformed body) and is never a denial. The command is
// returned whenever the body was parsed, including on later denials.
func (g *Gate) Authorize(ctx context.Context, req *command.InboundRequest) (*command.Command, Decision, error) {
	secret, err := g.secrets.Get(ctx, g.policy.SigningSecretName)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("signing secret: %w", err)
	}

	if err := signature.Verify(req.Body, req.Timestamp, req.Signature, secret, g.now()); err != nil {
		if errors.Is(err, signature.ErrStaleRequest) {
			return nil, Deny(ReasonStaleRequest), nil
		}
		return nil, Deny(ReasonInvalidSignature), nil
	}

	cmd, err := command.Parse(req)
	if err != nil {
		return nil, Decision{}, err
	}

	if cmd.ChannelID != g.policy.AllowedChannelID {
		return cmd, Deny(ReasonWrongChannel), nil
	}

	principal, err := g.store.Lookup(ctx, cmd.UserName)
	if errors.Is(err, permission.ErrUserNotFound) {
		return cmd, Deny(ReasonUnknownUser), nil
	}
	if err != nil {
		return cmd, Decision{}, fmt.Errorf("permission lookup: %w", err)
	}

	if !Permits(principal, cmd.Action) {
		return cmd, Deny(ReasonActionNotPermitted), nil
	}
	return cmd, Allow(principal), nil
}

// Permits reports whether p may run action. "welcome" is always allowed;
// otherwise the action base must be permitted, or the action must start
// with a permitted entry.
func Permits(p *permission.Principal, action string) bool {
	if action == command.WelcomeAction {
		return true
	}
	if _, ok := p.PermittedActions[command.ActionBase(action)]; ok {
		return true
	}
	for permitted := range p.PermittedActions {
		if permitted != "" && strings.HasPrefix(action, permitted) {
			return true
		}
	}
	return false
}
