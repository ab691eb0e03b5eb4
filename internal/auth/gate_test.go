package auth

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/chatops-gateway/internal/command"
	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/secrets"
	"github.com/tjfontaine/chatops-gateway/internal/signature"
)

const signingSecret = "8f742231b10e8888abcd99yyyzzz85a5"

var fixedNow = time.Unix(1_700_000_000, 0)

// countingStore records every lookup.
type countingStore struct {
	inner   permission.Store
	lookups []string
	err     error
}

func (s *countingStore) Lookup(ctx context.Context, userName string) (*permission.Principal, error) {
	s.lookups = append(s.lookups, userName)
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Lookup(ctx, userName)
}

func newGate(store permission.Store) *Gate {
	return NewGate(
		Policy{AllowedChannelID: "C123", SigningSecretName: "chat/signing-secret"},
		secrets.StaticStore{"chat/signing-secret": signingSecret},
		store,
		WithClock(func() time.Time { return fixedNow }),
	)
}

func signed(v url.Values, ts time.Time) *command.InboundRequest {
	body := []byte(v.Encode())
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return &command.InboundRequest{
		Timestamp:   timestamp,
		Signature:   signature.Sign([]byte(signingSecret), timestamp, body),
		ContentType: "application/x-www-form-urlencoded",
		Body:        body,
	}
}

func slash(channel, user, text string) url.Values {
	return url.Values{
		"command":      {"/ops"},
		"text":         {text},
		"channel_id":   {channel},
		"user_name":    {user},
		"response_url": {"https://hooks.example.com/r"},
	}
}

func store() *countingStore {
	return &countingStore{inner: permission.NewMemoryStore(
		permission.NewPrincipal("alice", "sample-lambda"),
		permission.NewPrincipal("bob", "other"),
	)}
}

func TestGate_Authorize(t *testing.T) {
	tests := []struct {
		name        string
		req         func() *command.InboundRequest
		wantReason  Reason
		wantLookups int
		wantMessage string
	}{
		{
			name: "garbled signature",
			req: func() *command.InboundRequest {
				r := signed(slash("C123", "alice", "sample-lambda"), fixedNow)
				r.Signature = "v0=not-hex"
				return r
			},
			wantReason:  ReasonInvalidSignature,
			wantMessage: VerificationFailedMessage,
		},
		{
			name: "missing signature",
			req: func() *command.InboundRequest {
				r := signed(slash("C123", "alice", "sample-lambda"), fixedNow)
				r.Signature = ""
				return r
			},
			wantReason:  ReasonInvalidSignature,
			wantMessage: VerificationFailedMessage,
		},
		{
			name: "stale request",
			req: func() *command.InboundRequest {
				return signed(slash("C123", "alice", "sample-lambda"), fixedNow.Add(-301*time.Second))
			},
			wantReason:  ReasonStaleRequest,
			wantMessage: VerificationFailedMessage,
		},
		{
			name:        "wrong channel",
			req:         func() *command.InboundRequest { return signed(slash("C999", "alice", "sample-lambda"), fixedNow) },
			wantReason:  ReasonWrongChannel,
			wantMessage: NotAuthorizedMessage,
		},
		{
			name:        "unknown user",
			req:         func() *command.InboundRequest { return signed(slash("C123", "mallory", "welcome"), fixedNow) },
			wantReason:  ReasonUnknownUser,
			wantLookups: 1,
			wantMessage: NotAuthorizedMessage,
		},
		{
			name:        "action not permitted",
			req:         func() *command.InboundRequest { return signed(slash("C123", "bob", "sample-lambda/submit"), fixedNow) },
			wantReason:  ReasonActionNotPermitted,
			wantLookups: 1,
			wantMessage: NotAuthorizedMessage,
		},
		{
			name:        "authorized submit",
			req:         func() *command.InboundRequest { return signed(slash("C123", "alice", "sample-lambda/submit"), fixedNow) },
			wantLookups: 1,
		},
		{
			name:        "welcome for any known user",
			req:         func() *command.InboundRequest { return signed(slash("C123", "bob", ""), fixedNow) },
			wantLookups: 1,
		},
		{
			name:        "future timestamp accepted",
			req:         func() *command.InboundRequest { return signed(slash("C123", "alice", "sample-lambda"), fixedNow.Add(time.Hour)) },
			wantLookups: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store()
			_, decision, err := newGate(s).Authorize(context.Background(), tt.req())
			require.NoError(t, err)

			assert.Equal(t, tt.wantReason, decision.Reason)
			assert.Equal(t, tt.wantReason == "", decision.Authorized())
			assert.Equal(t, tt.wantMessage, decision.Message())
			assert.Len(t, s.lookups, tt.wantLookups)
		})
	}
}

func TestGate_AuthorizeReturnsCommand(t *testing.T) {
	cmd, decision, err := newGate(store()).Authorize(context.Background(),
		signed(slash("C123", "alice", "sample-lambda/submit"), fixedNow))
	require.NoError(t, err)
	require.True(t, decision.Authorized())
	assert.Equal(t, "alice", decision.Principal.UserName)
	assert.Equal(t, "sample-lambda", cmd.ActionBase)
	assert.Equal(t, "authorized", decision.String())
}

func TestGate_InfrastructureErrors(t *testing.T) {
	t.Run("secret unavailable", func(t *testing.T) {
		g := NewGate(Policy{AllowedChannelID: "C123", SigningSecretName: "missing"}, secrets.StaticStore{}, store())
		_, _, err := g.Authorize(context.Background(), signed(slash("C123", "alice", "x"), fixedNow))
		assert.True(t, errors.Is(err, secrets.ErrNotFound), "got %v", err)
	})

	t.Run("store unreachable", func(t *testing.T) {
		s := store()
		s.err = errors.New("connection refused")
		_, decision, err := newGate(s).Authorize(context.Background(), signed(slash("C123", "alice", "x"), fixedNow))
		assert.ErrorContains(t, err, "connection refused")
		assert.Equal(t, Reason(""), decision.Reason)
	})

	t.Run("malformed body after verification", func(t *testing.T) {
		_, _, err := newGate(store()).Authorize(context.Background(), signed(url.Values{"foo": {"bar"}}, fixedNow))
		assert.True(t, errors.Is(err, command.ErrMalformedPayload), "got %v", err)
	})
}

func TestPermits(t *testing.T) {
	p := permission.NewPrincipal("alice", "sample-lambda", "ops-")

	assert.True(t, Permits(p, "welcome"))
	assert.True(t, Permits(p, "sample-lambda"))
	assert.True(t, Permits(p, "sample-lambda/submit"))
	assert.True(t, Permits(p, "ops-restart/submit"), "prefix entries match the full action")
	assert.False(t, Permits(p, "sample-workflow/submit"))
	assert.True(t, Permits(permission.NewPrincipal("nobody"), "welcome"))
	assert.False(t, Permits(permission.NewPrincipal("nobody"), "x"))
}

func TestPermits_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("welcome is always permitted", prop.ForAll(
		func(actions []string) bool {
			return Permits(permission.NewPrincipal("u", actions...), "welcome")
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("x/submit is permitted when x is granted", prop.ForAll(
		func(x string, others []string) bool {
			return Permits(permission.NewPrincipal("u", append(others, x)...), x+"/submit")
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("x/submit is denied when nothing granted is a prefix of it", prop.ForAll(
		func(x string, others []string) bool {
			granted := make([]string, 0, len(others))
			for _, o := range others {
				if len(o) <= len(x) && x[:len(o)] == o {
					continue
				}
				granted = append(granted, o)
			}
			return !Permits(permission.NewPrincipal("u", granted...), x+"/submit")
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
