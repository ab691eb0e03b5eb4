package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/chatops-gateway/internal/action"
	"github.com/tjfontaine/chatops-gateway/internal/auth"
	"github.com/tjfontaine/chatops-gateway/internal/chat"
	"github.com/tjfontaine/chatops-gateway/internal/clients"
	"github.com/tjfontaine/chatops-gateway/internal/job"
	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/render"
	"github.com/tjfontaine/chatops-gateway/internal/secrets"
	"github.com/tjfontaine/chatops-gateway/internal/signature"
	"github.com/tjfontaine/chatops-gateway/internal/storage/memory"
	"github.com/tjfontaine/chatops-gateway/internal/testutil"
	"github.com/tjfontaine/chatops-gateway/internal/tracker"
)

const (
	signingSecret = "e2e-signing-secret"
	channelID     = "C0PS"
)

var now = time.Unix(1_700_000_000, 0)

// countingStore records every permission lookup.
type countingStore struct {
	mu      sync.Mutex
	inner   permission.Store
	lookups int
}

func (s *countingStore) Lookup(ctx context.Context, userName string) (*permission.Principal, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.inner.Lookup(ctx, userName)
}

type harness struct {
	t        *testing.T
	handler  *Handler
	tape     *testutil.Tape
	store    *countingStore
	platform *httptest.Server
	runs     *memory.Store

	mu       sync.Mutex
	jobCalls []job.Request
	jobReply func(w http.ResponseWriter)
	postFail bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, runs: memory.New()}

	h.platform = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/chat.postMessage":
			if h.postFail {
				io.WriteString(w, `{"ok":false,"error":"channel_not_found"}`)
				return
			}
			io.WriteString(w, `{"ok":true,"channel":"`+channelID+`","ts":"1700000000.000200"}`)
		case "/api/chat.update":
			io.WriteString(w, `{"ok":true}`)
		case "/respond":
			w.WriteHeader(http.StatusOK)
		case "/jobs/sample-lambda":
			var req job.Request
			json.NewDecoder(r.Body).Decode(&req)
			h.mu.Lock()
			h.jobCalls = append(h.jobCalls, req)
			reply := h.jobReply
			h.mu.Unlock()
			if reply != nil {
				reply(w)
				return
			}
			io.WriteString(w, `{"result":"ok"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(h.platform.Close)

	h.tape = testutil.NewTape(t, "webhook", h.platform.Client().Transport)
	transport := chat.NewClient("xoxb-test",
		chat.WithBaseURL(h.platform.URL+"/api"),
		chat.WithHTTPClient(h.tape.Client()),
		chat.WithResponseClient(h.tape.Client()),
	)

	h.store = &countingStore{inner: permission.NewMemoryStore(
		permission.NewPrincipal("alice", "sample-lambda"),
		permission.NewPrincipal("bob", "sample-workflow"),
	)}

	actions := action.NewRegistry()
	require.NoError(t, actions.Register(&action.Definition{
		Name:        "sample-lambda",
		Title:       "Sample Lambda",
		InputLabel:  "Number",
		Kind:        job.KindDirect,
		Direct:      job.NewHTTPDirect(job.HTTPConfig{URL: h.platform.URL + "/jobs/sample-lambda"}),
		Description: "Runs the sample function",
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.handler = NewHandler(Config{
		Policy:  auth.Policy{AllowedChannelID: channelID, SigningSecretName: "chat/signing-secret"},
		Actions: actions,
		Clients: clients.Ready(&clients.Set{
			Secrets:     secrets.StaticStore{"chat/signing-secret": signingSecret},
			Permissions: h.store,
			Chat:        transport,
		}),
		Tracker: func(set *clients.Set) *tracker.Tracker {
			return tracker.New(set.Chat, tracker.WithLogger(logger), tracker.WithRecorder(h.runs))
		},
		Logger:      logger,
		GateOptions: []auth.GateOption{auth.WithClock(func() time.Time { return now })},
	})
	return h
}

func (h *harness) send(form url.Values, mutate func(*http.Request)) *httptest.ResponseRecorder {
	h.t.Helper()
	body := form.Encode()
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signature.TimestampHeader, ts)
	req.Header.Set(signature.SignatureHeader, signature.Sign([]byte(signingSecret), ts, []byte(body)))
	if mutate != nil {
		mutate(req)
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.handler.Wait(ctx))
	return rec
}

func slash(channel, user, text string) url.Values {
	return url.Values{
		"command":      {"/ops"},
		"text":         {text},
		"channel_id":   {channel},
		"user_name":    {user},
		"response_url": {"https://hooks.example.com/commands/1"},
	}
}

func (h *harness) interactive(user, actionID, input string) url.Values {
	payload := map[string]any{
		"type":         "block_actions",
		"user":         map[string]string{"id": "U1", "username": user},
		"channel":      map[string]string{"id": channelID},
		"response_url": h.platform.URL + "/respond",
		"actions":      []map[string]string{{"action_id": actionID}},
		"state": map[string]any{"values": map[string]any{
			render.InputBlockID: map[string]any{
				render.InputActionID: map[string]string{"type": "plain_text_input", "value": input},
			},
		}},
	}
	raw, _ := json.Marshal(payload)
	return url.Values{"payload": {string(raw)}}
}

func decodeDoc(t *testing.T, rec *httptest.ResponseRecorder) render.Document {
	t.Helper()
	var doc render.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc), "body: %s", rec.Body.String())
	return doc
}

type messageBody struct {
	Channel string         `json:"channel"`
	TS      string         `json:"ts"`
	Text    string         `json:"text"`
	Blocks  []render.Block `json:"blocks"`
}

func decodeMessage(t *testing.T, body string) messageBody {
	t.Helper()
	var m messageBody
	require.NoError(t, json.Unmarshal([]byte(body), &m), "body: %s", body)
	return m
}

func TestWebhook_GarbledSignature(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash(channelID, "alice", "sample-lambda"), func(r *http.Request) {
		r.Header.Set(signature.SignatureHeader, "v0=garbled")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	doc := decodeDoc(t, rec)
	assert.Equal(t, auth.VerificationFailedMessage, doc.Text)
	assert.Equal(t, "ephemeral", doc.ResponseType)
	assert.Zero(t, h.store.lookups, "verification failure must short-circuit before any lookup")
	assert.Empty(t, h.tape.Interactions())
}

func TestWebhook_UnsignedRequest(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash(channelID, "alice", "sample-lambda"), func(r *http.Request) {
		r.Header.Del(signature.SignatureHeader)
	})
	assert.Equal(t, auth.VerificationFailedMessage, decodeDoc(t, rec).Text)
	assert.Zero(t, h.store.lookups)
}

func TestWebhook_WrongChannel(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash("C0THER", "alice", "sample-lambda"), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.NotAuthorizedMessage, decodeDoc(t, rec).Text)
	assert.Zero(t, h.store.lookups, "channel check precedes permission lookup")
}

func TestWebhook_ActionNotPermitted(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash(channelID, "bob", "sample-lambda/submit"), nil)

	assert.Equal(t, auth.NotAuthorizedMessage, decodeDoc(t, rec).Text)
	assert.Equal(t, 1, h.store.lookups)
	assert.Empty(t, h.tape.Interactions(), "denied requests make no outbound calls")
	assert.Empty(t, h.jobCalls)
}

func TestWebhook_UnknownUserGetsSameMessage(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash(channelID, "mallory", ""), nil)
	assert.Equal(t, auth.NotAuthorizedMessage, decodeDoc(t, rec).Text)
}

func TestWebhook_SubmitSuccess(t *testing.T) {
	h := newHarness(t)
	h.jobReply = func(w http.ResponseWriter) {
		io.WriteString(w, `{"answer": 42, "echo": "42"}`)
	}

	rec := h.send(h.interactive("alice", "sample-lambda/submit", "42"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	require.Len(t, h.jobCalls, 1)
	assert.Equal(t, "42", h.jobCalls[0].Input)
	assert.Equal(t, "sample-lambda/submit", h.jobCalls[0].Action)
	assert.Equal(t, "1700000000.000200", h.jobCalls[0].MessageRef.TS)

	calls := h.tape.Interactions()
	require.Len(t, calls, 3)
	assert.Equal(t, `{"delete_original":true}`, calls[0].Request.Body)
	assert.True(t, strings.HasSuffix(calls[1].Request.URL, "/api/chat.postMessage"))
	assert.True(t, strings.HasSuffix(calls[2].Request.URL, "/api/chat.update"))

	running := decodeMessage(t, calls[1].Request.Body)
	assert.Equal(t, channelID, running.Channel)
	assert.Equal(t, render.Status(render.PhaseRunning, "").Text, running.Text)

	final := decodeMessage(t, calls[2].Request.Body)
	assert.Equal(t, "1700000000.000200", final.TS, "update targets the posted message")
	assert.Equal(t, render.Status(render.PhaseSucceeded, "").Text, final.Text)
	require.Len(t, final.Blocks, 2)
	assert.Contains(t, final.Blocks[1].Text.Text, `{"answer": 42, "echo": "42"}`)

	runs, err := h.runs.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "succeeded", runs[0].Phase)
	assert.Equal(t, "alice", runs[0].UserName)
}

func TestWebhook_SubmitJobFailure(t *testing.T) {
	h := newHarness(t)
	h.jobReply = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"message":"boom"}`)
	}

	rec := h.send(h.interactive("alice", "sample-lambda/submit", "42"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	calls := h.tape.Interactions()
	require.Len(t, calls, 3)
	final := decodeMessage(t, calls[2].Request.Body)
	assert.Equal(t, render.Status(render.PhaseFailed, "").Text, final.Text)
	assert.Contains(t, final.Blocks[1].Text.Text, "boom")
	assert.Equal(t, "1700000000.000200", final.TS)
}

func TestWebhook_RunningPostFailureIs500(t *testing.T) {
	h := newHarness(t)
	h.postFail = true

	rec := h.send(slash(channelID, "alice", "sample-lambda/submit"), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, h.jobCalls, "job must not start without a status message")
}

func TestWebhook_Welcome(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash(channelID, "bob", ""), nil)

	doc := decodeDoc(t, rec)
	assert.Equal(t, render.Welcome(h.handler.actions.Menu()).Blocks, doc.Blocks)
	assert.Equal(t, 1, h.store.lookups)
}

func TestWebhook_FormInline(t *testing.T) {
	h := newHarness(t)
	rec := h.send(slash(channelID, "alice", "sample-lambda"), nil)

	assert.Contains(t, rec.Body.String(), `"action_id":"sample-lambda/submit"`)
	assert.Empty(t, h.tape.Interactions())
}

func TestWebhook_FormInteractive(t *testing.T) {
	h := newHarness(t)
	rec := h.send(h.interactive("alice", "sample-lambda", ""), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	calls := h.tape.Interactions()
	require.Len(t, calls, 1)
	assert.Equal(t, h.platform.URL+"/respond", calls[0].Request.URL)
	assert.Contains(t, calls[0].Request.Body, `"response_type":"ephemeral"`)
	assert.Contains(t, calls[0].Request.Body, "sample-lambda/submit")
}

func TestWebhook_UnknownAction(t *testing.T) {
	h := newHarness(t)
	h.store.inner = permission.NewMemoryStore(permission.NewPrincipal("alice", "sample-lambda", "ghost"))

	rec := h.send(slash(channelID, "alice", "ghost/submit"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeDoc(t, rec).Text, "Unknown action: ghost/submit")
}

func TestWebhook_MalformedBody(t *testing.T) {
	h := newHarness(t)
	rec := h.send(url.Values{"unexpected": {"field"}}, nil)
	assert.Equal(t, malformedMessage, decodeDoc(t, rec).Text)
}

func TestWebhook_ClientInitFailure(t *testing.T) {
	h := newHarness(t)
	h.handler.clients = clients.NewRegistry(func(ctx context.Context) (*clients.Set, error) {
		return nil, io.ErrUnexpectedEOF
	})

	rec := h.send(slash(channelID, "alice", "sample-lambda"), nil)
	assert.Equal(t, genericErrorMessage, decodeDoc(t, rec).Text)
}
