// Package webhook is the inbound HTTP entry point. Each request is
// verified and authorized, routed, and then answered with a menu, a form,
// or a tracked job run.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tjfontaine/chatops-gateway/internal/action"
	"github.com/tjfontaine/chatops-gateway/internal/auth"
	"github.com/tjfontaine/chatops-gateway/internal/clients"
	"github.com/tjfontaine/chatops-gateway/internal/command"
	"github.com/tjfontaine/chatops-gateway/internal/render"
	"github.com/tjfontaine/chatops-gateway/internal/server"
	"github.com/tjfontaine/chatops-gateway/internal/tracker"
)

// MaxBodyBytes bounds the inbound body.
const MaxBodyBytes = 1 << 20

const (
	genericErrorMessage = "Something went wrong handling that request. Please try again."
	malformedMessage    = "That request could not be understood."
	unknownActionPrefix = "Unknown action: "
)

// Config holds the handler's static collaborators.
type Config struct {
	Policy  auth.Policy
	Actions *action.Registry
	Clients *clients.Registry
	// Tracker builds the tracker for a request from the shared chat transport.
	Tracker func(set *clients.Set) *tracker.Tracker
	Logger  *slog.Logger
	// GateOptions are passed to every gate, e.g. a test clock.
	GateOptions []auth.GateOption
}

// Handler serves the webhook.
type Handler struct {
	policy      auth.Policy
	actions     *action.Registry
	router      *command.Router
	clients     *clients.Registry
	newTracker  func(set *clients.Set) *tracker.Tracker
	logger      *slog.Logger
	gateOptions []auth.GateOption

	runs sync.WaitGroup
}

// NewHandler creates a webhook handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newTracker := cfg.Tracker
	if newTracker == nil {
		newTracker = func(set *clients.Set) *tracker.Tracker {
			return tracker.New(set.Chat, tracker.WithLogger(logger))
		}
	}
	return &Handler{
		policy:      cfg.Policy,
		actions:     cfg.Actions,
		router:      command.NewRouter(cfg.Actions),
		clients:     cfg.Clients,
		newTracker:  newTracker,
		logger:      logger,
		gateOptions: cfg.GateOptions,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		server.AddError(ctx, err)
		writeDocument(w, render.Notice(malformedMessage))
		return
	}
	req := command.FromHTTP(r, body)
	server.AddLogField(ctx, "retry_num", req.RetryNum)

	set, err := h.clients.EnsureInitialized(ctx)
	if err != nil {
		server.LoggerFrom(ctx, h.logger).Error("failed to initialize clients", slog.String("error", err.Error()))
		server.AddError(ctx, err)
		writeDocument(w, render.Notice(genericErrorMessage))
		return
	}

	gate := auth.NewGate(h.policy, set.Secrets, set.Permissions, h.gateOptions...)
	cmd, decision, err := gate.Authorize(ctx, req)
	if cmd != nil {
		server.AddLogField(ctx, "action", cmd.Action)
		server.AddLogField(ctx, "user", cmd.UserName)
		server.AddLogField(ctx, "channel", cmd.ChannelID)
	}
	if err != nil {
		server.AddError(ctx, err)
		if errors.Is(err, command.ErrMalformedPayload) {
			writeDocument(w, render.Notice(malformedMessage))
			return
		}
		server.LoggerFrom(ctx, h.logger).Error("authorization failed", slog.String("error", err.Error()))
		writeDocument(w, render.Notice(genericErrorMessage))
		return
	}
	server.AddLogField(ctx, "decision", decision.String())

	if !decision.Authorized() {
		server.LoggerFrom(ctx, h.logger).Info("request denied", slog.String("reason", string(decision.Reason)))
		writeDocument(w, render.Notice(decision.Message()))
		return
	}

	route, err := h.router.Route(cmd)
	if err != nil {
		server.AddError(ctx, err)
		server.LoggerFrom(ctx, h.logger).Error("routing failed", slog.String("action", cmd.Action), slog.String("error", err.Error()))
		h.reply(ctx, w, set, cmd, render.Notice(unknownActionPrefix+cmd.Action))
		return
	}
	server.AddLogField(ctx, "route", route.Kind.String())

	switch route.Kind {
	case command.KindWelcome:
		h.reply(ctx, w, set, cmd, render.Welcome(h.actions.Menu()))
	case command.KindForm:
		def, _ := h.actions.Lookup(route.Base)
		h.reply(ctx, w, set, cmd, render.Form(def.Form()))
	case command.KindSubmit:
		h.submit(ctx, w, set, req, cmd, route)
	}
}

// submit posts the running status synchronously and finishes the run in
// the background so the platform gets its answer promptly.
func (h *Handler) submit(ctx context.Context, w http.ResponseWriter, set *clients.Set, req *command.InboundRequest, cmd *command.Command, route command.Route) {
	def, _ := h.actions.Lookup(route.Base)
	t := h.newTracker(set)

	run, err := t.Begin(ctx, cmd, def, req.HeaderContext())
	if err != nil {
		server.AddError(ctx, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	server.AddLogField(ctx, "run_id", run.ID)

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		// The run outlives the request; keep its values but not its deadline.
		if err := t.Complete(context.WithoutCancel(ctx), run); err != nil {
			server.LoggerFrom(ctx, h.logger).Error("run did not complete cleanly",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()))
		}
	}()

	w.WriteHeader(http.StatusOK)
}

// reply answers an authorized request. Interactive callbacks ignore the
// HTTP body, so they are answered through their response target; slash
// commands are answered inline.
func (h *Handler) reply(ctx context.Context, w http.ResponseWriter, set *clients.Set, cmd *command.Command, doc render.Document) {
	if cmd.Interactive && cmd.ResponseTarget != "" {
		if err := set.Chat.PostEphemeral(ctx, cmd.ResponseTarget, doc); err != nil {
			server.LoggerFrom(ctx, h.logger).Error("failed to post ephemeral reply", slog.String("error", err.Error()))
			server.AddError(ctx, err)
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	writeDocument(w, doc)
}

// Wait blocks until every background run has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeDocument(w http.ResponseWriter, doc render.Document) {
	if doc.ResponseType == "" {
		doc.ResponseType = "ephemeral"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}
