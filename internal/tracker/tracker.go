// Package tracker drives a dispatched job through its status message:
// post "running", run the job, then update the same message to its
// terminal phase.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/chatops-gateway/internal/action"
	"github.com/tjfontaine/chatops-gateway/internal/chat"
	"github.com/tjfontaine/chatops-gateway/internal/command"
	"github.com/tjfontaine/chatops-gateway/internal/job"
	"github.com/tjfontaine/chatops-gateway/internal/render"
	"github.com/tjfontaine/chatops-gateway/internal/storage"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxWait      = 15 * time.Minute
)

const instrumentationName = "github.com/tjfontaine/chatops-gateway/internal/tracker"

// StatusPostError is returned when the status message itself could not be
// posted or updated. It is never retried.
type StatusPostError struct {
	Phase render.Phase
	Err   error
}

func (e *StatusPostError) Error() string {
	return fmt.Sprintf("post %s status: %v", e.Phase, e.Err)
}

func (e *StatusPostError) Unwrap() error { return e.Err }

// Run is one dispatched job and the status message it owns. MessageRef is
// captured when the running status is posted and every later update
// targets it.
type Run struct {
	ID         string
	Command    *command.Command
	Definition *action.Definition
	Headers    map[string]string
	MessageRef chat.MessageRef
	Phase      render.Phase
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Run) record() *storage.Run {
	rec := &storage.Run{
		ID:             r.ID,
		Action:         r.Command.Action,
		ActionBase:     r.Command.ActionBase,
		ChannelID:      r.Command.ChannelID,
		UserName:       r.Command.UserName,
		MessageChannel: r.MessageRef.Channel,
		MessageTS:      r.MessageRef.TS,
		Input:          r.Command.Input,
		Phase:          string(r.Phase),
		Detail:         r.Detail,
		StartedAt:      r.StartedAt,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		rec.FinishedAt = &finished
	}
	return rec
}

// Recorder persists run history. Optional.
type Recorder interface {
	RecordStart(ctx context.Context, run *storage.Run) error
	RecordFinish(ctx context.Context, run *storage.Run) error
}

// Tracker runs the Idle -> Running -> {Succeeded, Failed} state machine.
type Tracker struct {
	transport    chat.Transport
	recorder     Recorder
	logger       *slog.Logger
	tracer       trace.Tracer
	pollInterval time.Duration
	maxWait      time.Duration
	now          func() time.Time
	newID        func() string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder stores run history.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithTracerProvider sets the tracer provider used for run spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Tracker) { t.tracer = tp.Tracer(instrumentationName) }
}

// WithPollInterval sets the workflow polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithMaxWait bounds how long a workflow is polled before the run fails.
// Zero disables the bound.
func WithMaxWait(d time.Duration) Option {
	return func(t *Tracker) { t.maxWait = d }
}

// New creates a tracker posting through transport.
func New(transport chat.Transport, opts ...Option) *Tracker {
	t := &Tracker{
		transport:    transport,
		logger:       slog.Default(),
		tracer:       otel.Tracer(instrumentationName),
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin moves a run from Idle to Running: it dismisses the input form,
// posts the running status and captures its reference. An error here
// means no status message exists and the run must not continue.
func (t *Tracker) Begin(ctx context.Context, cmd *command.Command, def *action.Definition, headers map[string]string) (*Run, error) {
	run := &Run{
		ID:         t.newID(),
		Command:    cmd,
		Definition: def,
		Headers:    headers,
		StartedAt:  t.now().UTC(),
	}
	logger := t.runLogger(run)

	if cmd.Interactive && cmd.ResponseTarget != "" {
		if err := t.transport.DeleteOriginal(ctx, cmd.ResponseTarget); err != nil {
			logger.Warn("failed to dismiss input form", slog.String("error", err.Error()))
		}
	}

	ref, err := t.transport.PostMessage(ctx, cmd.ChannelID, render.Status(render.PhaseRunning, ""))
	if err != nil {
		logger.Error("failed to post running status", slog.String("error", err.Error()))
		return nil, &StatusPostError{Phase: render.PhaseRunning, Err: err}
	}
	run.MessageRef = ref
	run.Phase = render.PhaseRunning
	logger.Info("run started", slog.String("phase", string(run.Phase)), slog.String("message_ts", ref.TS))

	if t.recorder != nil {
		if err := t.recorder.RecordStart(ctx, run.record()); err != nil {
			logger.Warn("failed to record run start", slog.String("error", err.Error()))
		}
	}
	return run, nil
}

// Complete runs the job and moves the run to its terminal phase by
// updating the message captured in Begin. Job failures are reported in
// the message and are not returned; the returned error is a
// StatusPostError when the terminal update could not be posted.
func (t *Tracker) Complete(ctx context.Context, run *Run) error {
	if run.MessageRef.IsZero() {
		return fmt.Errorf("run %s has no status message", run.ID)
	}

	ctx, span := t.tracer.Start(ctx, "tracker.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.action", run.Command.Action),
		attribute.String("run.kind", string(run.Definition.Kind)),
	))
	defer span.End()

	logger := t.runLogger(run)

	output, jobErr := t.execute(ctx, run)
	if jobErr != nil {
		run.Phase = render.PhaseFailed
		run.Detail = failureDetail(jobErr)
		span.RecordError(jobErr)
		span.SetStatus(codes.Error, "job failed")
		logger.Warn("job failed", slog.String("error", jobErr.Error()))
	} else {
		run.Phase = render.PhaseSucceeded
		run.Detail = string(output)
	}
	run.FinishedAt = t.now().UTC()
	span.SetAttributes(attribute.String("run.phase", string(run.Phase)))

	var postErr error
	if err := t.transport.UpdateMessage(ctx, run.MessageRef, render.Status(run.Phase, run.Detail)); err != nil {
		postErr = &StatusPostError{Phase: run.Phase, Err: err}
		span.RecordError(postErr)
		span.SetStatus(codes.Error, "status update failed")
		logger.Error("failed to post terminal status",
			slog.String("phase", string(run.Phase)),
			slog.String("error", err.Error()))
	} else {
		logger.Info("run finished", slog.String("phase", string(run.Phase)))
	}

	if t.recorder != nil {
		rec := run.record()
		if postErr != nil {
			rec.Detail = run.Detail + "\n(status update failed: " + postErr.Error() + ")"
		}
		if err := t.recorder.RecordFinish(ctx, rec); err != nil {
			logger.Warn("failed to record run finish", slog.String("error", err.Error()))
		}
	}
	return postErr
}

// Track runs Begin and Complete in sequence.
func (t *Tracker) Track(ctx context.Context, cmd *command.Command, def *action.Definition, headers map[string]string) (*Run, error) {
	run, err := t.Begin(ctx, cmd, def, headers)
	if err != nil {
		return nil, err
	}
	return run, t.Complete(ctx, run)
}

func (t *Tracker) execute(ctx context.Context, run *Run) ([]byte, error) {
	req := &job.Request{
		Action:     run.Command.Action,
		ChannelID:  run.Command.ChannelID,
		MessageRef: run.MessageRef,
		Headers:    run.Headers,
		Input:      run.Command.Input,
	}

	switch run.Definition.Kind {
	case job.KindDirect:
		return run.Definition.Direct.Invoke(ctx, req)
	case job.KindWorkflow:
		id, err := run.Definition.Workflow.Start(ctx, req)
		if err != nil {
			return nil, err
		}
		t.runLogger(run).Info("workflow started", slog.String("execution_id", id))
		return t.await(ctx, run.Definition.Workflow, id)
	default:
		return nil, fmt.Errorf("unknown job kind %q", run.Definition.Kind)
	}
}

// await polls a workflow execution until it leaves the running state or
// the max wait elapses.
func (t *Tracker) await(ctx context.Context, wf job.Workflow, executionID string) ([]byte, error) {
	if t.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.maxWait)
		defer cancel()
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, t.waitError(ctx, executionID)
		case <-ticker.C:
		}

		exec, err := wf.Describe(ctx, executionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, t.waitError(ctx, executionID)
			}
			return nil, err
		}

		switch exec.State {
		case job.StateRunning:
			continue
		case job.StateSucceeded:
			return exec.Output, nil
		default:
			return nil, exec.Failure()
		}
	}
}

func (t *Tracker) waitError(ctx context.Context, executionID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &job.Error{
			Message: fmt.Sprintf("workflow execution %s did not finish within %s", executionID, t.maxWait),
			Cause:   "timeout",
		}
	}
	return &job.Error{
		Message: fmt.Sprintf("stopped waiting for workflow execution %s", executionID),
		Cause:   ctx.Err().Error(),
	}
}

func (t *Tracker) runLogger(run *Run) *slog.Logger {
	return t.logger.With(
		slog.String("run_id", run.ID),
		slog.String("action", run.Command.Action),
	)
}

func failureDetail(err error) string {
	var jobErr *job.Error
	if errors.As(err, &jobErr) {
		return jobErr.Error()
	}
	return err.Error()
}
