// Package job defines the executable units an action dispatches to.
//
// Jobs are opaque. A Direct job is a single synchronous invocation that
// returns a result payload. A Workflow job is started and then observed
// through repeated status checks until it reaches a terminal state.
package job

import (
	"context"
	"fmt"

	"github.com/tjfontaine/chatops-gateway/internal/chat"
)

// Kind selects how a job is executed.
type Kind string

const (
	KindDirect   Kind = "direct"
	KindWorkflow Kind = "workflow"
)

// Request is the dispatch event handed to a job.
type Request struct {
	Action     string            `json:"action"`
	ChannelID  string            `json:"channel_id"`
	MessageRef chat.MessageRef   `json:"message_ref"`
	Headers    map[string]string `json:"headers,omitempty"`
	Input      string            `json:"input"`
}

// Error is a job failure carrying the job's own message and cause.
type Error struct {
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != "":
		return e.Message + ": " + e.Cause
	case e.Cause != "":
		return e.Cause
	case e.Message != "":
		return e.Message
	default:
		return "job failed"
	}
}

// Direct is a synchronous job.
type Direct interface {
	Invoke(ctx context.Context, req *Request) ([]byte, error)
}

// DirectFunc adapts a function to Direct.
type DirectFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f DirectFunc) Invoke(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// State is a workflow execution status.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
	StateAborted   State = "ABORTED"
)

// Execution is a snapshot of a workflow run.
type Execution struct {
	ID     string `json:"execution_id"`
	State  State  `json:"status"`
	Output []byte `json:"-"`
	Error  string `json:"error,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// Failure converts a non-successful terminal execution into an Error.
// The cause falls back to the execution output when the workflow reports
// neither cause nor error.
func (e *Execution) Failure() *Error {
	cause := e.Cause
	if cause == "" {
		cause = e.Error
	}
	if cause == "" {
		cause = string(e.Output)
	}
	return &Error{
		Message: fmt.Sprintf("workflow execution %s", e.State),
		Cause:   cause,
	}
}

// Workflow is a long-running job observed by polling.
type Workflow interface {
	Start(ctx context.Context, req *Request) (executionID string, err error)
	Describe(ctx context.Context, executionID string) (*Execution, error)
}
