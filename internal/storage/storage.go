// Package storage defines the persisted run history shared by the SQL and
// in-memory backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// Run is the persisted record of one dispatched job and the status
// message it owns.
type Run struct {
	ID             string     `db:"id" json:"id"`
	Action         string     `db:"action" json:"action"`
	ActionBase     string     `db:"action_base" json:"action_base"`
	ChannelID      string     `db:"channel_id" json:"channel_id"`
	UserName       string     `db:"user_name" json:"user_name"`
	MessageChannel string     `db:"message_channel" json:"message_channel"`
	MessageTS      string     `db:"message_ts" json:"message_ts"`
	Input          string     `db:"input" json:"input"`
	Phase          string     `db:"phase" json:"phase"`
	Detail         string     `db:"detail" json:"detail,omitempty"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	FinishedAt     *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// RunStore persists run history. RecordStart inserts a run in its running
// phase; RecordFinish stores the terminal phase and detail.
type RunStore interface {
	RecordStart(ctx context.Context, run *Run) error
	RecordFinish(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	Close() error
}
