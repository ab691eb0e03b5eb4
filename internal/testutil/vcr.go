package testutil

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// Tape records the outbound HTTP traffic of a test into a cassette so the
// test can assert on exactly what was sent.
type Tape struct {
	t        *testing.T
	path     string
	recorder *recorder.Recorder
	stopped  bool
}

// NewTape creates a recorder that forwards to real (an httptest server's
// transport, usually) and writes its cassette under t.TempDir().
func NewTape(t *testing.T, name string, real http.RoundTripper) *Tape {
	t.Helper()

	if real == nil {
		real = http.DefaultTransport
	}
	path := filepath.Join(t.TempDir(), name)

	r, err := recorder.NewAsMode(path, recorder.ModeRecording, real)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	tape := &Tape{t: t, path: path, recorder: r}
	t.Cleanup(func() {
		if !tape.stopped {
			_ = r.Stop()
		}
	})
	return tape
}

// Client returns an HTTP client routed through the recorder.
func (tp *Tape) Client() *http.Client {
	return &http.Client{Transport: tp.recorder}
}

// Interactions stops recording and returns the recorded interactions in
// order, or nil when nothing was sent.
func (tp *Tape) Interactions() []*cassette.Interaction {
	tp.t.Helper()

	if !tp.stopped {
		if err := tp.recorder.Stop(); err != nil {
			tp.t.Fatalf("Failed to stop VCR recorder: %v", err)
		}
		tp.stopped = true
	}

	// An empty cassette is never written to disk.
	if _, err := os.Stat(tp.path + ".yaml"); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	c, err := cassette.Load(tp.path)
	if err != nil {
		tp.t.Fatalf("Failed to load cassette: %v", err)
	}
	return c.Interactions
}
