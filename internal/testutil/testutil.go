// Package testutil provides deterministic fixtures for tests: an
// in-memory store with sequential ids, a captured logger and a manual
// ticker for driving time-based code by hand.
package testutil

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/logbuf"
	"github.com/roach88/tandem/internal/store"
)

// SequentialIDs generates id-001, id-002, ... for reproducible records.
type SequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n)
}

// NewStore opens an in-memory store with sequential ids, closed with the
// test.
func NewStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{store.WithIDGenerator(&SequentialIDs{})}, opts...)
	s, err := store.Open(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Logger returns a logger whose lines surface in the test output.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return LogService(t).Logger()
}

// LogService returns a log service for tests that also need the buffer.
func LogService(t *testing.T) *logbuf.Service {
	t.Helper()
	return logbuf.New(testWriter{t})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// ManualTicker is a hand-driven ticker for autosave tests.
type ManualTicker struct {
	ch chan time.Time
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time, 1)}
}

// Tick fires one tick. A second Tick blocks until the consumer drained
// the first, or panics after two seconds so a stuck loop fails loudly.
func (m *ManualTicker) Tick() {
	select {
	case m.ch <- time.Now():
	case <-time.After(2 * time.Second):
		panic("tick not consumed")
	}
}

func (m *ManualTicker) C() <-chan time.Time { return m.ch }
func (m *ManualTicker) Stop()               {}
