// Package logbuf provides the process log service: a slog handler that
// tees rendered lines to a writer while retaining the most recent lines
// in a bounded ring buffer for later inspection.
//
// The service is constructed once at process start and passed by
// reference to every component that logs; there is no package-level
// buffer state.
package logbuf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// DefaultCapacity is the number of retained lines when none is given.
const DefaultCapacity = 500

// Service renders log records to one line each, writes them to an
// underlying writer and keeps the last Capacity lines in memory.
type Service struct {
	mu    sync.Mutex
	out   io.Writer
	level slog.Level
	lines []string
	next  int
	full  bool
}

// Option configures New.
type Option func(*Service)

// WithCapacity sets the retained line count.
func WithCapacity(n int) Option {
	return func(s *Service) { s.lines = make([]string, n) }
}

// WithLevel sets the minimum level. Default is Info.
func WithLevel(l slog.Level) Option {
	return func(s *Service) { s.level = l }
}

// New builds the service. out may be nil to retain lines only.
func New(out io.Writer, opts ...Option) *Service {
	s := &Service{
		out:   out,
		level: slog.LevelInfo,
		lines: make([]string, DefaultCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Logger returns a slog.Logger backed by this service.
func (s *Service) Logger() *slog.Logger {
	return slog.New(&handler{svc: s})
}

// Lines returns the retained lines, oldest first.
func (s *Service) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	if s.full {
		out = append(out, s.lines[s.next:]...)
	}
	out = append(out, s.lines[:s.next]...)
	return out
}

// Clear drops all retained lines.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.lines {
		s.lines[i] = ""
	}
	s.next = 0
	s.full = false
}

func (s *Service) append(line string) {
	s.mu.Lock()
	if len(s.lines) > 0 {
		s.lines[s.next] = line
		s.next++
		if s.next == len(s.lines) {
			s.next = 0
			s.full = true
		}
	}
	out := s.out
	s.mu.Unlock()
	if out != nil {
		fmt.Fprintln(out, line)
	}
}

// handler implements slog.Handler over a Service. Attrs from WithAttrs
// are rendered as a prefix on every line; groups flatten into dotted
// attr keys.
type handler struct {
	svc    *Service
	prefix string
	group  string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.svc.level
}

func (h *handler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	b.WriteString(rec.Level.String())
	b.WriteByte(' ')
	b.WriteString(rec.Message)
	b.WriteString(h.prefix)
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	h.svc.append(b.String())
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	return &handler{svc: h.svc, prefix: b.String(), group: h.group}
}

func (h *handler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &handler{svc: h.svc, prefix: h.prefix, group: g}
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve().Any())
}
