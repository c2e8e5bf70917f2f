// Package gateway serves the live query streams over WebSocket. Each
// socket authenticates as one user and picks one stream; every change
// to that stream's result set is pushed as a JSON snapshot.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/coder/websocket"

	"github.com/roach88/tandem/internal/connect"
	"github.com/roach88/tandem/internal/directory"
	"github.com/roach88/tandem/internal/docsync"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/share"
	"github.com/roach88/tandem/internal/store"
)

// Config is the gateway's environment configuration.
type Config struct {
	Addr         string        `env:"TANDEM_ADDR" envDefault:":8080"`
	WriteTimeout time.Duration `env:"TANDEM_WRITE_TIMEOUT" envDefault:"5s"`
}

// ConfigFromEnv parses the configuration from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse gateway config: %w", err)
	}
	return cfg, nil
}

// Message is one pushed snapshot.
type Message struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

// Server exposes /ws and /health over one store.
type Server struct {
	cfg   Config
	store *store.Store
	log   *slog.Logger

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients int
}

func NewServer(cfg Config, s *store.Store, log *slog.Logger) *Server {
	return &Server{cfg: cfg, store: s, log: log}
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway serve", "err", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of open sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleWS upgrades the connection, subscribes the requested stream as
// the requested user and pushes snapshots until the peer goes away.
//
// Identity comes from the uid query parameter; the gateway trusts its
// front proxy to have authenticated it. The store still enforces the
// access rules under that identity, so a wrong uid only narrows what
// the socket can see.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	streamName := r.URL.Query().Get("stream")
	arg := r.URL.Query().Get("arg")
	if uid == "" || streamName == "" {
		http.Error(w, "uid and stream are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
	}()

	push := func(data any) {
		raw, err := json.Marshal(Message{Stream: streamName, Data: data})
		if err != nil {
			s.log.Error("marshal snapshot", "stream", streamName, "err", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}

	dispose, err := s.subscribe(uid, streamName, arg, push)
	if err != nil {
		s.log.Warn("stream subscribe failed", "uid", uid, "stream", streamName, "err", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer dispose()
	s.log.Info("stream attached", "uid", uid, "stream", streamName)

	// Read loop: we process no client messages, it just detects the
	// disconnect.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// subscribe wires one named stream for one user.
func (s *Server) subscribe(uid, name, arg string, push func(any)) (store.Disposer, error) {
	sess := session.Static(uid)
	log := s.log.With("uid", uid)
	docs := docsync.New(s.store, sess, log)
	conns := connect.New(s.store, sess, docs, log)
	dir := directory.New(s.store, sess, log)
	shares := share.New(s.store, sess, dir, docs, log)

	switch name {
	case "connections.incoming":
		return conns.SubscribeIncoming(func(v []model.Connection) { push(v) })
	case "connections.outgoing":
		return conns.SubscribeOutgoing(func(v []model.Connection) { push(v) })
	case "shares.incoming":
		return shares.SubscribeIncoming(func(v []model.DocShare) { push(v) })
	case "shares.outgoing":
		return shares.SubscribeOutgoing(func(v []model.DocShare) { push(v) })
	case "docs.mine":
		return docs.SubscribeMine(func(v []model.Doc) { push(v) })
	case "docs.one":
		return docs.Subscribe(arg, func(v *model.Doc) { push(v) })
	case "shared.mine":
		return docs.SubscribeMyShared(func(v []model.SharedDoc) { push(v) })
	case "shared.one":
		return docs.SubscribeShared(arg, func(v *model.SharedDoc) { push(v) })
	default:
		return nil, fmt.Errorf("unknown stream %q", name)
	}
}
