// Package observer is the HTTP surface of the engine. Role dispatchers use
// it to record turns and advance task groups; dashboards use its
// Server-Sent Event streams to watch sessions live.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/berth-dev/baton/internal/ledger"
	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/watch"
)

// Options configures a Server.
type Options struct {
	Addr           string        // listen address; "127.0.0.1:0" picks a free port
	TerminalMarker string        // marker that synthesizes terminal:reached during replay
	MaxReplays     int64         // concurrent SSE catch-up queries
	ReplayBatch    int           // change rows per catch-up query
	KeepAlive      time.Duration // SSE comment interval
	Logger         *slog.Logger
}

// Server serves the dispatcher API and the observer streams.
type Server struct {
	mgr      *lifecycle.Manager
	store    *store.Store
	ledger   *ledger.Ledger
	hub      *watch.Hub
	opts     Options
	replays  *semaphore.Weighted
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux
}

// NewServer creates a server bound to opts.Addr.
func NewServer(mgr *lifecycle.Manager, led *ledger.Ledger, hub *watch.Hub, opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.MaxReplays <= 0 {
		opts.MaxReplays = 4
	}
	if opts.ReplayBatch <= 0 {
		opts.ReplayBatch = 500
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("observer: binding listener: %w", err)
	}

	s := &Server{
		mgr:      mgr,
		store:    mgr.Store(),
		ledger:   led,
		hub:      hub,
		opts:     opts,
		replays:  semaphore.NewWeighted(opts.MaxReplays),
		logger:   logger.With("component", "observer"),
		listener: ln,
		mux:      http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /sessions/active", s.handleActiveSession)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /sessions/{id}/complete", s.handleCompleteSession)
	s.mux.HandleFunc("POST /sessions/{id}/archive", s.handleArchiveSession)

	s.mux.HandleFunc("POST /sessions/{id}/groups", s.handleCreateGroup)
	s.mux.HandleFunc("GET /sessions/{id}/groups", s.handleListGroups)

	s.mux.HandleFunc("POST /sessions/{id}/turns", s.handleRecordTurn)
	s.mux.HandleFunc("GET /sessions/{id}/turns", s.handleListTurns)
	s.mux.HandleFunc("GET /sessions/{id}/turns/next", s.handleNextSeq)
	s.mux.HandleFunc("POST /sessions/{id}/reasoning", s.handleRecordReasoning)
	s.mux.HandleFunc("POST /sessions/{id}/advance", s.handleAdvance)
	s.mux.HandleFunc("GET /sessions/{id}/phases", s.handlePhases)

	s.mux.HandleFunc("POST /sessions/{id}/events", s.handleSaveEvent)
	s.mux.HandleFunc("GET /sessions/{id}/events", s.handleListEvents)
	s.mux.HandleFunc("GET /sessions/{id}/events/latest", s.handleLatestEvent)

	s.mux.HandleFunc("POST /sessions/{id}/usage", s.handleRecordUsage)
	s.mux.HandleFunc("GET /sessions/{id}/usage", s.handleUsageSummary)
	s.mux.HandleFunc("POST /sessions/{id}/skills", s.handleSaveSkillOutput)
	s.mux.HandleFunc("GET /sessions/{id}/skills", s.handleListSkillOutputs)

	s.mux.HandleFunc("POST /sessions/{id}/snapshots", s.handleSaveSnapshot)
	s.mux.HandleFunc("GET /sessions/{id}/snapshots/{type}", s.handleLatestSnapshot)

	s.mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /stream", s.handleStream)
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the address the server is listening on (e.g. "127.0.0.1:7420").
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Call in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("observer listening", "addr", s.Addr())
	if err := s.server.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server, giving in-flight requests until
// ctx is done. Open streams are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("observer: shutdown: %w", err)
	}
	return <-errCh
}
