// Package syncserver is the authoritative side of replication: it serves
// websocket sync sessions, the bulk snapshot endpoint and single-record HTTP
// writes, and relays every accepted store change to the broadcast hub.
package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Mschirtzinger/quill/internal/hub"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
	"github.com/Mschirtzinger/quill/internal/wire"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080").
	Addr string

	// SnapshotMaxAge is the max-age advertised on snapshot responses.
	SnapshotMaxAge time.Duration

	// RequireRole enables the X-Quill-Role check on HTTP writes.
	RequireRole bool

	// Logger for server activity (default: stderr with [session] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8080",
		SnapshotMaxAge: 5 * time.Second,
		Logger:         log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// Server owns the HTTP listener and all sync sessions.
type Server struct {
	cfg      *Config
	store    *store.Store
	hub      *hub.Hub
	router   chi.Router
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	relayCancel func()
	logger      *log.Logger
}

// NewServer creates a server over st and h and starts relaying store
// changes to the hub immediately.
func NewServer(st *store.Store, h *hub.Hub, config *Config) *Server {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    config,
		store:  st,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}
	s.router = s.routes()

	changes, relayCancel := st.Subscribe()
	s.relayCancel = relayCancel
	s.wg.Add(1)
	go s.relayLoop(changes)
	return s
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/{kind}", s.handleList)
		r.Get("/{kind}/{id}", s.handleGet)
		r.Group(func(r chi.Router) {
			if s.cfg.RequireRole {
				r.Use(RoleMiddleware("editor", "admin"))
			}
			r.Post("/{kind}", s.handleUpsert)
			r.Patch("/{kind}/{id}", s.handlePatch)
		})
	})
	return r
}

// Start begins listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Run starts the server and blocks until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop shuts down the listener, ends all sessions and the relay.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()
	s.relayCancel()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return shutdownErr
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of live sessions.
func (s *Server) ClientCount() int {
	return s.hub.Count()
}

// relayLoop turns store changes into broadcast frames, in commit order.
func (s *Server) relayLoop(changes <-chan store.Change) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			frame, err := changeFrame(c)
			if err != nil {
				s.logger.Printf("Failed to encode change %d: %v", c.Seq, err)
				continue
			}
			s.hub.Broadcast(frame, c.Origin)
		}
	}
}

func changeFrame(c store.Change) ([]byte, error) {
	switch c.Op {
	case store.OpUpsert:
		payload, err := wire.NewUpsert(c.Record)
		if err != nil {
			return nil, err
		}
		return wire.Encode(wire.TypeEntityUpdated, payload)
	case store.OpPatch:
		return wire.Encode(wire.TypeEntityPatched, wire.EntityPatched{
			Kind:      c.Kind,
			ID:        c.ID,
			Fields:    c.Fields,
			UpdatedAt: c.Record.Version(),
		})
	case store.OpStream:
		task, ok := c.Record.(*schema.Task)
		if !ok {
			return nil, fmt.Errorf("stream change on %s", c.Kind)
		}
		return wire.Encode(wire.TypeStreamChunk, wire.StreamChunk{
			TaskID:      task.ID,
			Chunk:       c.Chunk,
			Accumulated: task.Output,
			UpdatedAt:   task.UpdatedAt,
		})
	}
	return nil, fmt.Errorf("unknown change op %q", c.Op)
}

// handleWebSocket upgrades the connection and starts a session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(4 << 20)

	sess := newSession(s, uuid.NewString(), conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(s.ctx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.hub.Count(),
		"protocol": wire.ProtocolVersion,
	})
}
