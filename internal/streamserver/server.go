// Package streamserver is a development upstream: it serves the change stream contract
// over SSE and WebSocket and lets changes be injected over HTTP.
package streamserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	apierrors "github.com/nkkko/liveflow/internal/api/errors"
	"github.com/nkkko/liveflow/internal/api/response"
	"github.com/nkkko/liveflow/internal/api/validation"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/telemetry"
	"github.com/nkkko/liveflow/internal/transport"
)

// Config contains stream server configuration
type Config struct {
	// Server address
	Addr string

	// HeartbeatInterval is the gap between SSE comment pings
	HeartbeatInterval time.Duration

	// ClientBuffer is the number of frames buffered per client before dropping
	ClientBuffer int

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:              ":8000",
		HeartbeatInterval: 15 * time.Second,
		ClientBuffer:      200,
		ReadTimeout:       5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Option configures a Server
type Option func(*Server)

// WithClock sets the clock driving heartbeats and timestamps
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// Server serves the change stream endpoints using a chi router
type Server struct {
	config   Config
	clock    clock.Clock
	hub      *Hub
	router   *chi.Mux
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates a stream server
func New(config Config, opts ...Option) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}

	s := &Server{
		config: config,
		clock:  clock.WallClock,
		logger: logging.Component("streamserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(config.ClientBuffer, s.clock)
	s.router = s.routes()
	return s
}

// Hub returns the fan-out hub, for publishing changes in-process
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("liveflow-devserver"))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Cache-Control", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sse/events", s.handleSSE)
		r.Get("/sse/stats", s.handleStats)
		r.Get("/ws/events", s.handleWebSocket)
		r.Post("/dev/publish", s.handlePublish)
	})
	return r
}

// Start runs the server until ctx is done
func (s *Server) Start(ctx context.Context) error {
	// no write timeout: streams stay open
	server := &http.Server{
		Addr:        s.config.Addr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		IdleTimeout: s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("Stream server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("stream server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info().Msg("Shutting down stream server")
	return server.Shutdown(shutdownCtx)
}

// scopes reads the scope list, accepting the workflow_ids alias
func scopes(r *http.Request) []string {
	q := r.URL.Query()
	if v := q.Get("scope_id"); v != "" {
		return splitList(v)
	}
	return splitList(q.Get("workflow_ids"))
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, r, apierrors.InternalError("streaming_unsupported", "Streaming is not supported"))
		return
	}

	c := s.hub.add("sse", splitList(r.URL.Query().Get("filters")), scopes(r))
	defer s.hub.remove(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{"type": "connected", "client_id": c.id})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
	flusher.Flush()

	heartbeat := s.clock.NewTimer(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case f := <-c.frames:
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", f.ID, f.Event, f.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.Chan():
			if _, err := fmt.Fprintf(w, ": ping %s\n\n", s.clock.Now().UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(s.config.HeartbeatInterval)
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	c := s.hub.add("websocket", splitList(r.URL.Query().Get("filters")), scopes(r))
	defer s.hub.remove(c)

	// reads only detect the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello, _ := json.Marshal(map[string]string{"type": "connected", "client_id": c.id})
	if err := conn.WriteJSON(transport.WireMessage{Event: "connected", Data: hello}); err != nil {
		return
	}

	for {
		select {
		case f := <-c.frames:
			msg := transport.WireMessage{Event: f.Event, ID: f.ID, Data: f.Data}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, s.hub.Stats())
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var change Change
	if err := validation.ParseAndValidate(r, &change); err != nil {
		response.Error(w, r, err)
		return
	}

	delivered := s.hub.Publish(change)
	response.JSON(w, r, http.StatusAccepted, map[string]int{"delivered": delivered})
}
