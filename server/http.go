// Package server provides the HTTP server for a keyshift host.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/keyshift/directory"
	"github.com/wolfeidau/keyshift/host"
	"github.com/wolfeidau/keyshift/peer"
	"github.com/wolfeidau/keyshift/store"
	"github.com/wolfeidau/keyshift/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Host serves the public and peer surfaces.
	Host *host.Host

	// Store is the host's entry store, reported by /stats. Optional.
	Store *store.Store

	// Directory, when set, is also served under /directory/ so that other
	// hosts can use this process as their location directory.
	Directory directory.Directory

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// MaxConnections limits concurrent connections. Zero means no limit.
	MaxConnections int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for a keyshift host.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	keys      *KeysHandler
	peer      *peer.Handler
	directory *directory.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Host == nil && cfg.Directory == nil {
		return nil, errors.New("server: a host or a directory is required")
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}
	if cfg.Host != nil {
		s.keys = NewKeysHandler(cfg.Host, WithKeysLogger(cfg.Logger))
		s.peer = peer.NewHandler(cfg.Host, peer.WithLogger(cfg.Logger))
	}
	if cfg.Directory != nil {
		s.directory = directory.NewHandler(cfg.Directory, directory.WithHandlerLogger(cfg.Logger))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	if s.keys != nil {
		mux.Handle(KeysPathPrefix, s.keys)
		mux.Handle(peer.PathPrefix, s.peer)
	}
	if s.directory != nil {
		mux.Handle(directory.PathPrefix, s.directory)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports the size of the local store.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.config.Store == nil {
		_, _ = w.Write([]byte(`{"error":"no local store"}`))
		return
	}
	self := ""
	if s.config.Host != nil {
		self = s.config.Host.Self()
	}
	_, _ = fmt.Fprintf(w, `{"self":%q,"entries":%d}`, self, s.config.Store.Len())
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set surface, ownership and endpoint
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Surface = deriveSurface(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", tags.Surface,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Ownership != telemetry.OwnershipNA {
			attrs = append(attrs, "ownership", string(tags.Ownership))
		}

		// peer and directory traffic is chatty, keep it out of info logs
		level := slog.LevelInfo
		if tags.Surface == "peer" || tags.Surface == "directory" || tags.Surface == "internal" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln, applying the connection limit.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"max_connections", s.config.MaxConnections,
		"directory", s.directory != nil,
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface classifies a request path before any handler tags it.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, KeysPathPrefix):
		return "public"
	case strings.HasPrefix(path, peer.PathPrefix):
		return "peer"
	case strings.HasPrefix(path, directory.PathPrefix):
		return "directory"
	default:
		return "unknown"
	}
}
