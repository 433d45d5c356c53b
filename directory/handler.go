package directory

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/telemetry"
)

// maxRecordSize bounds PUT bodies. Location records are a handful of URIs.
const maxRecordSize = 64 << 10

// Handler serves a Directory over HTTP:
//
//	GET    /directory/{key}  200 body=payload with version/TTL headers, 404 when absent
//	PUT    /directory/{key}  204; headers carry version and TTL
//	DELETE /directory/{key}  204
type Handler struct {
	dir    Directory
	logger *slog.Logger
	mux    *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler serving d.
func NewHandler(d Directory, opts ...HandlerOption) *Handler {
	h := &Handler{
		dir:    d,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "directory")

	h.mux.HandleFunc("GET "+PathPrefix+"{key}", h.handleGet)
	h.mux.HandleFunc("PUT "+PathPrefix+"{key}", h.handlePut)
	h.mux.HandleFunc("DELETE "+PathPrefix+"{key}", h.handleDelete)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetSurface(r, "directory")
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	key := r.PathValue("key")

	v, ok, err := h.dir.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("directory get failed", "key", key, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	setValueHeaders(w.Header(), v)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v.Data)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "add")
	key := r.PathValue("key")

	v, err := parseValueHeaders(r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "record too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	v.Data = data

	if _, err := keyshift.ParseLocationRecord(v.Data, v.Version, v.TTL); err != nil {
		http.Error(w, "malformed location record", http.StatusBadRequest)
		return
	}

	if err := h.dir.Add(r.Context(), key, v); err != nil {
		h.logger.Error("directory add failed", "key", key, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remove")
	key := r.PathValue("key")

	if err := h.dir.Remove(r.Context(), key); err != nil {
		h.logger.Error("directory remove failed", "key", key, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
