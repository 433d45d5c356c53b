package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/peer"
	"github.com/wolfeidau/keyshift/store"
	"github.com/wolfeidau/keyshift/telemetry"
)

// KeysPathPrefix is the route prefix of the public surface.
const KeysPathPrefix = "/keys/"

// Keys is the public key API a host exposes.
type Keys interface {
	Select(ctx context.Context, key, token string) ([]byte, error)
	Update(ctx context.Context, key string, value []byte) error
	Freeze(ctx context.Context, key, token string) (store.FreezeResult, error)
	Remove(ctx context.Context, key, token string, forward *url.URL) error
}

// KeysHandler serves the public surface:
//
//	GET    /keys/{key}?token=      200 body=value, 404 when absent
//	PUT    /keys/{key}             200
//	GET    /keys/{key}/freeze      200 body=token, 302 when relocated
//	DELETE /keys/{key}?token=&forward=  200, 400 when either is missing
type KeysHandler struct {
	keys         Keys
	logger       *slog.Logger
	maxValueSize int64
	mux          *http.ServeMux
}

// KeysOption configures a KeysHandler.
type KeysOption func(*KeysHandler)

// WithKeysLogger sets the logger for the handler.
func WithKeysLogger(logger *slog.Logger) KeysOption {
	return func(h *KeysHandler) {
		h.logger = logger
	}
}

// WithMaxValueSize bounds PUT bodies (default: peer.MaxBodySize).
func WithMaxValueSize(n int64) KeysOption {
	return func(h *KeysHandler) {
		h.maxValueSize = n
	}
}

// NewKeysHandler creates a handler serving keys.
func NewKeysHandler(keys Keys, opts ...KeysOption) *KeysHandler {
	h := &KeysHandler{
		keys:         keys,
		logger:       slog.Default(),
		maxValueSize: peer.MaxBodySize,
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "keys")

	h.mux.HandleFunc("GET "+KeysPathPrefix+"{key}", h.handleGet)
	h.mux.HandleFunc("PUT "+KeysPathPrefix+"{key}", h.handleSet)
	h.mux.HandleFunc("DELETE "+KeysPathPrefix+"{key}", h.handleRemove)
	h.mux.HandleFunc("GET "+KeysPathPrefix+"{key}/freeze", h.handleFreeze)
	return h
}

// ServeHTTP implements http.Handler.
func (h *KeysHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetSurface(r, "public")
	h.mux.ServeHTTP(w, r)
}

func (h *KeysHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get")
	key := r.PathValue("key")

	data, err := h.keys.Select(r.Context(), key, r.URL.Query().Get("token"))
	if err != nil {
		h.fail(w, "get", key, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *KeysHandler) handleSet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "set")
	key := r.PathValue("key")

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if err := h.keys.Update(r.Context(), key, value); err != nil {
		h.fail(w, "set", key, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *KeysHandler) handleFreeze(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "freeze")
	key := r.PathValue("key")

	res, err := h.keys.Freeze(r.Context(), key, r.URL.Query().Get("token"))
	if err != nil {
		h.fail(w, "freeze", key, err)
		return
	}
	if res.Forward != nil {
		telemetry.SetOwnership(r, telemetry.OwnershipRelocated)
		http.Redirect(w, r, publicURL(res.Forward, key)+"/freeze", http.StatusFound)
		return
	}

	w.Header().Set(peer.HeaderToken, res.Token)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.Token)
}

func (h *KeysHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remove")
	key := r.PathValue("key")
	q := r.URL.Query()

	token := q.Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	rawForward := q.Get("forward")
	if rawForward == "" {
		http.Error(w, "forward is required", http.StatusBadRequest)
		return
	}
	forward, err := url.Parse(rawForward)
	if err != nil {
		http.Error(w, "forward is not a valid uri", http.StatusBadRequest)
		return
	}

	if err := h.keys.Remove(r.Context(), key, token, forward); err != nil {
		h.fail(w, "remove", key, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *KeysHandler) fail(w http.ResponseWriter, op, key string, err error) {
	status := keyshift.StatusCode(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error(op+" failed", "key", key, "error", err)
	case status == http.StatusNotFound:
	default:
		h.logger.Debug(op+" rejected", "key", key, "error", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// publicURL maps a peer endpoint to the public URL of key on that host.
func publicURL(endpoint *url.URL, key string) string {
	u := *endpoint
	base := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), strings.TrimSuffix(peer.PathPrefix, "/"))
	u.Path = base + KeysPathPrefix + key
	u.RawPath = base + KeysPathPrefix + url.PathEscape(key)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
