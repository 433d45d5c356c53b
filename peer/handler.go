package peer

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/telemetry"
)

// Handler serves the peer surface over HTTP for a local Client
// implementation, normally the host itself:
//
//	GET    /host/{key}  ShiftLock: 200 data + token, 302 forward, 404 not found
//	DELETE /host/{key}  Shift: 200, 302 when already relocated, 400 when token or forward is missing
type Handler struct {
	local  Client
	logger *slog.Logger
	mux    *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler serving local.
func NewHandler(local Client, opts ...HandlerOption) *Handler {
	h := &Handler{
		local:  local,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "peer")

	h.mux.HandleFunc("GET "+PathPrefix+"{key}", h.handleShiftLock)
	h.mux.HandleFunc("DELETE "+PathPrefix+"{key}", h.handleShift)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	telemetry.SetSurface(r, "peer")
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleShiftLock(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "shift_lock")
	key := r.PathValue("key")

	res, err := h.local.ShiftLock(r.Context(), key, r.Header.Get(HeaderToken))
	if err != nil {
		h.fail(w, "shift lock", key, err)
		return
	}

	switch {
	case res.Forward != nil:
		telemetry.SetOwnership(r, telemetry.OwnershipRelocated)
		w.Header().Set("Location", res.Forward.String())
		w.WriteHeader(http.StatusFound)
	case !res.Found():
		http.NotFound(w, r)
	default:
		h.writeBody(w, r, res)
	}
}

func (h *Handler) writeBody(w http.ResponseWriter, r *http.Request, res LockResult) {
	body := res.Data
	w.Header().Set(HeaderToken, res.Token)
	w.Header().Set(HeaderDigest, digest(res.Data))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Add("Vary", "Accept-Encoding")

	if acceptsEncoding(r.Header.Get("Accept-Encoding"), encodingZstd) {
		if cd, err := sharedCodec(); err == nil {
			if encoded, ok := cd.encode(body); ok {
				body = encoded
				w.Header().Set("Content-Encoding", encodingZstd)
			}
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleShift(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "shift")
	key := r.PathValue("key")

	token := r.Header.Get(HeaderToken)
	if token == "" {
		http.Error(w, HeaderToken+" header is required", http.StatusBadRequest)
		return
	}
	rawForward := r.Header.Get(HeaderForwardURI)
	if rawForward == "" {
		http.Error(w, HeaderForwardURI+" header is required", http.StatusBadRequest)
		return
	}
	forward, err := url.Parse(rawForward)
	if err != nil || !forward.IsAbs() || forward.Host == "" {
		http.Error(w, HeaderForwardURI+" header must be an absolute URI", http.StatusBadRequest)
		return
	}

	moved, err := h.local.Shift(r.Context(), key, token, forward)
	if err != nil {
		h.fail(w, "shift", key, err)
		return
	}
	if moved != nil {
		telemetry.SetOwnership(r, telemetry.OwnershipRelocated)
		w.Header().Set("Location", moved.String())
		w.WriteHeader(http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) fail(w http.ResponseWriter, op, key string, err error) {
	status := keyshift.StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "key", key, "error", err)
	} else {
		h.logger.Debug(op+" rejected", "key", key, "error", err)
	}
	http.Error(w, err.Error(), status)
}

// acceptsEncoding reports whether an Accept-Encoding header value lists enc
// with a non-zero quality.
func acceptsEncoding(header, enc string) bool {
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), enc) {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}
