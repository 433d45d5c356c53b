// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// surfaceKey is the context key for propagating the surface to background goroutines.
	surfaceKey contextKey = "surface"
)

// Ownership describes how a request found the key it worked on.
type Ownership string

const (
	// OwnershipLocal means the key was already owned by this host.
	OwnershipLocal Ownership = "local"
	// OwnershipMigrated means the key was pulled from a peer first.
	OwnershipMigrated Ownership = "migrated"
	// OwnershipRelocated means the key had moved and the caller was redirected.
	OwnershipRelocated Ownership = "relocated"
	// OwnershipNA means the request did not touch key ownership.
	OwnershipNA Ownership = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Surface   string
	Ownership Ownership
	Endpoint  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Ownership: OwnershipNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return tagsFromContext(r.Context())
}

func tagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetOwnership sets the ownership outcome for logging.
func SetOwnership(r *http.Request, o Ownership) {
	SetOwnershipContext(r.Context(), o)
}

// SetOwnershipContext sets the ownership outcome on the request tags carried
// by ctx, if any. Host code deep below the handler uses this form.
func SetOwnershipContext(ctx context.Context, o Ownership) {
	if tags := tagsFromContext(ctx); tags != nil {
		tags.Ownership = o
	}
}

// SetSurface sets the surface tag (public, peer or directory) for metrics and logging.
func SetSurface(r *http.Request, surface string) {
	if tags := GetTags(r); tags != nil {
		tags.Surface = surface
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SurfaceFromContext retrieves the surface from a context.
// It checks both background contexts (set by WithSurfaceContext) and
// request contexts (set by SetSurface via InjectTags).
func SurfaceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(surfaceKey).(string); ok && s != "" {
		return s
	}
	if tags := tagsFromContext(ctx); tags != nil {
		return tags.Surface
	}
	return ""
}

// WithSurfaceContext returns a context with the surface stored.
// Use this to propagate the surface into goroutines that outlive the request context.
func WithSurfaceContext(ctx context.Context, surface string) context.Context {
	return context.WithValue(ctx, surfaceKey, surface)
}
