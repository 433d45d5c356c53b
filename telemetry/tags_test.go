package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsOwnershipToNA(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, OwnershipNA, tags.Ownership)
	require.Empty(t, tags.Surface)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetSurface(t *testing.T) {
	r := newTaggedRequest()
	SetSurface(r, "peer")
	require.Equal(t, "peer", GetTags(r).Surface)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetSurface(r, "public")
	SetOwnership(r, OwnershipLocal)
	SetEndpoint(r, "get")
	SetOwnershipContext(context.Background(), OwnershipLocal)
}

func TestSetOwnershipContext(t *testing.T) {
	r := newTaggedRequest()
	SetOwnershipContext(r.Context(), OwnershipRelocated)
	require.Equal(t, OwnershipRelocated, GetTags(r).Ownership)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetSurface(r, "public")
	SetOwnership(r, OwnershipMigrated)
	SetEndpoint(r, "freeze")

	require.Equal(t, "public", tags.Surface)
	require.Equal(t, OwnershipMigrated, tags.Ownership)
	require.Equal(t, "freeze", tags.Endpoint)
}

func TestSurfaceFromContext(t *testing.T) {
	require.Empty(t, SurfaceFromContext(context.Background()))

	ctx := WithSurfaceContext(context.Background(), "reaper")
	require.Equal(t, "reaper", SurfaceFromContext(ctx))

	r := newTaggedRequest()
	SetSurface(r, "directory")
	require.Equal(t, "directory", SurfaceFromContext(r.Context()))
}
