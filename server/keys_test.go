package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/peer"
	"github.com/wolfeidau/keyshift/store"
)

type fakeKeys struct {
	values  map[string][]byte
	freeze  store.FreezeResult
	err     error
	gotKey  string
	gotTok  string
	gotFwd  *url.URL
	removed bool
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{values: map[string][]byte{}}
}

func (f *fakeKeys) Select(_ context.Context, key, token string) ([]byte, error) {
	f.gotKey, f.gotTok = key, token
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", keyshift.ErrNotFound, key)
	}
	return v, nil
}

func (f *fakeKeys) Update(_ context.Context, key string, value []byte) error {
	f.gotKey = key
	if f.err != nil {
		return f.err
	}
	f.values[key] = value
	return nil
}

func (f *fakeKeys) Freeze(_ context.Context, key, token string) (store.FreezeResult, error) {
	f.gotKey, f.gotTok = key, token
	return f.freeze, f.err
}

func (f *fakeKeys) Remove(_ context.Context, key, token string, forward *url.URL) error {
	f.gotKey, f.gotTok, f.gotFwd = key, token, forward
	if f.err != nil {
		return f.err
	}
	f.removed = true
	return nil
}

func serveKeys(t *testing.T, keys Keys, opts ...KeysOption) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewKeysHandler(keys, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, rawURL string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, body)
	require.NoError(t, err)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestKeysHandler_GetSet(t *testing.T) {
	keys := newFakeKeys()
	srv := serveKeys(t, keys)

	resp, _ := do(t, http.MethodGet, srv.URL+"/keys/foo", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/keys/foo", strings.NewReader("P1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/keys/foo?token=lease-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "P1", body)
	assert.Equal(t, "lease-1", keys.gotTok)
}

func TestKeysHandler_EscapedKey(t *testing.T) {
	keys := newFakeKeys()
	keys.values["tenant/a b"] = []byte("v")
	srv := serveKeys(t, keys)

	resp, body := do(t, http.MethodGet, srv.URL+"/keys/"+url.PathEscape("tenant/a b"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v", body)
	assert.Equal(t, "tenant/a b", keys.gotKey)
}

func TestKeysHandler_ValueTooLarge(t *testing.T) {
	keys := newFakeKeys()
	srv := serveKeys(t, keys, WithMaxValueSize(4))

	resp, _ := do(t, http.MethodPut, srv.URL+"/keys/foo", strings.NewReader("too large"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, keys.values)
}

func TestKeysHandler_Freeze(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		keys := newFakeKeys()
		keys.freeze = store.FreezeResult{Token: "lease-1", Deadline: time.Now().Add(time.Second)}
		srv := serveKeys(t, keys)

		resp, body := do(t, http.MethodGet, srv.URL+"/keys/foo/freeze?token=old", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "lease-1", body)
		assert.Equal(t, "lease-1", resp.Header.Get(peer.HeaderToken))
		assert.Equal(t, "old", keys.gotTok)
	})

	t.Run("relocated", func(t *testing.T) {
		keys := newFakeKeys()
		fwd, err := url.Parse("http://b:8080/host/")
		require.NoError(t, err)
		keys.freeze = store.FreezeResult{Forward: fwd}
		srv := serveKeys(t, keys)

		resp, _ := do(t, http.MethodGet, srv.URL+"/keys/"+url.PathEscape("a/b")+"/freeze", nil)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "http://b:8080/keys/a%2Fb/freeze", resp.Header.Get("Location"))
	})
}

func TestKeysHandler_Remove(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing token", "?forward=http://b/host/", http.StatusBadRequest},
		{"missing forward", "?token=t", http.StatusBadRequest},
		{"ok", "?token=t&forward=" + url.QueryEscape("http://b/host/"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := newFakeKeys()
			srv := serveKeys(t, keys)

			resp, _ := do(t, http.MethodDelete, srv.URL+"/keys/foo"+tt.query, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.status == http.StatusOK, keys.removed)
		})
	}
}

func TestKeysHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad", keyshift.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: chain", keyshift.ErrProtocol), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: no client", keyshift.ErrConfiguration), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		keys := newFakeKeys()
		keys.err = tt.err
		srv := serveKeys(t, keys)

		resp, _ := do(t, http.MethodGet, srv.URL+"/keys/foo", nil)
		assert.Equal(t, tt.status, resp.StatusCode, "%v", tt.err)
	}
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		endpoint string
		key      string
		want     string
	}{
		{"http://b/host/", "foo", "http://b/keys/foo"},
		{"https://b:8443/prefix/host/", "a/b", "https://b:8443/prefix/keys/a%2Fb"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.endpoint)
		require.NoError(t, err)
		assert.Equal(t, tt.want, publicURL(u, tt.key))
	}
}
