package peer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/telemetry"
)

const (
	// HeaderToken carries the freeze lease token in both directions.
	HeaderToken = "KeyShift-Token"
	// HeaderForwardURI carries the new owner on Shift.
	HeaderForwardURI = "KeyShift-ForwardUri"
	// HeaderDigest carries the BLAKE3 digest of an uncompressed ShiftLock body.
	HeaderDigest = "KeyShift-Digest"

	// PathPrefix is the route prefix of the peer surface. A host's endpoint
	// URI is its base URL followed by this prefix.
	PathPrefix = "/host/"

	// DefaultTimeout is the default timeout for peer requests.
	DefaultTimeout = 30 * time.Second
)

var sharedCodec = sync.OnceValues(newCodec)

// HTTPFactory builds HTTP clients for http and https peer URIs.
type HTTPFactory struct {
	client *http.Client
}

// HTTPOption configures an HTTPFactory.
type HTTPOption func(*HTTPFactory)

// WithHTTPClient sets the HTTP client used for all peers. Redirects are never
// followed: a 302 is part of the protocol.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFactory) {
		f.client = client
	}
}

// NewHTTPFactory creates a factory for HTTP peers.
func NewHTTPFactory(opts ...HTTPOption) *HTTPFactory {
	f := &HTTPFactory{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "peer"),
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	c := *f.client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	f.client = &c
	return f
}

// Client returns a client for uri if its scheme is http or https.
func (f *HTTPFactory) Client(uri *url.URL) (Client, bool) {
	if uri == nil || uri.Host == "" {
		return nil, false
	}
	switch strings.ToLower(uri.Scheme) {
	case "http", "https":
		return &HTTPClient{base: uri, client: f.client}, true
	default:
		return nil, false
	}
}

// HTTPClient is the HTTP binding of Client for one peer endpoint.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
}

// keyURL returns the endpoint URL for key, escaping it as a single path segment.
func (c *HTTPClient) keyURL(key string) string {
	u := *c.base
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + key
	u.RawPath = strings.TrimSuffix(c.base.EscapedPath(), "/") + "/" + url.PathEscape(key)
	return u.String()
}

// ShiftLock sends GET /host/{key} with token and maps 200, 302 and 404 to a
// LockResult.
func (c *HTTPClient) ShiftLock(ctx context.Context, key, token string) (LockResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyURL(key), nil)
	if err != nil {
		return LockResult{}, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set(HeaderToken, token)
	}
	req.Header.Set("Accept-Encoding", encodingZstd)

	resp, err := c.client.Do(req)
	if err != nil {
		return LockResult{}, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return LockResult{}, nil
	case http.StatusFound:
		loc, err := resp.Location()
		if err != nil {
			return LockResult{}, fmt.Errorf("%w: redirect without location from %s", keyshift.ErrProtocol, c.base.Redacted())
		}
		return LockResult{Forward: loc}, nil
	default:
		return LockResult{}, unexpectedStatus(resp)
	}

	leaseToken := resp.Header.Get(HeaderToken)
	if leaseToken == "" {
		return LockResult{}, fmt.Errorf("%w: shift lock response from %s has no token", keyshift.ErrProtocol, c.base.Redacted())
	}

	data, err := readBody(resp)
	if err != nil {
		return LockResult{}, err
	}
	return LockResult{Token: leaseToken, Data: data}, nil
}

// Shift sends DELETE /host/{key} naming forward as the new owner. It returns
// the peer's existing forward when the entry had already moved elsewhere.
func (c *HTTPClient) Shift(ctx context.Context, key, token string, forward *url.URL) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.keyURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set(HeaderToken, token)
	}
	if forward != nil {
		req.Header.Set(HeaderForwardURI, forward.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case http.StatusFound:
		loc, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("%w: redirect without location from %s", keyshift.ErrProtocol, c.base.Redacted())
		}
		return loc, nil
	case http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s", keyshift.ErrValidation, strings.TrimSpace(string(body)))
	default:
		return nil, unexpectedStatus(resp)
	}
}

// readBody reads a ShiftLock body, decoding zstd and checking the digest when
// the peer sent one. The result is never nil.
func readBody(resp *http.Response) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(payload) > MaxBodySize {
		return nil, fmt.Errorf("%w: %w", keyshift.ErrProtocol, ErrBodyTooLarge)
	}

	data := payload
	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "", "identity":
	case encodingZstd:
		cd, err := sharedCodec()
		if err != nil {
			return nil, err
		}
		if data, err = cd.decode(payload); err != nil {
			return nil, fmt.Errorf("%w: %w", keyshift.ErrProtocol, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", keyshift.ErrProtocol, enc)
	}

	if want := resp.Header.Get(HeaderDigest); want != "" && want != digest(data) {
		return nil, fmt.Errorf("%w: %w", keyshift.ErrProtocol, ErrCorrupted)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: peer returned %d: %s", keyshift.ErrProtocol, resp.StatusCode, strings.TrimSpace(string(body)))
}

var (
	_ Factory = (*HTTPFactory)(nil)
	_ Client  = (*HTTPClient)(nil)
)
