package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/telemetry"
)

const (
	// HeaderVersion carries Value.Version.
	HeaderVersion = "KeyShift-Version"
	// HeaderTTL carries Value.TTL as a Go duration string.
	HeaderTTL = "KeyShift-TTL"

	// PathPrefix is the route prefix of the directory HTTP binding.
	PathPrefix = "/directory/"

	// DefaultTimeout is the default timeout for directory requests.
	DefaultTimeout = 10 * time.Second
)

// Client is a Directory served by a remote Handler.
type Client struct {
	baseURL string
	client  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for the directory service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "directory"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) recordURL(key string) string {
	return c.baseURL + PathPrefix + url.PathEscape(key)
}

func (c *Client) Get(ctx context.Context, key string) (Value, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(key), nil)
	if err != nil {
		return Value{}, false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Value{}, false, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Value{}, false, nil
	default:
		return Value{}, false, unexpectedStatus(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Value{}, false, fmt.Errorf("reading record: %w", err)
	}
	v, err := parseValueHeaders(resp.Header)
	if err != nil {
		return Value{}, false, err
	}
	v.Data = data
	return v, true, nil
}

func (c *Client) Add(ctx context.Context, key string, v Value) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.recordURL(key), bytes.NewReader(v.Data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	setValueHeaders(req.Header, v)

	return c.do(req)
}

func (c *Client) Remove(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.recordURL(key), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: directory returned %d: %s", keyshift.ErrProtocol, resp.StatusCode, strings.TrimSpace(string(body)))
}

func setValueHeaders(h http.Header, v Value) {
	h.Set(HeaderVersion, strconv.FormatUint(v.Version, 10))
	if v.TTL > 0 {
		h.Set(HeaderTTL, v.TTL.String())
	}
}

func parseValueHeaders(h http.Header) (Value, error) {
	var v Value

	raw := h.Get(HeaderVersion)
	if raw == "" {
		return Value{}, fmt.Errorf("%w: missing %s header", keyshift.ErrValidation, HeaderVersion)
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid %s header %q", keyshift.ErrValidation, HeaderVersion, raw)
	}
	v.Version = version

	if raw := h.Get(HeaderTTL); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			return Value{}, fmt.Errorf("%w: invalid %s header %q", keyshift.ErrValidation, HeaderTTL, raw)
		}
		v.TTL = ttl
	}
	return v, nil
}

var _ Directory = (*Client)(nil)
