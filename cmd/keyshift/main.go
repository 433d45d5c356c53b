// Command keyshift runs a keyshift host, a standalone location directory, or
// talks to a host's public API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/keyshift/directory"
	"github.com/wolfeidau/keyshift/host"
	"github.com/wolfeidau/keyshift/peer"
	"github.com/wolfeidau/keyshift/server"
	"github.com/wolfeidau/keyshift/store"
	"github.com/wolfeidau/keyshift/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"KEYSHIFT_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"KEYSHIFT_LOG_FORMAT"`
	AuthToken string `help:"Bearer token required by servers and sent by clients." env:"KEYSHIFT_AUTH_TOKEN"`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Run a keyshift host."`
	Directory DirectoryCmd `cmd:"" help:"Run a standalone location directory."`
	Get       GetCmd       `cmd:"" help:"Read a key through a host."`
	Put       PutCmd       `cmd:"" help:"Write a key through a host."`
	Freeze    FreezeCmd    `cmd:"" help:"Take a lease on a key."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("keyshift"),
		kong.Description("Key-value hosts that migrate key ownership on demand."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler)
}

// httpClient returns a client carrying the auth token, instrumented as target.
func (g *Globals) httpClient(target string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: server.NewAuthTransport(telemetry.NewInstrumentedTransport(nil, target), g.AuthToken),
	}
}

// MetricsFlags configure metrics export.
type MetricsFlags struct {
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (m MetricsFlags) init(ctx context.Context) (func(context.Context) error, error) {
	if !m.Prometheus && m.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	return telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "keyshift",
		ServiceVersion:   version,
		OTLPEndpoint:     m.OTLPEndpoint,
		EnablePrometheus: m.Prometheus,
	})
}

// ServeCmd runs a host.
type ServeCmd struct {
	Address        string `help:"Address to listen on." default:":8080"`
	Self           string `help:"Peer endpoint other hosts use to reach this one (default: http://localhost<address>/host/)."`
	Directory      string `help:"Location directory: 'memory', a bolt file path, or the URL of a directory server." default:"memory"`
	MaxConnections int    `help:"Maximum concurrent connections (0 for no limit)." default:"0"`

	LeaseTimeout  time.Duration `help:"Lifetime of freezes granted by this host." default:"5s"`
	RecordTTL     time.Duration `help:"TTL of published location records." default:"24h"`
	MaxHops       int           `help:"Maximum forwards followed by one migration." default:"16"`
	MaxMigrations int           `help:"Maximum migration attempts per request." default:"8"`
	PeerTimeout   time.Duration `help:"Timeout for peer and directory requests." default:"30s"`

	StoreReapInterval     time.Duration `help:"How often idle store entries are reclaimed." default:"1m"`
	ForwardRetention      time.Duration `help:"How long forwarded entries are kept for late callers." default:"10m"`
	DirectoryReapInterval time.Duration `help:"How often expired records are purged from a bolt directory." default:"5m"`

	Metrics MetricsFlags `embed:"" prefix:"metrics-"`
}

// Run starts the host and blocks until a signal arrives.
func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := c.Metrics.init(ctx)
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	self := c.Self
	if self == "" {
		self = "http://localhost" + c.Address + peer.PathPrefix
		if !strings.HasPrefix(c.Address, ":") {
			self = "http://" + c.Address + peer.PathPrefix
		}
	}

	dir, err := openDirectory(c.Directory, g.httpClient("directory", c.PeerTimeout), logger)
	if err != nil {
		return err
	}
	defer func() { _ = dir.close() }()

	s := store.New(store.WithLogger(logger))
	h, err := host.New(host.Config{
		Self:          self,
		Store:         s,
		Directory:     directory.NewInstrumented(dir.dir, dir.backend),
		Peers:         peer.NewProvider(peer.NewHTTPFactory(peer.WithHTTPClient(g.httpClient("peer", c.PeerTimeout)))),
		LeaseTimeout:  c.LeaseTimeout,
		RecordTTL:     c.RecordTTL,
		MaxHops:       c.MaxHops,
		MaxMigrations: c.MaxMigrations,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}

	cfg := server.Config{
		Address:        c.Address,
		Host:           h,
		Store:          s,
		AuthToken:      g.AuthToken,
		MaxConnections: c.MaxConnections,
		Logger:         logger,
	}
	if dir.backend != "http" {
		cfg.Directory = dir.dir
	}
	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("host ready",
		"self", h.Self(),
		"directory", dir.backend,
		"lease_timeout", c.LeaseTimeout,
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(srv.Start)
	eg.Go(func() error {
		store.NewReaper(s,
			store.WithReaperInterval(c.StoreReapInterval),
			store.WithForwardRetention(c.ForwardRetention),
			store.WithReaperLogger(logger),
		).Run(ctx)
		return nil
	})
	if dir.bolt != nil {
		eg.Go(func() error {
			directory.NewReaper(dir.bolt,
				directory.WithReaperInterval(c.DirectoryReapInterval),
				directory.WithReaperLogger(logger),
			).Run(ctx)
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// DirectoryCmd runs a directory server backed by a bolt file.
type DirectoryCmd struct {
	Address        string        `help:"Address to listen on." default:":7070"`
	Path           string        `help:"Path of the bolt database." default:"./keyshift-directory.db" type:"path"`
	ReapInterval   time.Duration `help:"How often expired records are purged." default:"5m"`
	MaxConnections int           `help:"Maximum concurrent connections (0 for no limit)." default:"0"`

	Metrics MetricsFlags `embed:"" prefix:"metrics-"`
}

// Run serves the directory until a signal arrives.
func (c *DirectoryCmd) Run(g *Globals) error {
	logger := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := c.Metrics.init(ctx)
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	db := directory.NewBolt(directory.WithLogger(logger))
	if err := db.Open(c.Path); err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	defer func() { _ = db.Close() }()

	srv, err := server.New(server.Config{
		Address:        c.Address,
		Directory:      directory.NewInstrumented(db, "bolt"),
		AuthToken:      g.AuthToken,
		MaxConnections: c.MaxConnections,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(srv.Start)
	eg.Go(func() error {
		directory.NewReaper(db,
			directory.WithReaperInterval(c.ReapInterval),
			directory.WithReaperLogger(logger),
		).Run(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

type openedDirectory struct {
	dir     directory.Directory
	bolt    *directory.Bolt
	backend string
}

func (d openedDirectory) close() error {
	if d.bolt != nil {
		return d.bolt.Close()
	}
	return nil
}

// openDirectory interprets the --directory flag.
func openDirectory(target string, client *http.Client, logger *slog.Logger) (openedDirectory, error) {
	switch {
	case target == "" || target == "memory":
		return openedDirectory{dir: directory.NewMemory(), backend: "memory"}, nil
	case strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://"):
		return openedDirectory{
			dir:     directory.NewClient(target, directory.WithHTTPClient(client)),
			backend: "http",
		}, nil
	default:
		db := directory.NewBolt(directory.WithLogger(logger))
		if err := db.Open(target); err != nil {
			return openedDirectory{}, fmt.Errorf("opening directory %s: %w", target, err)
		}
		return openedDirectory{dir: db, bolt: db, backend: "bolt"}, nil
	}
}

// ClientFlags address a host's public API.
type ClientFlags struct {
	Server  string        `help:"Base URL of a keyshift host." default:"http://localhost:8080" env:"KEYSHIFT_SERVER"`
	Timeout time.Duration `help:"Request timeout." default:"30s"`
}

func (c ClientFlags) keyURL(key, suffix string, query url.Values) string {
	u := strings.TrimSuffix(c.Server, "/") + server.KeysPathPrefix + url.PathEscape(key) + suffix
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c ClientFlags) do(g *Globals, method, rawURL string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	client := &http.Client{Transport: server.NewAuthTransport(nil, g.AuthToken)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, rawURL, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// GetCmd reads a key.
type GetCmd struct {
	ClientFlags
	Key   string `arg:"" help:"Key to read."`
	Token string `help:"Lease token to read under."`
}

// Run prints the key's value to stdout.
func (c *GetCmd) Run(g *Globals) error {
	q := url.Values{}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	data, err := c.do(g, http.MethodGet, c.keyURL(c.Key, "", q), nil)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

// PutCmd writes a key.
type PutCmd struct {
	ClientFlags
	Key   string `arg:"" help:"Key to write."`
	Value string `arg:"" optional:"" help:"Value to write; read from stdin when omitted or '-'."`
}

// Run stores the value.
func (c *PutCmd) Run(g *Globals) error {
	var body io.Reader = strings.NewReader(c.Value)
	if c.Value == "" || c.Value == "-" {
		body = os.Stdin
	}
	_, err := c.do(g, http.MethodPut, c.keyURL(c.Key, "", nil), body)
	return err
}

// FreezeCmd takes a lease.
type FreezeCmd struct {
	ClientFlags
	Key   string `arg:"" help:"Key to freeze."`
	Token string `help:"Current lease token, to extend it."`
}

// Run prints the new lease token. Redirects to the owning host are followed.
func (c *FreezeCmd) Run(g *Globals) error {
	q := url.Values{}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	data, err := c.do(g, http.MethodGet, c.keyURL(c.Key, "/freeze", q), nil)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("server returned no token")
	}
	fmt.Println(string(data))
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}
