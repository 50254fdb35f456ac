package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	gobreaker "github.com/sony/gobreaker/v2"

	"stream-relay/internal/platform/config"
)

// Upstream TLS trust policies.
const (
	TrustSkipVerify = "skip-verify"
	TrustCAFile     = "ca-file"
)

// upstreamCacheHeaders are dropped from proxied responses; the gateway sets
// its own no-cache headers.
var upstreamCacheHeaders = []string{
	"Cache-Control",
	"Pragma",
	"Expires",
	"ETag",
	"Last-Modified",
}

// GatewayMetrics receives proxied response statuses.
type GatewayMetrics interface {
	ObserveGatewayStatus(status int)
}

// GatewayOptions locates the media server's HLS listener.
type GatewayOptions struct {
	BasePath     string
	UpstreamHost string
	UpstreamPort string
	// Encryption selects https towards the upstream.
	Encryption bool
	Trust      string
	CAFile     string
	// BreakerFailures consecutive transport errors open the upstream
	// breaker; while open the gateway answers 503 without dialing.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// GatewayOptionsFromConfig derives the gateway options. The upstream port is
// taken from the media server's HLS address.
func GatewayOptionsFromConfig(c *config.Config) GatewayOptions {
	_, port, err := net.SplitHostPort(c.MediaServer.HLSAddress)
	if err != nil {
		port = strings.TrimPrefix(c.MediaServer.HLSAddress, ":")
	}
	return GatewayOptions{
		BasePath:     c.Server.BasePath,
		UpstreamHost: c.Gateway.UpstreamHost,
		UpstreamPort: port,
		Encryption:   c.MediaServer.HLSEncryption,
		Trust:           c.Gateway.Trust,
		CAFile:          c.Gateway.CAFile,
		BreakerFailures: c.Gateway.BreakerFailures,
		BreakerTimeout:  c.Gateway.BreakerTimeout,
	}
}

// Gateway forwards {basePath}/stream/* to the media server with the prefix
// stripped. It answers 503 until mounted.
type Gateway struct {
	opts    GatewayOptions
	prefix  string
	metrics GatewayMetrics
	log     *slog.Logger

	mountMu sync.Mutex
	proxy   atomic.Pointer[httputil.ReverseProxy]
}

// NewGateway returns an unmounted gateway. m may be nil.
func NewGateway(opts GatewayOptions, m GatewayMetrics, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		opts:    opts,
		prefix:  StreamPrefix(opts.BasePath),
		metrics: m,
		log:     log.With("component", "gateway"),
	}
}

// Prefix is the route prefix the gateway owns.
func (g *Gateway) Prefix() string { return g.prefix }

// Mounted reports whether Mount has succeeded.
func (g *Gateway) Mounted() bool {
	return g.proxy.Load() != nil
}

// Mount builds the upstream proxy. Calling it again after a success is a
// no-op. Errors wrap ErrProxyMount.
func (g *Gateway) Mount() error {
	g.mountMu.Lock()
	defer g.mountMu.Unlock()

	if g.proxy.Load() != nil {
		return nil
	}

	target, err := g.target()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProxyMount, err)
	}
	transport, err := g.transport()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProxyMount, err)
	}

	prefix := g.prefix
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = stripPrefix(pr.In.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport:      newUpstreamTransport(transport, g.opts.BreakerFailures, g.opts.BreakerTimeout, g.log),
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   g.errorHandler,
	}
	g.proxy.Store(proxy)
	g.log.Info("stream gateway mounted", "prefix", prefix, "upstream", target.String())
	return nil
}

// Handler returns the gateway wrapped with no-cache headers.
func (g *Gateway) Handler() http.Handler {
	return middleware.NoCache(g)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	proxy := g.proxy.Load()
	if proxy == nil {
		g.observe(http.StatusServiceUnavailable)
		http.Error(w, "stream gateway not mounted", http.StatusServiceUnavailable)
		return
	}
	proxy.ServeHTTP(w, r)
}

func (g *Gateway) target() (*url.URL, error) {
	if g.opts.UpstreamHost == "" || g.opts.UpstreamPort == "" {
		return nil, fmt.Errorf("upstream address incomplete: host=%q port=%q", g.opts.UpstreamHost, g.opts.UpstreamPort)
	}
	scheme := "http"
	if g.opts.Encryption {
		scheme = "https"
	}
	u, err := url.Parse(scheme + "://" + net.JoinHostPort(g.opts.UpstreamHost, g.opts.UpstreamPort))
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	return u, nil
}

// transport builds the upstream transport. TLS settings apply to this
// transport only.
func (g *Gateway) transport() (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !g.opts.Encryption {
		return t, nil
	}

	switch g.opts.Trust {
	case TrustSkipVerify, "":
		// The media server presents a self-signed certificate on loopback.
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	case TrustCAFile:
		pem, err := os.ReadFile(g.opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read upstream CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", g.opts.CAFile)
		}
		t.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	default:
		return nil, fmt.Errorf("unknown trust policy %q", g.opts.Trust)
	}
	return t, nil
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	for _, h := range upstreamCacheHeaders {
		resp.Header.Del(h)
	}
	g.observe(resp.StatusCode)
	return nil
}

func (g *Gateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.observe(http.StatusServiceUnavailable)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	g.log.Warn("upstream request failed", "path", r.URL.Path, "error", err)
	g.observe(http.StatusBadGateway)
	w.WriteHeader(http.StatusBadGateway)
}

func (g *Gateway) observe(status int) {
	if g.metrics != nil {
		g.metrics.ObserveGatewayStatus(status)
	}
}

func stripPrefix(path, prefix string) string {
	p := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// upstreamTransport resolves upstream redirects before the response reaches
// the client and trips a breaker while the media server is unreachable,
// which is the normal state for a moment after every respawn.
type upstreamTransport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func newUpstreamTransport(base http.RoundTripper, failures uint32, timeout time.Duration, log *slog.Logger) *upstreamTransport {
	if failures == 0 {
		failures = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "media-server",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// client disconnects say nothing about the upstream
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("upstream breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &upstreamTransport{client: &http.Client{Transport: base}, breaker: cb}
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.breaker.Execute(func() (*http.Response, error) {
		out := req.Clone(req.Context())
		out.RequestURI = ""
		return t.client.Do(out)
	})
}
