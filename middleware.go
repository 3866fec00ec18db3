package edge_rate_limiter

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
	_ Extractor    = &httpHeaderExtractor{}
	_ Extractor    = &remoteAddrExtractor{}
)

const (
	rateLimitLimit     = "RateLimit-Limit"
	rateLimitRemaining = "RateLimit-Remaining"
	rateLimitReset     = "RateLimit-Reset"
)

// rejectionBody is written verbatim on every 429.
var rejectionBody = []byte(`{"error":"Too many requests"}`)

// ErrNoClientAddress is returned by extractors that cannot resolve a client.
var ErrNoClientAddress = errors.New("client address could not be resolved")

// Extractor extracts a key from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// every configured header must carry a value
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", fmt.Errorf("header %v must have a value set", key)
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHttpHeaderExtractor creates a new Extractor.
func NewHttpHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

type remoteAddrExtractor struct {
	trustedHops int
}

// Extract keys on the RemoteAddr host.
//
// X-Forwarded-For is read only when trustedHops > 0 and the peer is a private or
// loopback address. The entry trustedHops from the end is used, so entries a
// client prepends are never picked. A header with fewer entries than trusted
// hops, or an unparsable entry, leaves the peer address in place.
func (e remoteAddrExtractor) Extract(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	peer, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return "", ErrNoClientAddress
	}
	peer = peer.Unmap()

	if e.trustedHops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		return peer.String(), nil
	}

	forwarded := r.Header.Values("X-Forwarded-For")
	if len(forwarded) == 0 {
		return peer.String(), nil
	}

	parts := strings.Split(strings.Join(forwarded, ","), ",")
	idx := len(parts) - e.trustedHops
	if idx < 0 {
		return peer.String(), nil
	}
	client, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return peer.String(), nil
	}
	return client.Unmap().String(), nil
}

// NewRemoteAddrExtractor creates an Extractor keyed by client address.
// trustedHops is the number of reverse proxies in front of the server, 0 ignores
// forwarding headers entirely.
func NewRemoteAddrExtractor(trustedHops int) Extractor {
	return remoteAddrExtractor{trustedHops: trustedHops}
}

// RateLimiterConfig holds configuration for rate limiting.
//
// Zero values fall back to the package defaults. Strategy is required.
type RateLimiterConfig struct {
	Extractor  Extractor
	Strategy   Strategy
	PathPrefix string
	Window     time.Duration
	Limit      uint64

	// FallbackClientID keys requests the Extractor cannot resolve.
	FallbackClientID string

	// ExposeHeaders adds RateLimit-* headers to limited paths.
	ExposeHeaders bool

	Logger *zap.Logger

	OnAllowed func(key string, res *Result)
	OnDenied  func(key string, res *Result)
	OnSkipped func(path string)
	OnError   func(key string, err error)
}

func (c RateLimiterConfig) withDefaults() *RateLimiterConfig {
	if c.Extractor == nil {
		c.Extractor = NewRemoteAddrExtractor(0)
	}
	if c.PathPrefix == "" {
		c.PathPrefix = DefaultPathPrefix
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Limit == 0 {
		c.Limit = DefaultLimit
	}
	if c.FallbackClientID == "" {
		c.FallbackClientID = DefaultClientID
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &c
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate limiting before forwarding the
// request to it. Requests outside config.PathPrefix are forwarded untouched.
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	if config == nil || config.Strategy == nil {
		panic("edge_rate_limiter: RateLimiterConfig.Strategy is required")
	}
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config.withDefaults(),
	}
}

// Middleware adapts NewHTTPRateLimiterHandler to the func(http.Handler) http.Handler shape routers expect.
func Middleware(config *RateLimiterConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return NewHTTPRateLimiterHandler(next, config)
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config

	if !strings.HasPrefix(r.URL.Path, cfg.PathPrefix) {
		if cfg.OnSkipped != nil {
			cfg.OnSkipped(r.URL.Path)
		}
		h.handler.ServeHTTP(w, r)
		return
	}

	key := h.clientKey(r)

	result, err := cfg.Strategy.Execute(r.Context(), &Request{
		Key:    key,
		Limit:  cfg.Limit,
		Window: cfg.Window,
	})
	if err != nil {
		// fail open, a broken counter store must not take the site down
		cfg.Logger.Warn("rate limit check failed, allowing request",
			zap.String("client", key),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if cfg.OnError != nil {
			cfg.OnError(key, err)
		}
		h.handler.ServeHTTP(w, r)
		return
	}

	if cfg.ExposeHeaders {
		h.writeHeaders(w, result)
	}

	if result.State == Deny {
		h.logDenied(r, key, result)
		if cfg.OnDenied != nil {
			cfg.OnDenied(key, result)
		}
		h.writeRejection(w)
		return
	}

	if cfg.OnAllowed != nil {
		cfg.OnAllowed(key, result)
	}
	h.handler.ServeHTTP(w, r)
}

func (h *httpRateLimiterHandler) clientKey(r *http.Request) string {
	key, err := h.config.Extractor.Extract(r)
	if err != nil || key == "" {
		h.config.Logger.Debug("using fallback client id",
			zap.String("client", h.config.FallbackClientID),
			zap.Error(err))
		return h.config.FallbackClientID
	}
	return key
}

// logDenied logs the first rejection of a window at warn, the rest at debug.
func (h *httpRateLimiterHandler) logDenied(r *http.Request, key string, result *Result) {
	fields := []zap.Field{
		zap.String("client", key),
		zap.String("path", r.URL.Path),
		zap.Uint64("count", result.Count),
		zap.Time("reset_at", result.ResetAt),
	}
	if result.Count == h.config.Limit+1 {
		h.config.Logger.Warn("client rate limited", fields...)
		return
	}
	h.config.Logger.Debug("client rate limited", fields...)
}

func (h *httpRateLimiterHandler) writeHeaders(w http.ResponseWriter, result *Result) {
	remaining := uint64(0)
	if result.Count < h.config.Limit {
		remaining = h.config.Limit - result.Count
	}
	reset := time.Until(result.ResetAt).Seconds()
	if reset < 0 {
		reset = 0
	}

	w.Header().Set(rateLimitLimit, strconv.FormatUint(h.config.Limit, 10))
	w.Header().Set(rateLimitRemaining, strconv.FormatUint(remaining, 10))
	w.Header().Set(rateLimitReset, strconv.FormatInt(int64(math.Ceil(reset)), 10))
}

func (h *httpRateLimiterHandler) writeRejection(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if _, err := w.Write(rejectionBody); err != nil {
		h.config.Logger.Debug("failed to write rate limit response", zap.Error(err))
	}
}
