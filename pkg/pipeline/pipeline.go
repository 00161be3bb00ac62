// Package pipeline implements the Request Pipeline: the ordered handling
// of an inbound request through authenticate -> route -> cache lookup ->
// throttle check -> upstream fetch -> cache store -> response.
//
// Grounded on the teacher's pkg/reverseproxy.ReverseProxy.ServeHTTP (host
// routing, responseWrapper status/byte capture) and pkg/capture.Capturer
// (request/response recording hooks), generalized from host-based
// backend routing to alias-path-based DomainMapping routing, with ACME/TLS
// dropped entirely (non-goal — this proxy is loopback-only).
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/grokify/apibuddy/pkg/apierrors"
	"github.com/grokify/apibuddy/pkg/cache"
	"github.com/grokify/apibuddy/pkg/config"
	"github.com/grokify/apibuddy/pkg/metrics"
	"github.com/grokify/apibuddy/pkg/security"
	"github.com/grokify/apibuddy/pkg/throttle"
)

// maxRedirectLocationLength bounds how long a cached Location header may
// be; longer redirects are still forwarded to the client but never cached.
const maxRedirectLocationLength = 2048

// forwardedRequestHeaders is the allowlist of headers copied onto the
// outbound upstream request. Hop-by-hop headers (Connection,
// Keep-Alive, Proxy-*, TE, Trailer, Transfer-Encoding, Upgrade) are never
// forwarded, per RFC 7230 §6.1.
var forwardedRequestHeaders = map[string]bool{
	"Authorization": true,
	"X-Api-Key":     true,
	"Content-Type":  true,
	"Accept":        true,
	"Accept-Language": true,
	"User-Agent":    true,
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Pipeline wires the Security Gate, Cache Engine, Throttle Manager, and
// upstream transport into the single ordered request handler.
type Pipeline struct {
	cfg       *config.Config
	gate      *security.Gate
	cache     *cache.Cache
	throttle  *throttle.Manager
	metrics   *metrics.Sink
	transport http.RoundTripper
	logger    zerolog.Logger
	clock     func() time.Time

	// fetchGroup coalesces concurrent cache-miss requests that share a
	// fingerprint into a single upstream fetch, so a burst of identical
	// requests arriving before the first one's response is cached doesn't
	// multiply upstream load or each draw their own throttle token.
	fetchGroup singleflight.Group
}

// fetchResult is what a coalesced upstream fetch returns to every waiter
// sharing its singleflight key.
type fetchResult struct {
	status int
	header http.Header
	body   []byte
}

// Config configures a Pipeline.
type Config struct {
	Config    *config.Config
	Gate      *security.Gate
	Cache     *cache.Cache
	Throttle  *throttle.Manager
	Metrics   *metrics.Sink
	Transport http.RoundTripper
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		cfg:       cfg.Config,
		gate:      cfg.Gate,
		cache:     cfg.Cache,
		throttle:  cfg.Throttle,
		metrics:   cfg.Metrics,
		transport: transport,
		logger:    cfg.Logger,
		clock:     clock,
	}
}

// ServeHTTP implements http.Handler, running the full pipeline for a
// single inbound request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p.metrics.RecordRequestReceived()

	// 1. Authenticate.
	strippedPath, err := p.gate.Authenticate(r)
	if err != nil {
		p.metrics.RecordAuthFail()
		p.writeError(w, err)
		return
	}
	p.metrics.RecordAuthPass()

	// 2. Resolve the alias and upstream target from the (possibly
	// prefix-stripped) path.
	alias, remainder, err := splitAlias(strippedPath)
	if err != nil {
		p.writeError(w, err)
		return
	}
	mapping, ok := p.cfg.DomainMappings[alias]
	if !ok {
		p.writeError(w, &apierrors.RoutingError{Alias: alias})
		return
	}

	upstreamURL, err := rewriteUpstreamURL(mapping.Upstream, remainder, r.URL.RawQuery)
	if err != nil {
		p.writeError(w, &apierrors.RoutingError{Alias: alias})
		return
	}

	// 3. Read and normalize the request body (chunked -> fixed Content-Length).
	body, err := drainBody(r)
	if err != nil {
		p.writeError(w, &apierrors.UpstreamTransportError{Err: err})
		return
	}
	contentType := r.Header.Get("Content-Type")

	// 4. Compute the content fingerprint.
	fingerprint := cache.GenerateFingerprint(r.Method, upstreamURL, body, contentType)

	// 5. Cache lookup. Per the cache-first invariant, a hit never consults
	// the Throttle Manager.
	if entry, hit, err := p.cache.Lookup(ctx, fingerprint); err != nil {
		p.logger.Warn().Err(err).Str("alias", alias).Msg("cache lookup failed, treating as miss")
	} else if hit {
		p.metrics.RecordHit(alias, int64(len(entry.Payload)))
		writeEntry(w, entry)
		return
	}
	p.metrics.RecordMiss(alias)

	// 6-8. Throttle check, upstream fetch, and cache store, coalesced
	// across concurrent requests sharing this fingerprint: only the first
	// arrival pays the throttle token and the round trip, and every
	// waiter gets the same fetchResult back.
	resultAny, err, _ := p.fetchGroup.Do(fingerprint, func() (any, error) {
		return p.fetchAndCache(ctx, alias, fingerprint, r.Method, upstreamURL, contentType, r.Header, body)
	})
	if err != nil {
		p.writeError(w, err)
		return
	}
	result := resultAny.(*fetchResult)

	// 9. Respond to the client.
	writeUpstreamResponse(w, result.status, result.header, result.body)
}

// fetchAndCache runs the throttle check, the upstream round trip, and the
// cache store for a single fingerprint. It is the function singleflight
// runs at most once per in-flight fingerprint, regardless of how many
// ServeHTTP calls are waiting on it.
func (p *Pipeline) fetchAndCache(ctx context.Context, alias, fingerprint, method, upstreamURL, contentType string, reqHeader http.Header, body []byte) (*fetchResult, error) {
	admit, retryAfter := p.throttle.ShouldAdmit(alias)
	if !admit {
		p.metrics.RecordThrottled(alias)
		return nil, &apierrors.ThrottleError{RetryAfterSeconds: retryAfter}
	}
	p.throttle.RecordAdmission(alias)

	upstreamReq, err := http.NewRequestWithContext(ctx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, &apierrors.UpstreamTransportError{Err: err}
	}
	copyForwardedHeaders(reqHeader, upstreamReq.Header)
	if contentType != "" {
		upstreamReq.Header.Set("Content-Type", contentType)
	}

	start := p.clock()
	resp, err := p.transport.RoundTrip(upstreamReq)
	if err != nil {
		p.metrics.RecordUpstreamError(alias)
		return nil, &apierrors.UpstreamTransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.metrics.RecordUpstreamError(alias)
		return nil, &apierrors.UpstreamTransportError{Err: err}
	}

	// The upstream's own status is passed through to the client unmodified
	// regardless of what it is; wrapping it lets the 429-is-a-violation
	// rule live next to the type that documents it rather than as a bare
	// status-code comparison.
	statusErr := &apierrors.UpstreamStatusError{Status: resp.StatusCode}
	if statusErr.Status == http.StatusTooManyRequests {
		p.throttle.RecordViolation(alias)
	}

	if isCacheable(resp.StatusCode, resp.Header.Get("Location")) {
		ttl := p.cfg.TTLForAlias(alias)
		if err := p.cache.Store(ctx, fingerprint, alias, resp.StatusCode, resp.Header, respBody, ttl); err != nil {
			p.logger.Warn().Err(err).Str("alias", alias).Msg("cache store failed")
		} else {
			p.metrics.RecordCacheStore(alias)
		}
	}

	p.metrics.RecordUpstreamResponse(alias, int64(len(respBody)), p.clock().Sub(start))
	return &fetchResult{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

// splitAlias parses "/<alias>/<remainder...>" out of a request path.
func splitAlias(path string) (alias, remainder string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("pipeline: path %q has no domain alias", path)
	}
	alias = parts[0]
	if len(parts) == 2 {
		remainder = parts[1]
	}
	return alias, remainder, nil
}

// rewriteUpstreamURL joins the configured upstream base with the request
// remainder and original query string.
func rewriteUpstreamURL(upstream, remainder, rawQuery string) (string, error) {
	base := strings.TrimSuffix(upstream, "/")
	target := base
	if remainder != "" {
		target = base + "/" + remainder
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target, nil
}

// drainBody reads the full request body into memory, replacing any
// chunked transfer-encoding with a concrete length the caller can reuse
// freely (e.g. to fingerprint it and then forward it).
func drainBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// copyForwardedHeaders copies the allowlisted, non-hop-by-hop headers
// from the inbound request onto the outbound upstream request.
func copyForwardedHeaders(src, dst http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] {
			continue
		}
		if !forwardedRequestHeaders[canonical] {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

// isCacheable reports whether an upstream response may be stored: any 2xx
// status, or a redirect (300-308) whose Location header is short enough
// to be worth keeping.
func isCacheable(status int, location string) bool {
	if status >= 200 && status < 300 {
		return true
	}
	if status >= 300 && status <= 308 {
		return location != "" && len(location) <= maxRedirectLocationLength
	}
	return false
}

// writeEntry writes a cached entry to the client, restoring its stored
// headers and status.
func writeEntry(w http.ResponseWriter, entry *cache.Entry) {
	for name, values := range entry.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Apibuddy-Cache", "HIT")
	w.WriteHeader(entry.Status)
	w.Write(entry.Payload)
}

// writeUpstreamResponse relays a freshly fetched upstream response to the
// client, stripping hop-by-hop headers. The body is already fully
// buffered, so a non-empty body is sent with a concrete Content-Length
// instead of chunked transfer encoding.
func writeUpstreamResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] {
			continue
		}
		for _, v := range values {
			w.Header().Add(canonical, v)
		}
	}
	if len(body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.Header().Set("X-Apibuddy-Cache", "MISS")
	w.WriteHeader(status)
	w.Write(body)
}

// writeError maps a pipeline error kind to its HTTP status and writes it
// to the client.
func (p *Pipeline) writeError(w http.ResponseWriter, err error) {
	var (
		authErr     *apierrors.AuthError
		routingErr  *apierrors.RoutingError
		throttleErr *apierrors.ThrottleError
		upstreamErr *apierrors.UpstreamTransportError
	)

	switch {
	case apierrors.As(err, &authErr):
		http.Error(w, authErr.Error(), http.StatusUnauthorized)
	case apierrors.As(err, &routingErr):
		http.Error(w, routingErr.Error(), http.StatusNotFound)
	case apierrors.As(err, &throttleErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", throttleErr.RetryAfterSeconds))
		http.Error(w, throttleErr.Error(), http.StatusTooManyRequests)
	case apierrors.As(err, &upstreamErr):
		http.Error(w, upstreamErr.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
