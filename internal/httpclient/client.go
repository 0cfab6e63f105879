package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/CosmoTheDev/webscan-engine/internal/config"
)

// Kind classifies the outcome of a request.
type Kind string

const (
	KindOK            Kind = "ok"
	KindEgressBlocked Kind = "egress_blocked"
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport"
	KindStatus4xx     Kind = "status_4xx"
	KindStatus5xx     Kind = "status_5xx"
	KindTruncatedOK   Kind = "truncated_ok"
	KindCancelled     Kind = "cancelled"
)

// Error is the fabric's failure type. Completed HTTP exchanges are never
// errors; a 500 from the target is data for a scanner, not a failure of
// the fabric.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("http %s: %s (%s)", e.Op, msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from any error returned by this
// package. Unknown errors classify as transport.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransport
}

// Request describes one fabric request. Header entries are merged over the
// client defaults.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// NoCache skips cache lookup and storage for this request.
	NoCache bool
}

// Response is a fully buffered exchange result.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Truncated marks a body cut at the size cap. Truncation is not an
	// error; callers that need the tail must lower their appetite.
	Truncated bool
	URL       string
	FromCache bool
}

// Kind classifies a completed exchange.
func (r *Response) Kind() Kind {
	switch {
	case r.Truncated:
		return KindTruncatedOK
	case r.StatusCode >= 500:
		return KindStatus5xx
	case r.StatusCode >= 400:
		return KindStatus4xx
	default:
		return KindOK
	}
}

// clone shallow-copies the response for a coalesced waiter. The body slice
// is shared and must be treated as read-only.
func (r *Response) clone() *Response {
	cp := *r
	cp.Header = r.Header.Clone()
	return &cp
}

// Client is the shared HTTP fabric every scanner goes through. Policy
// order per request: egress guard, request coalescing, response cache,
// per-host pacing, retries with backoff, body size cap.
type Client struct {
	httpc  *http.Client
	guard  *guard
	pacer  *pacerSet
	cache  *responseCache
	group  singleflight.Group
	logger *slog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	maxBody     int64
	userAgent   string
	metrics     *Metrics
}

// New builds the fabric from config. The returned client is safe for
// concurrent use and should be shared by every scanner in the process.
func New(cfg config.HTTPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	g := newGuard(cfg.AllowedHosts, cfg.BlockedHosts, cfg.BlockPrivateNetworks)
	for _, h := range cfg.PrivateHostAllowlist {
		g.AllowHost(h)
	}
	transport := &http.Transport{
		DialContext:           g.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c := &Client{
		guard:       g,
		pacer:       newPacerSet(cfg.BucketMaxTokens, cfg.PerHostInitialRPS, cfg.PerHostMinIntervalMs),
		cache:       newResponseCache(defaultCacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second),
		logger:      logger.With("component", "httpclient"),
		maxRetries:  cfg.MaxRetries,
		backoffBase: time.Duration(cfg.BackoffBaseSeconds * float64(time.Second)),
		backoffMax:  time.Duration(cfg.BackoffMaxSeconds * float64(time.Second)),
		maxBody:     cfg.MaxResponseBytes,
		userAgent:   cfg.UserAgent,
		metrics:     &Metrics{},
	}
	c.httpc = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// AllowHost exempts one host from the private-network block, for scans
// the operator explicitly pointed at internal infrastructure.
func (c *Client) AllowHost(host string) { c.guard.AllowHost(host) }

// Metrics returns a snapshot of the fabric counters.
func (c *Client) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// Close releases idle connections.
func (c *Client) Close() { c.httpc.CloseIdleConnections() }

// Get fetches a URL with the full fabric policy applied.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

// Head issues a HEAD request. HEAD shares coalescing with GET but is
// never cached.
func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodHead, URL: rawURL})
}

// Do runs one request through the fabric.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &Error{Kind: KindEgressBlocked, Op: "parse", Message: fmt.Sprintf("bad url %q", req.URL), Err: err}
	}
	if err := c.guard.CheckURL(u); err != nil {
		c.metrics.addEgressBlock()
		return nil, err
	}

	idempotent := req.Method == http.MethodGet || req.Method == http.MethodHead
	if !idempotent || len(req.Body) > 0 {
		return c.exchange(ctx, req)
	}

	key := req.Method + " " + req.URL
	ch := c.group.DoChan(key, func() (any, error) {
		return c.exchange(ctx, req)
	})
	select {
	case <-ctx.Done():
		return nil, c.ctxError(ctx, "do")
	case res := <-ch:
		if res.Shared {
			c.metrics.addCoalesced()
		}
		if res.Err != nil {
			// The winning caller may have been cancelled while this
			// caller is still live; refetch rather than inherit it.
			if res.Shared && KindOf(res.Err) == KindCancelled && ctx.Err() == nil {
				return c.exchange(ctx, req)
			}
			return nil, res.Err
		}
		resp := res.Val.(*Response)
		if res.Shared {
			resp = resp.clone()
		}
		return resp, nil
	}
}

// exchange applies cache policy around the retrying fetch.
func (c *Client) exchange(ctx context.Context, req Request) (*Response, error) {
	if req.Method != http.MethodGet || req.NoCache {
		return c.fetch(ctx, req, nil)
	}

	key := cacheKey(req.URL)
	entry, fresh, found := c.cache.lookup(key)
	if found && fresh {
		c.metrics.addCacheHit()
		return entry.response(req.URL), nil
	}
	if found {
		if cond, ok := entry.conditionalHeaders(); ok {
			resp, err := c.fetch(ctx, req, cond)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode == http.StatusNotModified {
				c.cache.renew(key, resp.Header)
				c.metrics.addCacheHit()
				return entry.response(req.URL), nil
			}
			c.cache.drop(key)
			c.cache.store(key, resp)
			return resp, nil
		}
		c.cache.drop(key)
	}

	resp, err := c.fetch(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	c.cache.store(key, resp)
	return resp, nil
}

// fetch is the wire loop: pace, send, classify, retry.
func (c *Client) fetch(ctx context.Context, req Request, extra http.Header) (*Response, error) {
	host := hostOnly(req.URL)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.RandomizationFactor = 1
	bo.Multiplier = 2
	bo.MaxInterval = c.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if waited, err := c.pacer.Acquire(ctx, host); err != nil {
			return nil, c.ctxError(ctx, "pace")
		} else if waited {
			c.metrics.addThrottleWait()
		}

		resp, err := c.attempt(ctx, req, extra)
		if err == nil {
			retryAfter := parseRetryAfter(resp.Header)
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				c.metrics.addRateLimited()
				c.pacer.RecordRateLimited(host, retryAfter)
			case resp.StatusCode == http.StatusServiceUnavailable && retryAfter > 0:
				c.pacer.RecordRateLimited(host, retryAfter)
			default:
				c.pacer.RecordSuccess(host)
			}
			if !retryableStatus(resp.StatusCode) || attempt >= c.maxRetries {
				return resp, nil
			}
			if !c.sleep(ctx, c.nextDelay(bo, retryAfter)) {
				return resp, nil
			}
			c.metrics.addRetry()
			continue
		}

		kind := KindOf(err)
		if kind == KindCancelled || kind == KindEgressBlocked || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt >= c.maxRetries {
			return nil, lastErr
		}
		if !c.sleep(ctx, c.nextDelay(bo, 0)) {
			return nil, lastErr
		}
		c.metrics.addRetry()
	}
}

// attempt performs one wire exchange and buffers the body up to the cap.
func (c *Client) attempt(ctx context.Context, req Request, extra http.Header) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: "build", Err: err}
	}
	hr.Header.Set("User-Agent", c.userAgent)
	for k, vs := range req.Header {
		hr.Header[k] = vs
	}
	for k, vs := range extra {
		hr.Header[k] = vs
	}

	c.metrics.addRequest()
	resp, err := c.httpc.Do(hr)
	if err != nil {
		return nil, c.classify(err, req.URL)
	}
	defer resp.Body.Close()

	// A cap of 0 disables body limiting.
	var respBody io.Reader = resp.Body
	if c.maxBody > 0 {
		respBody = io.LimitReader(resp.Body, c.maxBody+1)
	}
	data, err := io.ReadAll(respBody)
	if err != nil {
		return nil, c.classify(err, req.URL)
	}
	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        resp.Request.URL.String(),
	}
	if c.maxBody > 0 && int64(len(data)) > c.maxBody {
		out.Body = data[:c.maxBody]
		out.Truncated = true
		over := resp.ContentLength - c.maxBody
		if over <= 0 {
			// Length unknown; we only saw one byte past the cap.
			over = 1
		}
		c.metrics.addTruncatedBytes(over)
	}
	return out, nil
}

// checkRedirect revalidates every hop so a redirect cannot smuggle the
// scan onto a blocked host or scheme.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return &Error{Kind: KindTransport, Op: "redirect", Message: "too many redirects"}
	}
	if err := c.guard.CheckURL(req.URL); err != nil {
		c.metrics.addEgressBlock()
		return err
	}
	return nil
}

// classify turns transport-level failures into kinded errors.
func (c *Client) classify(err error, rawURL string) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	kind := KindTransport
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = KindTimeout
		}
	}
	return &Error{Kind: kind, Op: "fetch", Message: rawURL, Err: err}
}

func (c *Client) ctxError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: ctx.Err()}
	}
	return &Error{Kind: KindCancelled, Op: op, Err: ctx.Err()}
}

// nextDelay picks the larger of the backoff schedule and any server
// mandated Retry-After, clamped to the configured maximum.
func (c *Client) nextDelay(bo *backoff.ExponentialBackOff, retryAfter time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d > c.backoffMax {
		d = c.backoffMax
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// sleep waits for d or until the context ends; false means stop retrying.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	if dl, ok := ctx.Deadline(); ok && time.Now().Add(d).After(dl) {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// retryableStatus reports whether a status is worth another attempt:
// 429 and the 5xx family except 501 and 505.
func retryableStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 && status != http.StatusNotImplemented && status != http.StatusHTTPVersionNotSupported {
		return true
	}
	return false
}

// parseRetryAfter reads the Retry-After header, either delta-seconds or
// an HTTP date. Zero means absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func hostOnly(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return normalizeHost(u.Hostname())
}
