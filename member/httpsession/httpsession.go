// Package httpsession is the agent's pooled HTTP client to the central
// server: a bounded connection pool wrapped in go-retryablehttp,
// transparently rebuilt once it exceeds a lifetime or request-count
// cap, with every access guarded by a mutex. Close releases pooled
// connections; the agent calls it on shutdown and it is also the
// Session's finalizer. No process-exit hook is installed.
package httpsession

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/zerotier-ops/fleetwatch/lib"
)

const (
	maxHostGroups        = 5
	connsPerHostGroup    = 10
	retryMax             = 3
	retryWaitMin         = 1 * time.Second
	retryWaitMax         = 4 * time.Second
	sessionLifetime      = time.Hour
	sessionRequestCap    = 1000
)

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var idempotentMethods = map[string]bool{
	http.MethodHead:    true,
	http.MethodGet:     true,
	http.MethodOptions: true,
}

// Session wraps a retryablehttp.Client with bounded connection pooling
// and transparent rebuild on session-lifetime or request-count expiry.
type Session struct {
	log hclog.Logger

	mu         sync.Mutex
	client     *retryablehttp.Client
	createdAt  time.Time
	requests   int64
}

// New returns a Session. The underlying HTTP client isn't built until
// the first call to Client, so constructing a Session never performs
// I/O.
func New(log hclog.Logger) *Session {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Session{log: log.Named("httpsession")}
	runtime.SetFinalizer(s, func(s *Session) { s.Close() })
	return s
}

// Client returns the live *retryablehttp.Client, rebuilding it first if
// it has exceeded its lifetime or request-count cap. The check and any
// rebuild happen together under s.mu, so concurrent callers never race
// on the swap.
func (s *Session) Client() *retryablehttp.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil || s.expired() {
		s.rebuildLocked()
	}
	atomic.AddInt64(&s.requests, 1)
	return s.client
}

func (s *Session) expired() bool {
	return time.Since(s.createdAt) >= sessionLifetime || atomic.LoadInt64(&s.requests) >= sessionRequestCap
}

func (s *Session) rebuildLocked() {
	if s.client != nil {
		s.client.HTTPClient.CloseIdleConnections()
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxConnsPerHost = connsPerHostGroup
	transport.MaxIdleConnsPerHost = connsPerHostGroup
	transport.MaxIdleConns = maxHostGroups * connsPerHostGroup

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = checkRetry
	rc.Logger = nil

	s.client = rc
	s.createdAt = time.Now()
	atomic.StoreInt64(&s.requests, 0)
	s.log.Debug("http session (re)built", "max_conns_per_host", connsPerHostGroup)
}

// methodContextKey stashes the request method on the context Do builds,
// so checkRetry can still gate a transport-error retry (resp == nil, no
// *http.Request to read the method off of) on idempotency.
type methodContextKey struct{}

// checkRetry retries only idempotent methods and only for the status
// codes the external interface names; it never retries a non-idempotent
// method regardless of status or transport error, since retrying a POST
// that already reached the server could double-submit it.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp == nil {
		method, _ := ctx.Value(methodContextKey{}).(string)
		return idempotentMethods[method] && err != nil, nil
	}
	if !idempotentMethods[resp.Request.Method] {
		return false, nil
	}
	return retryableStatus[resp.StatusCode], nil
}

// Do issues req through the pooled client, converting it to a
// retryablehttp.Request first. A User-Agent is set when the caller
// hasn't already supplied one.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", lib.UserAgent())
	}
	ctx := context.WithValue(req.Context(), methodContextKey{}, req.Method)
	rreq, err := retryablehttp.FromRequest(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return s.Client().Do(rreq)
}

// Close releases pooled connections. Safe to call more than once, and
// registered as the session's finalizer so a leaked Session still
// releases its sockets.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.HTTPClient.CloseIdleConnections()
	}
}
