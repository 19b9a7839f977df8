// Package interceptor sits between application code and the REST backend.
//
// Every request is classified once by the router and dispatched to one of
// three strategies: network-first reads with cache fallback, writes that are
// queued for replay when the backend is unreachable, and plain passthrough.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mipyme/offline/internal/cache"
	"github.com/mipyme/offline/internal/connectivity"
	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/models"
	"github.com/mipyme/offline/internal/router"
)

// DefaultNetworkTimeout bounds a single network attempt.
const DefaultNetworkTimeout = 15 * time.Second

// invalidationTimeout bounds the background cache invalidation after a write.
const invalidationTimeout = 30 * time.Second

// CredentialProvider attaches authentication to outgoing requests.
type CredentialProvider interface {
	Apply(ctx context.Context, req *http.Request) error
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, req *http.Request) error

// Apply calls f.
func (f CredentialFunc) Apply(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// Queue is the part of the pending-operation queue the interceptor writes to.
type Queue interface {
	Enqueue(ctx context.Context, op *models.PendingOperation) (string, error)
	Count() int
}

// Reporter receives passive connectivity observations.
type Reporter interface {
	ReportSuccess()
	ReportFailure(err error)
}

// SyncRequester starts a sync pass without waiting for it.
type SyncRequester interface {
	Trigger() <-chan struct{}
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithHTTPClient sets the client used for network attempts.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Interceptor) {
		if c != nil {
			i.client = c
		}
	}
}

// WithBaseURL sets the backend origin relative targets are resolved against.
func WithBaseURL(base string) Option {
	return func(i *Interceptor) { i.baseURL = strings.TrimSuffix(base, "/") }
}

// WithNetworkTimeout bounds each network attempt.
func WithNetworkTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithCredentials sets the credential provider.
func WithCredentials(p CredentialProvider) Option {
	return func(i *Interceptor) { i.creds = p }
}

// WithReporter sets where connectivity observations are sent.
func WithReporter(r Reporter) Option {
	return func(i *Interceptor) { i.reporter = r }
}

// WithPreserveOrder queues new writes behind already pending ones instead
// of sending them ahead.
func WithPreserveOrder(on bool) Option {
	return func(i *Interceptor) { i.preserveOrder = on }
}

// WithSyncRequester sets who is asked to drain the queue when a write is
// queued behind pending operations.
func WithSyncRequester(s SyncRequester) Option {
	return func(i *Interceptor) { i.syncer = s }
}

// Interceptor dispatches requests to their strategy. Safe for concurrent use.
type Interceptor struct {
	router *router.Router
	cache  cache.Store
	queue  Queue

	client        *http.Client
	baseURL       string
	timeout       time.Duration
	creds         CredentialProvider
	reporter      Reporter
	syncer        SyncRequester
	preserveOrder bool

	pending sync.WaitGroup
	logger  *logging.Logger
}

// New creates an Interceptor.
func New(r *router.Router, store cache.Store, q Queue, opts ...Option) *Interceptor {
	i := &Interceptor{
		router:  r,
		cache:   store,
		queue:   q,
		client:  http.DefaultClient,
		timeout: DefaultNetworkTimeout,
		logger:  logging.Named("interceptor"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SetSyncRequester sets the sync requester after construction, for when the
// sync engine is built on top of this interceptor.
func (i *Interceptor) SetSyncRequester(s SyncRequester) {
	i.syncer = s
}

// Do performs req through the strategy its classification selects. The
// returned error is nil for every connectivity failure on read and write
// paths; those are answered with a synthesized Result instead.
func (i *Interceptor) Do(ctx context.Context, req *http.Request) (*Result, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	c := i.router.Classify(req)
	target := req.URL.RequestURI()
	if req.URL.IsAbs() && i.baseURL == "" {
		target = req.URL.String()
	}
	header := cleanHeader(req.Header)

	switch c.Kind {
	case router.KindCacheableRead:
		return i.read(ctx, c, target, header)
	case router.KindWrite:
		return i.write(ctx, c, target, body, header)
	default:
		res, err := i.Send(ctx, c.Method, target, body, header, true)
		if res != nil {
			res.Kind = c.Kind
		}
		return res, err
	}
}

func (i *Interceptor) read(ctx context.Context, c router.Classification, target string, header http.Header) (*Result, error) {
	res, err := i.Send(ctx, c.Method, target, nil, header, true)
	if err == nil && !connectivity.IsFailureStatus(res.StatusCode) {
		res.Kind = c.Kind
		if res.OK() && c.Method == http.MethodGet {
			if perr := i.cache.Put(ctx, c.Key, res.Body); perr != nil {
				i.logger.Warn("Failed to cache response", map[string]interface{}{
					"key":   c.Key,
					"error": perr.Error(),
				})
				res.CacheError = perr
			}
		}
		return res, nil
	}
	if err != nil && !IsUnreachable(err) {
		return nil, err
	}

	offline := err != nil
	entry, gerr := i.cache.Get(ctx, c.Key)
	switch {
	case gerr == nil:
		h := make(http.Header)
		h.Set("Content-Type", "application/json")
		return &Result{
			StatusCode: http.StatusOK,
			Header:     h,
			Body:       entry.Value,
			FromCache:  true,
			Offline:    offline,
			StoredAt:   entry.StoredAtTime(),
			Kind:       c.Kind,
		}, nil
	case errors.Is(gerr, cache.ErrNotFound):
		return unavailable(c.Kind), nil
	default:
		return nil, gerr
	}
}

func (i *Interceptor) write(ctx context.Context, c router.Classification, target string, body []byte, header http.Header) (*Result, error) {
	if i.preserveOrder && i.queue.Count() > 0 {
		res, err := i.enqueue(ctx, c, target, body, header)
		if err == nil && i.syncer != nil {
			i.syncer.Trigger()
		}
		return res, err
	}

	res, err := i.Send(ctx, c.Method, target, body, header, true)
	if err == nil {
		res.Kind = c.Kind
		if res.OK() {
			i.invalidate(c.Families)
		}
		return res, nil
	}
	if !IsUnreachable(err) {
		return nil, err
	}
	return i.enqueue(ctx, c, target, body, header)
}

func (i *Interceptor) enqueue(ctx context.Context, c router.Classification, target string, body []byte, header http.Header) (*Result, error) {
	op := &models.PendingOperation{
		HTTPMethod: c.Method,
		Target:     target,
		Body:       body,
		Header:     i.captureHeaders(ctx, c.Method, target, header),
	}
	id, err := i.queue.Enqueue(ctx, op)
	if err != nil {
		i.logger.ErrorWithCode("Failed to queue write", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"method": c.Method,
			"target": target,
		})
		return nil, err
	}
	return queued(c.Kind, id), nil
}

// captureHeaders returns the headers to store with a queued write: the
// request's own headers plus whatever the credential provider resolves now,
// so a replay without re-resolution still carries them. A provider failure
// keeps the write; it is queued with the request's headers only.
func (i *Interceptor) captureHeaders(ctx context.Context, method, target string, header http.Header) http.Header {
	if i.creds == nil {
		return header
	}
	req, err := http.NewRequestWithContext(ctx, method, i.resolve(target), nil)
	if err != nil {
		return header
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if err := i.creds.Apply(ctx, req); err != nil {
		i.logger.Warn("Credentials unavailable for queued write", map[string]interface{}{
			"method": method,
			"target": target,
			"error":  err.Error(),
		})
		return header
	}
	return req.Header
}

// invalidate drops the write's families from the cache in the background.
func (i *Interceptor) invalidate(families []string) {
	if len(families) == 0 {
		return
	}
	i.pending.Add(1)
	go func() {
		defer i.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), invalidationTimeout)
		defer cancel()

		n, err := cache.Invalidate(ctx, i.cache, families)
		if err != nil {
			i.logger.Warn("Cache invalidation failed", map[string]interface{}{
				"families": families,
				"error":    err.Error(),
			})
			return
		}
		i.logger.Debug("Invalidated cache entries", map[string]interface{}{
			"families": families,
			"removed":  n,
		})
	}()
}

// Wait blocks until background invalidations started so far are done.
func (i *Interceptor) Wait() {
	i.pending.Wait()
}

// Send makes one bounded network attempt and reads the whole response. A
// non-nil error always means the backend was not reached; it is reported to
// the connectivity reporter. Any HTTP response counts as reachable.
func (i *Interceptor) Send(ctx context.Context, method, target string, body []byte, header http.Header, withCredentials bool) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, i.resolve(target), reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("build request for %s", target), err)
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}
	if withCredentials && i.creds != nil {
		if err := i.creds.Apply(ctx, req); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCredentials, "apply credentials", err)
		}
	}

	resp, err := i.client.Do(req)
	if err == nil {
		var data []byte
		data, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil {
			if i.reporter != nil {
				i.reporter.ReportSuccess()
			}
			return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
		}
	}

	if ctx.Err() != nil {
		// caller gave up; says nothing about the backend
		return nil, ctx.Err()
	}
	code := apperrors.ErrNetworkUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = apperrors.ErrNetworkTimeout
	}
	wrapped := apperrors.Wrap(code, fmt.Sprintf("%s %s", method, target), err)
	if i.reporter != nil {
		i.reporter.ReportFailure(wrapped)
	}
	return nil, wrapped
}

// resolve turns a target into an absolute URL against the base URL.
func (i *Interceptor) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") || i.baseURL == "" {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return i.baseURL + target
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "read request body", err)
	}
	return body, nil
}

// IsUnreachable reports whether err from Send means the backend could not
// be reached, as opposed to a local failure or a cancelled caller.
func IsUnreachable(err error) bool {
	return apperrors.Is(err, apperrors.ErrNetworkUnavailable) || apperrors.Is(err, apperrors.ErrNetworkTimeout)
}

// strippedHeaders are connection-scoped or transport-managed and are never
// forwarded or captured.
var strippedHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Host",
}

func cleanHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range strippedHeaders {
		out.Del(k)
	}
	return out
}
