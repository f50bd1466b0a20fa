package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader carries a per-request ULID.
	RequestIDHeader = "X-Request-ID"
	// DeviceHeader carries the device fingerprint on every request.
	DeviceHeader = "X-Device-Fingerprint"

	maxResponseBody = 1 << 20
)

var (
	// ErrInvalidBaseURL is returned by New for a missing or non-HTTP base URL.
	ErrInvalidBaseURL = errors.New("api: invalid base url")
)

// TokenSource supplies the bearer token. An empty token means anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to [TokenSource].
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// RetryPolicy bounds retries of requests sent with [WithRetry].
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
}

// Notification is a transient user-facing message produced by a request.
type Notification struct {
	Level   string
	Message string
	Status  int
}

const (
	LevelSuccess = "success"
	LevelError   = "error"
)

// Options configures a [Client].
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Jar        http.CookieJar
	Tokens     TokenSource
	Logger     *zap.Logger
	// Fingerprint supplies the value of [DeviceHeader]; nil or "" omits it.
	Fingerprint func(ctx context.Context) string

	Timeout         time.Duration
	Retry           RetryPolicy
	DefaultCooldown time.Duration
	CSRFPath        string
	UserAgent       string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnUnauthorized is called when a request that carried a token gets a 401.
	OnUnauthorized func(ctx context.Context)
	// Notify receives success and error notifications.
	Notify func(ctx context.Context, n Notification)
	// OnRetry is called before each retry of a transport failure.
	OnRetry func(attempt int, err error)
}

// Client sends requests to the auth service.
type Client struct {
	base     *url.URL
	http     *http.Client
	tokens   TokenSource
	device   func(context.Context) string
	logger   *zap.Logger
	timeout  time.Duration
	retry    RetryPolicy
	cooldown time.Duration
	csrfPath string
	ua       string
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	onUnauthorized func(context.Context)
	notify         func(context.Context, Notification)
	onRetry        func(int, error)

	csrfMu    sync.Mutex
	csrfStale bool
}

// New validates opts and returns a [Client].
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, opts.BaseURL)
	}

	jar := opts.Jar
	if jar == nil {
		jar, _ = cookiejar.New(nil)
	}
	var hc http.Client
	if opts.HTTPClient != nil {
		hc = *opts.HTTPClient
	}
	if hc.Jar == nil {
		hc.Jar = jar
	}

	c := &Client{
		base:           base,
		http:           &hc,
		tokens:         opts.Tokens,
		device:         opts.Fingerprint,
		logger:         opts.Logger,
		timeout:        opts.Timeout,
		retry:          opts.Retry,
		cooldown:       opts.DefaultCooldown,
		csrfPath:       opts.CSRFPath,
		ua:             opts.UserAgent,
		now:            opts.Now,
		sleep:          opts.Sleep,
		onUnauthorized: opts.OnUnauthorized,
		notify:         opts.Notify,
		onRetry:        opts.OnRetry,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.cooldown <= 0 {
		c.cooldown = 60 * time.Second
	}
	if c.csrfPath == "" {
		c.csrfPath = "/csrf-cookie"
	}
	if c.retry.Attempts <= 0 {
		c.retry.Attempts = 1
	}
	return c, nil
}

// BaseURL returns a copy of the configured base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Jar returns the cookie jar shared by all requests.
func (c *Client) Jar() http.CookieJar {
	return c.http.Jar
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	retry    bool
	silent   bool
	skipCSRF bool
	query    url.Values
	token    *string
}

// WithRetry opts a non-auth mutation into bounded retry on transport failure.
func WithRetry() RequestOption {
	return func(o *requestOptions) { o.retry = true }
}

// Silent suppresses notifications for the request.
func Silent() RequestOption {
	return func(o *requestOptions) { o.silent = true }
}

// WithQuery sets the query string.
func WithQuery(v url.Values) RequestOption {
	return func(o *requestOptions) { o.query = v }
}

// WithToken sends token instead of the one from the [TokenSource]. An empty
// token sends the request anonymously.
func WithToken(token string) RequestOption {
	return func(o *requestOptions) { o.token = &token }
}

func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

func (c *Client) Post(ctx context.Context, path string, in, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, in, out, opts...)
}

func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out, opts...)
}

// Do sends one logical request. in is encoded as JSON when non-nil; a 2xx body
// is decoded into out when out is non-nil. Failures are always an [Error].
func (c *Client) Do(ctx context.Context, method, path string, in, out any, opts ...RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	attempts := 1
	if ro.retry {
		attempts = c.retry.Attempts
	}
	delay := c.retry.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.once(ctx, method, path, in, out, &ro)
		if err == nil || KindOf(err) != KindNetwork || attempt == attempts || ctx.Err() != nil {
			break
		}
		if c.onRetry != nil {
			c.onRetry(attempt, err)
		}
		c.logger.Warn("request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			break
		}
		delay *= 2
	}

	if err != nil && !ro.silent {
		c.reportError(ctx, err)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, in, out any, ro *requestOptions) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &RequestError{Message: "could not encode request", StatusCode: 0}
		}
		body = bytes.NewReader(raw)
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.resolve(path, ro.query)
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return &NetworkError{Err: err}
	}
	requestID := ulid.Make().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set(RequestIDHeader, requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	if c.device != nil {
		if fp := c.device(ctx); fp != "" {
			req.Header.Set(DeviceHeader, fp)
		}
	}

	token := c.token(ctx, ro)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if stateChanging(method) && !ro.skipCSRF {
		if xsrf := c.csrfToken(ctx); xsrf != "" {
			req.Header.Set(CSRFHeader, xsrf)
		}
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request transport failure",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &NetworkError{Err: err}
	}

	c.logger.Debug("request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
		zap.Duration("elapsed", c.now().Sub(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := decodeBody(raw, out); err != nil {
			return &ServerError{StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
		}
		if stateChanging(method) && !ro.silent {
			c.reportSuccess(ctx, raw, resp.StatusCode)
		}
		return nil
	}

	return c.translate(ctx, resp, raw, token != "")
}

func (c *Client) translate(ctx context.Context, resp *http.Response, raw []byte, bearer bool) error {
	var env Envelope
	_ = json.Unmarshal(raw, &env)
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusUnprocessableEntity:
		return &ValidationError{Message: msg, Fields: env.Errors}
	case status == http.StatusTooManyRequests:
		at, src := resolveRateLimit(env.Hints, resp.Header, c.now(), c.cooldown)
		return &RateLimitedError{Message: msg, AvailableAt: at, Source: src}
	case status == http.StatusUnauthorized:
		if bearer && c.onUnauthorized != nil {
			c.onUnauthorized(ctx)
		}
		return &SessionInvalidError{Message: msg}
	case status == 419:
		c.ResetCSRF()
		return &CSRFMismatchError{Message: msg}
	case status == http.StatusForbidden && env.RequiresDeviceVerification:
		var resendAt int64
		if env.ResendAvailableAt != nil {
			resendAt = *env.ResendAvailableAt
		}
		return &DeviceVerificationRequiredError{
			Message:           msg,
			Fingerprint:       env.Fingerprint,
			UserID:            env.UserID,
			ResendAvailableAt: resendAt,
		}
	case status >= 500:
		return &ServerError{StatusCode: status, Message: msg}
	default:
		return &RequestError{StatusCode: status, Message: msg, Fields: env.Errors}
	}
}

func (c *Client) token(ctx context.Context, ro *requestOptions) string {
	if ro.token != nil {
		return *ro.token
	}
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("token source unavailable", zap.Error(err))
		return ""
	}
	return token
}

func (c *Client) resolve(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) reportError(ctx context.Context, err error) {
	if c.notify == nil {
		return
	}
	switch KindOf(err) {
	case KindValidation, KindSessionInvalid, KindDeviceVerificationRequired:
		return
	}
	c.notify(ctx, Notification{Level: LevelError, Message: Message(err), Status: StatusOf(err)})
}

func (c *Client) reportSuccess(ctx context.Context, raw []byte, status int) {
	if c.notify == nil || len(raw) == 0 {
		return
	}
	var m MessageResponse
	if json.Unmarshal(raw, &m) != nil || m.Message == "" {
		return
	}
	c.notify(ctx, Notification{Level: LevelSuccess, Message: m.Message, Status: status})
}

func decodeBody(raw []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
