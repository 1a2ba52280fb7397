package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"pbxlink/pkg/logger"

	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	maxErrorBody    = 4 << 10
)

// Options controls the HTTP client behavior.
// Defaults are applied for zero values.
type Options struct {
	// Timeout bounds a single call unless the call overrides it.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS verification. Control servers often
	// run with self-signed certificates on the private address.
	InsecureSkipVerify bool

	UserAgent string

	// HTTPClient replaces the built-in client (tests). Its jar is kept if set.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.UserAgent == "" {
		out.UserAgent = "pbxlink"
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Client performs JSON calls against the control server.
// Cookies set by the server (the session credential) are replayed on later calls.
type Client struct {
	http    *http.Client
	timeout time.Duration
	agent   string
	log     *slog.Logger
}

func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()

	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
		}
		hc = &http.Client{Transport: tr}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("transport: cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	return &Client{http: hc, timeout: opts.Timeout, agent: opts.UserAgent, log: opts.Logger}, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: %s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("transport: %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// IsStatus reports whether err carries one of the given HTTP status codes.
func IsStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}

// Response is what a successful call returns besides the decoded body.
type Response struct {
	Status  int
	Header  http.Header
	Cookies []*http.Cookie
}

type callOptions struct {
	timeout  time.Duration
	login    string
	password string
	basic    bool
}

type CallOption func(*callOptions)

// WithTimeout overrides the client timeout for one call. Long polls need it.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithBasicAuth sends HTTP Basic credentials with the call.
func WithBasicAuth(login, password string) CallOption {
	return func(o *callOptions) {
		o.login, o.password, o.basic = login, password, true
	}
}

// Do sends body (if non-nil) as JSON and decodes a JSON response into out (if non-nil).
// A 204 response leaves out untouched.
func (c *Client) Do(ctx context.Context, method, url string, body, out any, opts ...CallOption) (Response, error) {
	co := callOptions{timeout: c.timeout}
	for _, o := range opts {
		o(&co)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("transport: encode %s %s: %w", method, url, err)
		}
		reader = bytes.NewReader(raw)
	}

	callCtx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return Response{}, fmt.Errorf("transport: build %s %s: %w", method, url, err)
	}
	rid := uuid.NewString()
	req.Header.Set(headerRequestID, rid)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if co.basic {
		req.SetBasicAuth(co.login, co.password)
	}

	log := c.logger(ctx).With("request_id", rid, "method", method, "url", url)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug("request failed", "err", err, "duration_ms", float64(time.Since(start).Milliseconds()))
		return Response{}, fmt.Errorf("transport: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	log.Debug("request", "status", resp.StatusCode, "duration_ms", float64(time.Since(start).Milliseconds()))

	res := Response{Status: resp.StatusCode, Header: resp.Header, Cookies: resp.Cookies()}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return res, &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return res, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("transport: read %s %s: %w", method, url, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return res, fmt.Errorf("transport: decode %s %s: %w", method, url, err)
	}
	return res, nil
}

func (c *Client) GetJSON(ctx context.Context, url string, out any, opts ...CallOption) error {
	_, err := c.Do(ctx, http.MethodGet, url, nil, out, opts...)
	return err
}

func (c *Client) PostJSON(ctx context.Context, url string, body, out any, opts ...CallOption) error {
	_, err := c.Do(ctx, http.MethodPost, url, body, out, opts...)
	return err
}

func (c *Client) PutJSON(ctx context.Context, url string, body, out any, opts ...CallOption) error {
	_, err := c.Do(ctx, http.MethodPut, url, body, out, opts...)
	return err
}

func (c *Client) Delete(ctx context.Context, url string, opts ...CallOption) error {
	_, err := c.Do(ctx, http.MethodDelete, url, nil, nil, opts...)
	return err
}

// logger prefers a request-scoped logger carried in ctx.
func (c *Client) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l
	}
	return c.log
}
