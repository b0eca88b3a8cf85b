package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/log"
)

const maxResponseBodySize = 4 << 20

// Request describes one call to the modem web interface. It is rebuilt into
// a fresh *http.Request for every attempt.
type Request struct {
	Method string
	Path   string
	// Form is sent url-encoded when not nil.
	Form url.Values
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ConnectionError is a failure to get any HTTP response from the modem.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response. 403 means the session is no longer
// accepted.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s failed: HTTP status %d", e.URL, e.StatusCode)
}

// RetryExhaustedError is returned once the retry budget is spent. It wraps the
// failure of the last attempt.
type RetryExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up on %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// ResponseTooLargeError is a response body over the size limit. It is not
// retried.
type ResponseTooLargeError struct {
	URL   string
	Limit int
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response from %s exceeds %d bytes", e.URL, e.Limit)
}

// Authenticator restores the modem session after a 403.
type Authenticator interface {
	EnsureLogin(ctx context.Context) (bool, error)
}

// RetryPolicy is a fixed-delay retry budget. MaxRetry -1 retries forever.
type RetryPolicy struct {
	MaxRetry int
	Wait     time.Duration
}

func (p RetryPolicy) String() string {
	if p.MaxRetry == -1 {
		return "∞"
	}
	return strconv.Itoa(p.MaxRetry)
}

// Fetcher issues requests against the modem with retries and inline
// re-authentication. Redirects are never followed.
type Fetcher struct {
	client  *http.Client
	baseURL *url.URL
	policy  RetryPolicy
	auth    Authenticator
	logger  log.Logger
	retries *prometheus.CounterVec
}

func NewFetcher(client *http.Client, baseURL *url.URL, policy RetryPolicy, logger log.Logger, retries *prometheus.CounterVec) *Fetcher {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Fetcher{
		client:  &c,
		baseURL: baseURL,
		policy:  policy,
		logger:  logger,
		retries: retries,
	}
}

// SetAuthenticator registers the component called when the modem answers 403.
func (f *Fetcher) SetAuthenticator(a Authenticator) {
	f.auth = a
}

func (f *Fetcher) url(p string) string {
	u := *f.baseURL
	u.Path = path.Join("/", u.Path, p)
	return u.String()
}

// Do performs req until it succeeds or the retry budget is exhausted.
//
// Transport failures are always retried. With raiseOnError, a non-2xx
// status is retried as well, and a 403 first triggers one EnsureLogin call.
// Without raiseOnError any response is returned as-is.
func (f *Fetcher) Do(ctx context.Context, req Request, raiseOnError bool) (*Response, error) {
	target := f.url(req.Path)

	for retry := 0; ; retry++ {
		resp, err := f.attempt(ctx, req, target)
		if err == nil && (!raiseOnError || isSuccess(resp.StatusCode)) {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var reason string
		var connErr *ConnectionError
		switch {
		case errors.As(err, &connErr):
			reason = "connection"
			f.logger.Warnf("Connection to modem failed (%v) retry: %d/%s", connErr.Err, retry, f.policy)
		case err != nil:
			return nil, err
		case resp.StatusCode == http.StatusForbidden:
			reason = "forbidden"
			err = &StatusError{URL: target, StatusCode: resp.StatusCode}
			f.logger.Warnf("Got 403 status code for %s, re-authenticating retry: %d/%s", req.Path, retry, f.policy)
			if f.auth != nil {
				if _, authErr := f.auth.EnsureLogin(ctx); authErr != nil {
					return nil, authErr
				}
			}
		default:
			reason = "status"
			err = &StatusError{URL: target, StatusCode: resp.StatusCode}
			f.logger.Warnf("Got bad status code (%d) for %s retry: %d/%s", resp.StatusCode, req.Path, retry, f.policy)
		}

		if f.policy.MaxRetry != -1 && retry >= f.policy.MaxRetry {
			return nil, &RetryExhaustedError{URL: target, Attempts: retry + 1, Err: err}
		}
		f.retries.WithLabelValues(reason).Inc()

		if err := sleepContext(ctx, f.policy.Wait); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, target string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", target, err)
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		return nil, &ConnectionError{URL: target, Err: err}
	}
	if len(data) > maxResponseBodySize {
		return nil, &ResponseTooLargeError{URL: target, Limit: maxResponseBodySize}
	}
	f.logger.Debugf("%s %s: HTTP status %d, %d bytes", method, req.Path, resp.StatusCode, len(data))

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// CloseIdleConnections releases pooled modem connections.
func (f *Fetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
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
