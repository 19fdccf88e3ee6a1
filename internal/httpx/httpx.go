// Package httpx implements the retrying GET helper used by the OAI-PMH
// harvest driver to talk to a repository's base URL.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/metaharvest/harvestpool/internal/logging"
)

// ErrUpstreamFailed is returned once every retry attempt has been exhausted,
// whether due to a transport error or a non-2xx/3xx-tolerant status.
var ErrUpstreamFailed = errors.New("httpx: upstream request failed")

// UpstreamFailedError carries the terminal status (or transport cause).
type UpstreamFailedError struct {
	URL    string
	Status int
	Cause  error
}

func (e *UpstreamFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("httpx: %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("httpx: %s: status %d", e.URL, e.Status)
}

func (e *UpstreamFailedError) Unwrap() error { return ErrUpstreamFailed }

// Client wraps a retryablehttp.Client configured per spec §4.3: a fixed
// number of tries, a fixed wait between attempts (no exponential backoff),
// and retry triggered by any transport error or any status >= 300.
type Client struct {
	rhttp        *retryablehttp.Client
	debugLogPath string
	log          logging.Logger
}

// New constructs a Client. maxTries is the total number of attempts
// (including the first); retryWait is the fixed delay between attempts.
func New(maxTries int, retryWait time.Duration, debugLogPath string, log logging.Logger) *Client {
	if maxTries < 1 {
		maxTries = 1
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = maxTries - 1
	rc.RetryWaitMin = retryWait
	rc.RetryWaitMax = retryWait
	rc.Logger = nil
	rc.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return retryWait
	}
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return true, nil
		}
		if resp != nil && resp.StatusCode >= 300 {
			return true, nil
		}
		return false, nil
	}
	// Once RetryMax is exhausted, retryablehttp's default error handler
	// discards the last response and reports a generic "giving up" error.
	// Pass the real response (and its status) through instead, so Get can
	// still surface UpstreamFailed(status) for an exhausted persistent
	// non-2xx rather than a bare transport-style error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{rhttp: rc, debugLogPath: debugLogPath, log: log}
}

// Get performs a GET, retrying per the configured policy. It returns the
// final status and body on success, or an *UpstreamFailedError once retries
// are exhausted.
func (c *Client) Get(url string, headers map[string]string) (status int, body []byte, err error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("httpx: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.traceRequest(url, headers)

	resp, err := c.rhttp.Do(req)
	if err != nil {
		c.traceResponse(url, 0, nil)
		return 0, nil, &UpstreamFailedError{URL: url, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(resp.Body)
	c.traceResponse(url, resp.StatusCode, body)
	if readErr != nil {
		return resp.StatusCode, nil, &UpstreamFailedError{URL: url, Cause: readErr}
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, body, &UpstreamFailedError{URL: url, Status: resp.StatusCode}
	}

	return resp.StatusCode, body, nil
}

func (c *Client) traceRequest(url string, headers map[string]string) {
	if c.debugLogPath == "" {
		return
	}
	c.appendTrace(fmt.Sprintf("[%s] REQUEST GET %s headers=%v\n", time.Now().UTC().Format(time.RFC3339Nano), url, headers))
}

func (c *Client) traceResponse(url string, status int, body []byte) {
	if c.debugLogPath == "" {
		return
	}
	c.appendTrace(fmt.Sprintf("[%s] RESPONSE %s status=%d body=%s\n", time.Now().UTC().Format(time.RFC3339Nano), url, status, body))
}

func (c *Client) appendTrace(line string) {
	f, err := os.OpenFile(c.debugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if c.log != nil {
			c.log.Debug().Str("path", c.debugLogPath).Err(err).Log("httpx: could not open debug trace log")
		}
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line); err != nil && c.log != nil {
		c.log.Debug().Str("path", c.debugLogPath).Err(err).Log("httpx: could not append debug trace log")
	}
}
