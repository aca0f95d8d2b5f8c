// Package drive is a thin, retrying client for the remote object-store
// REST API. Every call consults a TokenSource for a bearer token, rides
// a shared client-side rate limiter, and retries rate-limited or
// unavailable responses a bounded number of times before surfacing an
// APIError.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// filesPath is the metadata endpoint for files and folders.
	filesPath = "/drive/v3/files"

	// uploadPath is the multipart content upload endpoint.
	uploadPath = "/upload/drive/v3/files"

	// maxRedirects is the maximum number of HTTP redirects to follow,
	// matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory. Vault files are small documents.
	maxResponseBytes = 64 * 1024 * 1024

	// maxRetries is the number of retries after the first attempt for
	// rate-limited or unavailable responses (3 attempts total).
	maxRetries = 2

	// defaultRetryAfter is the backoff used when a retryable response
	// carries no parsable Retry-After header.
	defaultRetryAfter = 2 * time.Second

	// requestsPerSecond and requestBurst bound the client-side request
	// rate ahead of the server's own limiter.
	requestsPerSecond = 10
	requestBurst      = 20
)

// TokenSource supplies a bearer token for each request. The session
// guard implements this, refreshing the token near expiry.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token. Used in tests
// and one-off tool invocations.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// APIError is returned for any non-2xx response once retries are
// exhausted. Body is truncated and sanitized for safe logging.
type APIError struct {
	Status  int
	Body    string
	Message string

	// retryAfter is the backoff the server requested for this response.
	// Only meaningful for retryable statuses.
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("drive: status %d: %s", e.Status, e.Message)
	}

	return fmt.Sprintf("drive: status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the remote store's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     *slog.Logger

	// folderOps coalesces concurrent find-or-create calls for the same
	// (parent, name) folder key. Entries live only for the duration of
	// the in-flight call.
	folderOps singleflight.Group
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("redirect to different host blocked: %s -> %s", via[0].URL.Host, req.URL.Host)
	}

	return nil
}

// NewClient creates an API client for the given origin. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect
// policy is used.
func NewClient(origin string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    origin,
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		logger:     logger,
	}
}

// sanitizeBody truncates and sanitizes a response body for inclusion in
// error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// retryAfter parses the Retry-After header as whole seconds, falling
// back to the default backoff when absent or unparsable.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return defaultRetryAfter
	}

	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}

	return time.Duration(secs) * time.Second
}

// isRetryableStatus reports whether a status code warrants a retry.
// Only rate limiting and temporary unavailability qualify; everything
// else fails immediately.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// do sends one API request with bounded retries and returns the
// response body. The bearer token is fetched fresh for every attempt so
// a refresh during backoff is picked up.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		respBody, retryable, err := c.doOnce(ctx, method, path, query, contentType, body)
		if err == nil {
			return respBody, nil
		}

		if !retryable || attempt == maxRetries {
			return nil, err
		}

		lastErr = err

		var apiErr *APIError

		wait := defaultRetryAfter
		if errors.As(err, &apiErr) {
			wait = apiErr.retryAfter
		}

		c.logger.Debug("retrying request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, lastErr
}

// doOnce performs a single HTTP round-trip. The second return value
// reports whether the failure may be retried.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, bool, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("getting access token: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Body:       sanitizeBody(respBody),
			Message:    gjson.GetBytes(respBody, "error.message").String(),
			retryAfter: retryAfter(resp),
		}

		return nil, isRetryableStatus(resp.StatusCode), apiErr
	}

	return respBody, false, nil
}
