package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://slack.com/api"

var ErrRateLimited = errors.New("rate limited")

// APIError is an HTTP 200 response whose body reported ok=false.
type APIError struct {
	Method  string
	Code    string
	Warning string
}

func (e *APIError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("slack api error: %s", e.Code)
	}
	return fmt.Sprintf("slack api %s: %s", e.Method, e.Code)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.Code == "ratelimited"
}

type HTTPError struct {
	Method     string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d on %s: %s", e.StatusCode, e.Method, e.Message)
	}
	return fmt.Sprintf("http %d on %s", e.StatusCode, e.Method)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
	// RequestsPerSecond paces outgoing calls. Zero means one per second,
	// the tier most write methods sit in.
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(token string, opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 5
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Token returns the credential the client authenticates with.
func (c *Client) Token() string {
	return c.token
}

type callOptions struct {
	basicUser string
	basicPass string
}

// call posts params to a Web API method and decodes the body into out.
// Transport errors, 429 and 5xx responses are retried with backoff.
func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	return c.callWith(ctx, method, params, out, callOptions{})
}

func (c *Client) callWith(ctx context.Context, method string, params url.Values, out any, opts callOptions) error {
	if params == nil {
		params = url.Values{}
	}
	encoded := params.Encode()
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if opts.basicUser != "" {
			req.SetBasicAuth(opts.basicUser, opts.basicPass)
		} else if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				c.logger.Debug("webapi_retry", zap.String("method", method), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("webapi_retry",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
				zap.Int("status", resp.StatusCode),
			)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &HTTPError{Method: method, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
		}

		var status struct {
			OK      bool   `json:"ok"`
			Error   string `json:"error"`
			Warning string `json:"warning"`
		}
		if err := json.Unmarshal(payload, &status); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if !status.OK {
			return &APIError{Method: method, Code: status.Error, Warning: status.Warning}
		}
		if status.Warning != "" {
			c.logger.Debug("webapi_warning", zap.String("method", method), zap.String("warning", status.Warning))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		return nil
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func boolParam(params url.Values, key string, value bool) {
	if value {
		params.Set(key, "true")
	}
}
