package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("collaborator api unavailable")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// MaxRetries defaults to 3 when zero; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// BreakerFailures is the number of consecutive failed calls that opens
	// the breaker; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client talks to the enquiry backend: lead lists, stats and the send
// endpoint. Requests carry the bearer token and are retried on 429 and 5xx.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	validate   *validator.Validate
	breaker    *gobreaker.CircuitBreaker[response]
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type response struct {
	status int
	header http.Header
	body   []byte
}

type retryableStatusError struct {
	status int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:3001"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	logger = logger.With("component", "api")
	breaker := gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "enquiry-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		breaker:    breaker,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

// do performs one logical request. Only GETs are retried; a POST may already
// have taken effect upstream when a 5xx comes back. Non-2xx responses that
// are not retried are returned to the caller with a nil error so endpoint
// methods can decide how to read them.
func (c *Client) do(ctx context.Context, method, requestPath string, body any) (response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return response{}, err
		}
	}
	maxRetries := c.maxRetries
	if method != http.MethodGet {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		resp, err := c.breaker.Execute(func() (response, error) {
			return c.roundTrip(ctx, method, requestPath, bodyBytes)
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, ctxErr
		}
		if attempt >= maxRetries {
			var statusErr *retryableStatusError
			if errors.As(err, &statusErr) {
				return resp, nil
			}
			return response{}, err
		}
		delay := c.retryDelay(attempt+1, resp.header.Get("Retry-After"))
		c.logger.Debug("retrying request", "method", method, "path", requestPath, "attempt", attempt+1, "delay", delay, "error", err)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return response{}, waitErr
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, requestPath string, bodyBytes []byte) (response, error) {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return response{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", "relay_"+uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	payload, readErr := io.ReadAll(httpResp.Body)
	_ = httpResp.Body.Close()
	if readErr != nil {
		return response{}, readErr
	}
	resp := response{status: httpResp.StatusCode, header: httpResp.Header, body: payload}
	if resp.status == http.StatusTooManyRequests || resp.status >= 500 {
		return resp, &retryableStatusError{status: resp.status}
	}
	return resp, nil
}

// decode unmarshals a 2xx body into out or converts the response into an
// *HTTPError.
func decode(resp response, out any) error {
	if resp.status >= 200 && resp.status <= 299 {
		if out == nil || len(resp.body) == 0 {
			return nil
		}
		return json.Unmarshal(resp.body, out)
	}
	return newHTTPError(resp)
}

func newHTTPError(resp response) *HTTPError {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	_ = json.Unmarshal(resp.body, &payload)
	message := payload.Message
	if message == "" {
		if s, ok := payload.Error.(string); ok {
			message = s
		}
	}
	if message == "" {
		message = http.StatusText(resp.status)
	}
	return &HTTPError{StatusCode: resp.status, Code: payload.Code, Message: message}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
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
