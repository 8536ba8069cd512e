// Package coinbase provides a Coinbase Advanced Trade exchange adapter.
package coinbase

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tierbot/internal/domain"
)

const (
	// BaseURL is the production Advanced Trade API endpoint.
	BaseURL = "https://api.coinbase.com"

	// jwtTTL is how long a per-request token stays valid.
	jwtTTL = 2 * time.Minute

	defaultRateLimit = 600
	defaultTimeout   = 15 * time.Second
)

// RetryConfig controls retries of idempotent read requests.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first. Values below 1 mean 1.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry.
	Multiplier float64
}

// Client is an HTTP client for the Advanced Trade API.
// It handles request signing, rate limiting, and error handling.
type Client struct {
	keyName    string
	signingKey any
	method     jwt.SigningMethod
	baseURL    string
	host       string
	httpClient *http.Client
	retry      RetryConfig
	logger     *zap.Logger

	// Rate limiting
	requestCount atomic.Int64
	requestLimit int64
	rateLimitMu  sync.Mutex
	lastResetAt  time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	// KeyName is the API key name, e.g. "organizations/{org}/apiKeys/{key}".
	KeyName string
	// PrivateKeyPEM is the PEM encoded EC or RSA private key. Escaped "\n" sequences are accepted.
	PrivateKeyPEM string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// RateLimit is the maximum requests per minute.
	RateLimit int
	// Timeout bounds one HTTP round trip.
	Timeout time.Duration
	// Retry configures read retries.
	Retry RetryConfig
	// Logger is the logger instance.
	Logger *zap.Logger
}

// NewClient creates a new Advanced Trade client. Without credentials, requests are sent unsigned.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = BaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	requestLimit := int64(defaultRateLimit)
	if cfg.RateLimit > 0 {
		requestLimit = int64(cfg.RateLimit)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		keyName:      strings.TrimSpace(cfg.KeyName),
		baseURL:      baseURL,
		host:         parsed.Host,
		httpClient:   &http.Client{Timeout: timeout},
		retry:        cfg.Retry,
		logger:       logger,
		requestLimit: requestLimit,
		lastResetAt:  time.Now(),
		sleep:        sleepContext,
	}

	if pemText := strings.TrimSpace(cfg.PrivateKeyPEM); pemText != "" {
		key, method, err := parsePrivateKey(pemText)
		if err != nil {
			return nil, err
		}
		c.signingKey = key
		c.method = method
	}

	return c, nil
}

// parsePrivateKey accepts SEC1 EC, PKCS#1 RSA and PKCS#8 keys of either kind.
func parsePrivateKey(pemText string) (any, jwt.SigningMethod, error) {
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, nil, errors.New("invalid private key: no PEM block")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse ec key: %w", err)
		}
		return k, jwt.SigningMethodES256, nil
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse rsa key: %w", err)
		}
		return k, jwt.SigningMethodRS256, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		switch key := k.(type) {
		case *ecdsa.PrivateKey:
			return key, jwt.SigningMethodES256, nil
		case *rsa.PrivateKey:
			return key, jwt.SigningMethodRS256, nil
		default:
			return nil, nil, fmt.Errorf("unsupported pkcs8 key type %T", k)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// Authenticated reports whether requests will carry a bearer token.
func (c *Client) Authenticated() bool {
	return c.signingKey != nil && c.keyName != ""
}

// mintJWT creates a short lived token bound to one request line.
func (c *Client) mintJWT(method, path string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(jwtTTL).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, c.host, path),
	}
	token := jwt.NewWithClaims(c.method, claims)
	token.Header["kid"] = c.keyName
	token.Header["nonce"] = uuid.NewString()
	return token.SignedString(c.signingKey)
}

// Request sends one HTTP request. A non-nil body is encoded as JSON.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	if err := c.checkRateLimit(); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.Authenticated() {
		token, err := c.mintJWT(method, path)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("sending request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Bool("signed", c.Authenticated()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.parseError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// Get sends a GET request, retrying transient failures with exponential backoff.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.logger.Debug("retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, err := c.Request(ctx, http.MethodGet, path, params, nil)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	return nil, lastErr
}

// Post sends a POST request exactly once.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Request(ctx, http.MethodPost, path, nil, body)
}

// backoff returns InitialDelay * Multiplier^retry, capped at MaxDelay.
func (c *Client) backoff(retry int) time.Duration {
	initial := c.retry.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := c.retry.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := time.Duration(float64(initial) * math.Pow(mult, float64(retry)))
	if c.retry.MaxDelay > 0 && (delay > c.retry.MaxDelay || delay <= 0) {
		delay = c.retry.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isRetryable reports whether a failed read may succeed when repeated.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	// The local budget is exhausted until the minute rolls over.
	if errors.Is(err, domain.ErrRateLimitExceeded) {
		return false
	}
	// Transport failures.
	return true
}

// checkRateLimit counts the request against the per-minute budget.
func (c *Client) checkRateLimit() error {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()

	if time.Since(c.lastResetAt) > time.Minute {
		c.requestCount.Store(0)
		c.lastResetAt = time.Now()
	}

	if c.requestCount.Load() >= c.requestLimit {
		return fmt.Errorf("%w: %d/%d requests this minute", domain.ErrRateLimitExceeded, c.requestCount.Load(), c.requestLimit)
	}
	c.requestCount.Add(1)

	return nil
}

// APIError represents an Advanced Trade error response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coinbase api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps HTTP statuses onto the shared sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimitExceeded
	default:
		return nil
	}
}

// NotFound reports whether the API answered 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// parseError parses an error response.
func (c *Client) parseError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	c.logger.Warn("api error",
		zap.Int("status", statusCode),
		zap.String("code", apiErr.Code),
		zap.String("message", apiErr.Message))

	return apiErr
}

// RequestCount returns the number of requests sent in the current minute.
func (c *Client) RequestCount() int64 {
	return c.requestCount.Load()
}

// RequestLimit returns the maximum requests per minute.
func (c *Client) RequestLimit() int64 {
	return c.requestLimit
}
