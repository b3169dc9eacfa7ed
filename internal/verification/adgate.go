package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "gatebot/pkg/logx"
)

var (
	// ErrNotConfigured means the provider API key is missing.
	ErrNotConfigured = errors.New("verification: ad-gate not configured")
	// ErrProvider means the provider answered, but not with a link.
	ErrProvider = errors.New("verification: ad-gate provider error")
)

// Shortener wraps a destination URL in the ad-gate provider's link.
type Shortener interface {
	Shorten(ctx context.Context, destination string) (string, error)
}

type AdGateOptions struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration // per attempt; 0 means 10s
	Retries  int           // extra attempts on transient failures
	Client   *http.Client
}

// AdGateClient calls GET {endpoint}?api={key}&url={destination}.
type AdGateClient struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	retries  int
	hc       *http.Client
	log      logx.Logger

	// initialInterval is the first retry delay.
	initialInterval time.Duration
}

func NewAdGateClient(opt AdGateOptions, log logx.Logger) *AdGateClient {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.Retries < 0 {
		opt.Retries = 0
	}
	if opt.Client == nil {
		opt.Client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AdGateClient{
		endpoint:        strings.TrimSpace(opt.Endpoint),
		apiKey:          strings.TrimSpace(opt.APIKey),
		timeout:         opt.Timeout,
		retries:         opt.Retries,
		hc:              opt.Client,
		log:             log,
		initialInterval: 500 * time.Millisecond,
	}
}

func (c *AdGateClient) Configured() bool { return c.apiKey != "" && c.endpoint != "" }

type shortenResponse struct {
	Status       string `json:"status"`
	ShortenedURL string `json:"shortenedUrl"`
	Message      any    `json:"message,omitempty"`
}

// Shorten returns the provider link for destination. Network errors and 5xx
// answers are retried with exponential backoff.
func (c *AdGateClient) Shorten(ctx context.Context, destination string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("ad-gate endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api", c.apiKey)
	q.Set("url", destination)
	u.RawQuery = q.Encode()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	var (
		link    string
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		link, err = c.do(ctx, u.String())
		if err != nil && attempt <= c.retries && isTransient(err) {
			c.log.Debug("ad-gate attempt failed; retrying", logx.Int("attempt", attempt), logx.Err(err))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retries)), ctx)); err != nil {
		c.log.Warn("ad-gate shorten failed", logx.Int("attempts", attempt), logx.Err(err))
		return "", err
	}
	return link, nil
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

func (c *AdGateClient) do(ctx context.Context, rawURL string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", transientError{fmt.Errorf("ad-gate request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", transientError{fmt.Errorf("ad-gate read: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return "", transientError{fmt.Errorf("%w: http %d", ErrProvider, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http %d", ErrProvider, resp.StatusCode)
	}

	var out shortenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrProvider, err)
	}
	if !strings.EqualFold(out.Status, "success") || strings.TrimSpace(out.ShortenedURL) == "" {
		return "", fmt.Errorf("%w: status %q", ErrProvider, out.Status)
	}
	return out.ShortenedURL, nil
}
