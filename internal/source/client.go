// Package source fetches issuer trading history from the exchange website.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
	"github.com/trogers1052/stock-history-ingestor/internal/window"
)

// DefaultBaseURL is the symbol history page of the Macedonian Stock Exchange
const DefaultBaseURL = "https://www.mse.mk/page.aspx/stats/symbolhistory"

// maxBodyBytes caps a history page read.
const maxBodyBytes = 16 << 20

// StatusError reports a non-success response for one window
type StatusError struct {
	StatusCode int
	Issuer     string
	Window     window.Window
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history request for %s %s failed: %d %s",
		e.Issuer, e.Window, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether the request is worth repeating.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config holds client configuration
type Config struct {
	BaseURL        string
	Method         string        // GET or POST
	RequestTimeout time.Duration // per attempt
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration
	RatePerSecond  float64 // shared across all issuers; <= 0 disables limiting
	Burst          int
	UserAgent      string
	Parse          ParseOptions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Method:         http.MethodGet,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Second,
		RatePerSecond:  5,
		Burst:          5,
		UserAgent:      "stock-history-ingestor/1.0",
		Parse:          DefaultParseOptions(),
	}
}

// Client fetches and parses history pages
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new history client
func NewClient(cfg Config, log zerolog.Logger, opts ...Option) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Parse.TableID == "" {
		cfg.Parse = DefaultParseOptions()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    limiter,
		log:        log.With().Str("component", "source").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the traded days of issuer inside w. Days without volume are
// already dropped. Retryable failures are repeated with exponential backoff.
func (c *Client) Fetch(ctx context.Context, issuer string, w window.Window) ([]models.RawRow, error) {
	var rows []models.RawRow

	operation := func() error {
		var err error
		rows, err = c.fetchOnce(ctx, issuer, w)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.log.Debug().
			Err(err).
			Str("issuer", issuer).
			Str("window", w.String()).
			Dur("backoff", wait).
			Msg("Retrying history request")
	}

	if err := backoff.RetryNotify(operation, c.backoff(ctx), notify); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	b.MaxElapsedTime = 0

	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (c *Client) fetchOnce(ctx context.Context, issuer string, w window.Window) ([]models.RawRow, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, issuer, w)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode, Issuer: issuer, Window: w}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	rows, err := ParseTable(bytes.NewReader(body), c.cfg.Parse)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse history page: %w", err))
	}

	c.log.Debug().
		Str("issuer", issuer).
		Str("window", w.String()).
		Int("rows", len(rows)).
		Msg("Fetched history window")
	return rows, nil
}

func (c *Client) newRequest(ctx context.Context, issuer string, w window.Window) (*http.Request, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + url.PathEscape(issuer)
	form := url.Values{}
	form.Set("FromDate", models.FormatDate(w.Start))
	form.Set("ToDate", models.FormatDate(w.End))

	var req *http.Request
	var err error
	if strings.EqualFold(c.cfg.Method, http.MethodPost) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+form.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "text/html")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	return req, nil
}
