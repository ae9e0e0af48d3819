package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"sharecal/internal/common"
	"sharecal/internal/retry"
)

const (
	renderWait     = 2000 // ms the sidecar waits before capturing
	viewportWidth  = 1280
	viewportHeight = 720
	maxBodyBytes   = 20 << 20
)

type Options struct {
	IncludeScreenshot bool
	Timeout           time.Duration
}

// Result never carries a Go error up the stack as a failure of Fetch itself: a
// non-nil Err means "no content" and HTML/Title are empty.
type Result struct {
	HTML       string
	Title      string
	URL        string
	Screenshot string
	Err        error
}

type sidecarRequest struct {
	URL        string   `json:"url"`
	Screenshot bool     `json:"screenshot"`
	Wait       int      `json:"wait"`
	Viewport   viewport `json:"viewport"`
}

type viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type sidecarResponse struct {
	HTML       string `json:"html"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Screenshot string `json:"screenshot,omitempty"`
}

// Client talks to the headless-browser fetch sidecar.
type Client struct {
	baseURL        string
	http           *http.Client
	policy         retry.Policy
	defaultTimeout time.Duration
	log            zerolog.Logger
}

func NewClient(baseURL string, defaultTimeout time.Duration, policy retry.Policy, log zerolog.Logger) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		policy:         policy,
		defaultTimeout: defaultTimeout,
		log:            log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch validates target and asks the sidecar to render it.
func (c *Client) Fetch(ctx context.Context, target string, opts Options) Result {
	if err := ValidateURL(target); err != nil {
		c.log.Warn().Err(err).Str("url", target).Msg("fetch rejected")
		return Result{URL: target, Err: err}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var out sidecarResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, sidecarRequest{
			URL:        target,
			Screenshot: opts.IncludeScreenshot,
			Wait:       renderWait,
			Viewport:   viewport{Width: viewportWidth, Height: viewportHeight},
		}, &out)
	})
	if err != nil {
		err = classify(ctx, err)
		c.log.Error().Err(err).Str("url", target).Dur("elapsed", time.Since(start)).Msg("fetch failed")
		return Result{URL: target, Err: err}
	}

	c.log.Info().Str("url", target).Int("html_bytes", len(out.HTML)).
		Bool("screenshot", out.Screenshot != "").Dur("elapsed", time.Since(start)).Msg("fetched")
	resolved := out.URL
	if resolved == "" {
		resolved = target
	}
	return Result{HTML: out.HTML, Title: out.Title, URL: resolved, Screenshot: out.Screenshot}
}

func (c *Client) post(ctx context.Context, body sidecarRequest, out *sidecarResponse) error {
	b, err := json.Marshal(body)
	if err != nil {
		return retry.Stop(fmt.Errorf("encode fetch request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fetch", bytes.NewReader(b))
	if err != nil {
		return retry.Stop(fmt.Errorf("failed to create fetch request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read fetch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch sidecar returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Stop(err)
		}
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Stop(fmt.Errorf("decode fetch response: %w", err))
	}
	return nil
}

// HealthCheck reports whether the sidecar answers GET /health with 200.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch sidecar unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return common.NewError(common.KindFetchTimeout, "fetch timed out", err)
	}
	return common.NewError(common.KindFetchFailure, "fetch failed", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
