// Package fetch provides HTTP retrieval for feed sources with bounded
// retries, exponential backoff, and a fallback identity for hosts that
// reject the default client.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/syndicate/internal/logging"
)

const (
	defaultUserAgent  = "syndicate/1.0 (+https://github.com/abelbrown/syndicate)"
	fallbackUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	// maxBodyBytes caps how much of a response we will read. Feeds larger
	// than this are almost certainly broken or hostile.
	maxBodyBytes = 16 << 20
)

// hostileHosts are hosts known to reject non-browser user agents.
var hostileHosts = []string{"youtube.com", "youtu.be"}

// StatusError is a non-2xx response. 4xx (except 429) is never retried.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Config holds the fetcher knobs. Zero values fall back to defaults.
type Config struct {
	Timeout     time.Duration // per-attempt deadline
	Retries     int           // attempts beyond the first
	BackoffBase time.Duration
	BackoffCap  time.Duration
	PerHostRPS  float64 // outbound rate limit per host, 0 disables
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	return c
}

// Fetcher retrieves raw feed payloads. Safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Fetcher. The underlying client carries no global timeout;
// every attempt gets its own context deadline instead.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:      cfg.withDefaults(),
		client:   &http.Client{},
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves url, retrying transport errors, 5xx and 429 up to the
// configured budget. Other 4xx responses fail immediately. For hosts on the
// hostile list, one extra attempt is made with a browser identity before
// the failure is surfaced.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	body, err := f.fetchRetry(ctx, rawURL, headers, defaultUserAgent)
	if err == nil {
		return body, nil
	}

	if isHostile(rawURL) && rejectsIdentity(err) {
		logging.Debug("retrying with fallback identity", "url", rawURL)
		if body, ferr := f.attempt(ctx, rawURL, headers, fallbackUserAgent); ferr == nil {
			return body, nil
		}
	}
	return nil, err
}

// fetchRetry runs the attempt/backoff loop with a fixed identity.
func (f *Fetcher) fetchRetry(ctx context.Context, rawURL string, headers map[string]string, ua string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		body, err := f.attempt(ctx, rawURL, headers, ua)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// attempt performs a single request with its own deadline.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, headers map[string]string, ua string) ([]byte, error) {
	if lim := f.limiter(rawURL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// backoff computes the delay before retry n (0-based): base*2^n capped,
// plus up to 10% jitter so synchronized callers spread out.
func (f *Fetcher) backoff(n int) time.Duration {
	d := f.cfg.BackoffBase << uint(n)
	if d > f.cfg.BackoffCap || d <= 0 {
		d = f.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// sleep waits for d or until ctx is cancelled.
func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// limiter returns the per-host rate limiter, creating it on first use.
func (f *Fetcher) limiter(rawURL string) *rate.Limiter {
	if f.cfg.PerHostRPS <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.cfg.PerHostRPS), 1)
		f.limiters[u.Host] = lim
	}
	return lim
}

// isHostile reports whether the URL points at a host known to reject the
// default identity.
func isHostile(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	for _, want := range hostileHosts {
		if h == want || strings.HasSuffix(h, "."+want) {
			return true
		}
	}
	return false
}

// rejectsIdentity reports whether the error looks like an identity
// rejection rather than a transient failure.
func rejectsIdentity(err error) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	return se.Code == http.StatusForbidden || se.Code == http.StatusTooManyRequests || se.Code == http.StatusNotAcceptable
}
