// Package httpx provides the rate-limited HTTP client all upstream
// data sources go through: response caching with stale fallback,
// per-host concurrency caps with FIFO admission, optional request
// pacing, and retries with full-jitter backoff.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// Client is the shared upstream HTTP client.
type Client struct {
	rest       *resty.Client
	cache      Cache
	ttl        time.Duration
	retry      RetryConfig
	maxPerHost int64
	pace       *rate.Limiter

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted

	log zerolog.Logger
}

// New creates a client from config. Pass a nil cache to default to the
// in-process tier.
func New(cfg config.HTTPConfig, cache Cache) *Client {
	if cache == nil {
		cache = NewMemoryCache(cfg.CacheTTL, 0)
	}

	rest := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("User-Agent", "crossyield/"+config.Version).
		SetHeader("Accept", "application/json")

	// Pacing applies across all hosts; the APIs this client talks to
	// share upstream rate plans, not per-host ones.
	var pace *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		pace = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Client{
		rest:       rest,
		cache:      cache,
		ttl:        cfg.CacheTTL,
		maxPerHost: cfg.MaxPerHost,
		pace:       pace,
		retry: RetryConfig{
			MaxAttempts: cfg.RetryAttempts,
			BaseBackoff: cfg.RetryBase,
			MaxBackoff:  cfg.RetryCap,
		},
		hosts: make(map[string]*semaphore.Weighted),
		log:   config.NewLogger("httpx"),
	}
}

// Get fetches a URL, serving from cache when fresh. When a refresh
// fails and an expired entry is still around, the stale body is served
// instead of the error so one upstream outage does not blind the feed.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	key, host, err := CacheKey(rawURL)
	if err != nil {
		return nil, errs.UpstreamFatal("invalid url", err)
	}

	cached, haveCached := c.cache.Get(ctx, key)
	if haveCached && cached.Fresh(c.ttl, time.Now()) {
		metrics.RecordCacheHit(c.cache.Tier())
		return cached.Body, nil
	}
	metrics.RecordCacheMiss(c.cache.Tier())

	body, err := c.fetch(ctx, rawURL, host)
	if err != nil {
		if errs.IsKind(err, errs.KindCancelled) {
			return nil, err
		}
		if haveCached {
			metrics.CacheStaleServed.Inc()
			c.log.Warn().
				Str("host", host).
				Err(err).
				Time("fetched_at", cached.FetchedAt).
				Msg("Refresh failed, serving stale cached response")
			return cached.Body, nil
		}
		return nil, err
	}

	c.cache.Set(ctx, key, &CacheEntry{
		Body:      body,
		Status:    http.StatusOK,
		FetchedAt: time.Now().UTC(),
	})
	return body, nil
}

// GetJSON fetches a URL and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out interface{}) error {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.UpstreamFatal("invalid response body", err)
	}
	return nil
}

// fetch performs the rate-limited, retried request.
func (c *Client) fetch(ctx context.Context, rawURL, host string) ([]byte, error) {
	sem := c.hostSem(host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Cancelled(err)
	}
	defer sem.Release(1)

	label := metrics.NormalizeHost(host)
	metrics.HostInFlight.WithLabelValues(label).Inc()
	defer metrics.HostInFlight.WithLabelValues(label).Dec()

	retry := c.retry
	retry.OnRetry = func(int, error) { metrics.RecordUpstreamRetry(host) }

	var body []byte
	err := WithRetry(ctx, retry, func() error {
		if c.pace != nil {
			if err := c.pace.Wait(ctx); err != nil {
				return errs.Cancelled(err)
			}
		}

		start := time.Now()
		resp, err := c.rest.R().SetContext(ctx).Get(rawURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errs.Cancelled(ctxErr)
			}
			metrics.RecordUpstreamError(host, err)
			return errs.Upstream("request failed", err)
		}

		status := resp.StatusCode()
		metrics.RecordUpstreamRequest(host, status, float64(time.Since(start).Milliseconds()))

		switch {
		case resp.IsSuccess():
			body = resp.Body()
			return nil
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			statusErr := errs.Upstream(fmt.Sprintf("status %d", status), nil)
			metrics.RecordUpstreamError(host, statusErr)
			return statusErr
		default:
			statusErr := errs.UpstreamFatal(fmt.Sprintf("status %d", status), nil)
			metrics.RecordUpstreamError(host, statusErr)
			return statusErr
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// hostSem returns the admission semaphore for a host. Waiters are
// admitted in arrival order.
func (c *Client) hostSem(host string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(c.maxPerHost)
		c.hosts[host] = sem
	}
	return sem
}
