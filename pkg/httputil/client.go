package httputil

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ClientOptions configures NewClient.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// Retries applies to idempotent reads only. Clients that send messages keep it at 0.
	Retries int
	Headers map[string]string
}

// NewClient returns a resty client with the shared defaults.
func NewClient(opts ClientOptions) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "omnidesk/1.0")
	if opts.BaseURL != "" {
		client.SetBaseURL(opts.BaseURL)
	}
	for k, v := range opts.Headers {
		client.SetHeader(k, v)
	}
	if opts.Retries > 0 {
		client.SetRetryCount(opts.Retries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() == 429 || r.StatusCode() >= 500
			})
	}
	return client
}

// Limiter hands out one token bucket per key, e.g. per channel.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLimiter creates a keyed limiter. A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Inf
	if rps > 0 {
		l = rate.Limit(rps)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      l,
		burst:    burst,
	}
}

// Wait blocks until key may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Allow reports whether key may proceed now without blocking.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.limiters[key]
	if !ok {
		rl = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = rl
	}
	return rl
}
