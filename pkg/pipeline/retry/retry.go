package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/core"
	"golang.org/x/time/rate"
)

type Options struct {
	// MaxRetries is the number of extra attempts after the first for transient failures.
	MaxRetries     int
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all calls made through the Policy. Set to <=0 to disable.
	RateLimitRPS float64

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, sleep time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	return o
}

// Policy runs calls with a per-request timeout, an optional shared rate limit and
// bounded retries of transient failures. A Policy is safe for concurrent use.
type Policy struct {
	opts    Options
	limiter *rate.Limiter
}

func New(opts Options) *Policy {
	opts = opts.withDefaults()
	p := &Policy{opts: opts}
	if opts.RateLimitRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return p
}

// Options returns the effective options after defaults.
func (p *Policy) Options() Options {
	return p.opts
}

// Do invokes fn until it succeeds, fails permanently, or the retry budget is spent.
// The last error from fn is returned unchanged so callers can classify it.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	if p == nil {
		p = New(Options{})
	}
	opts := p.opts

	var lastOut T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastOut, err
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return lastOut, err
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
		result, err := fn(reqCtx)
		cancel()
		lastOut = result
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return lastOut, ctx.Err()
		}
		if ctx.Err() != nil {
			return lastOut, err
		}
		if !core.IsTransient(err) || attempt >= opts.MaxRetries {
			return lastOut, err
		}

		sleep := backoffSleep(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, sleep, err)
		}
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastOut, ctx.Err()
		}
	}
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
