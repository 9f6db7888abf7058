package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"time"
)

// ErrExhausted is returned when all attempts of a retryable operation failed.
var ErrExhausted = errors.New("retries exhausted")

// Kind is the classified outcome of one attempt.
type Kind int

const (
	KindOK Kind = iota
	KindRetryable
	KindRateLimited
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetryable:
		return "retryable"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind Kind
	Err  error
	// Hint is a server-provided minimum delay (e.g., Retry-After). Zero if none.
	Hint time.Duration
}

// Classify maps an error to an Outcome.
//
// Errors may opt in through methods:
//   - RateLimited() bool
//   - Retryable() bool
//   - RetryDelay() time.Duration (minimum wait before the next attempt)
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindOK}
	}

	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: KindFatal, Err: err}
	}

	var hint time.Duration
	var h interface{ RetryDelay() time.Duration }
	if errors.As(err, &h) {
		hint = h.RetryDelay()
	}

	var rl interface{ RateLimited() bool }
	if errors.As(err, &rl) && rl.RateLimited() {
		return Outcome{Kind: KindRateLimited, Err: err, Hint: hint}
	}

	var rt interface{ Retryable() bool }
	if errors.As(err, &rt) {
		if rt.Retryable() {
			return Outcome{Kind: KindRetryable, Err: err, Hint: hint}
		}
		return Outcome{Kind: KindFatal, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Outcome{Kind: KindRetryable, Err: err}
	}
	// Per-request timeouts are transient; the caller's own deadline is
	// checked by Runner.Do before classification matters.
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: KindRetryable, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Outcome{Kind: KindRetryable, Err: err}
	}

	return Outcome{Kind: KindFatal, Err: err}
}

// Policy bounds retries with capped, jittered exponential backoff.
type Policy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Cap for any single delay
	Jitter      float64       // Fraction in [0, 1]; delay varies by +/- Jitter
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.5,
	}
}

// Decision is what to do after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns whether attempt (1-based, the one that just failed) should be
// followed by another and how long to wait first. rnd must return a value in
// [0, 1); pass nil for no jitter.
//
// Rate-limited attempts get twice the attempt budget of transient failures.
func (p Policy) Decide(attempt int, o Outcome, rnd func() float64) Decision {
	switch o.Kind {
	case KindOK, KindFatal:
		return Decision{}
	case KindRateLimited:
		if attempt >= p.MaxAttempts*2 {
			return Decision{}
		}
	default:
		if attempt >= p.MaxAttempts {
			return Decision{}
		}
	}

	d := p.backoff(attempt)
	if p.Jitter > 0 && rnd != nil {
		// Scale into [d*(1-J), d*(1+J)].
		f := 1 - p.Jitter + 2*p.Jitter*rnd()
		d = time.Duration(float64(d) * f)
	}
	if d > p.MaxDelay && p.MaxDelay > 0 {
		d = p.MaxDelay
	}
	if d < o.Hint {
		d = o.Hint
	}

	return Decision{Retry: true, Delay: d}
}

// backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Notify is called before each retry sleep.
type Notify func(attempt int, o Outcome, delay time.Duration)

// Runner executes operations under a Policy.
type Runner struct {
	Policy Policy
	Sleep  Sleeper
	Rand   func() float64
	Notify Notify
}

// NewRunner creates a Runner with real sleeps and jitter.
func NewRunner(p Policy) *Runner {
	return &Runner{
		Policy: p,
		Sleep:  Sleep,
		Rand:   rand.Float64,
	}
}

// Do calls fn until it succeeds, fails fatally, or the policy gives up.
// The number of attempts made is returned alongside the final error.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		o := Classify(err)
		if o.Kind == KindOK {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		d := r.Policy.Decide(attempt, o, r.Rand)
		if !d.Retry {
			if o.Kind == KindFatal {
				return attempt, err
			}
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		if r.Notify != nil {
			r.Notify(attempt, o, d.Delay)
		}

		if err := sleep(ctx, d.Delay); err != nil {
			return attempt, err
		}
	}
}
