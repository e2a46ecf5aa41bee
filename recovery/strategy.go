package recovery

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Action is what a Strategy decided to do with a failure.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionAbort
	ActionEscalate
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a Strategy.
type Decision struct {
	Action   Action
	Delay    time.Duration
	Strategy string
}

// Retry returns a decision to retry after delay.
func Retry(delay time.Duration, strategy string) Decision {
	return Decision{Action: ActionRetry, Delay: delay, Strategy: strategy}
}

// Abort returns a decision to stop retrying.
func Abort(strategy string) Decision {
	return Decision{Action: ActionAbort, Strategy: strategy}
}

// Escalate returns a decision to stop retrying and ask for manual intervention.
func Escalate(strategy string) Decision {
	return Decision{Action: ActionEscalate, Strategy: strategy}
}

// Strategy decides how to recover from a classified error.
type Strategy interface {
	Decide(ctx context.Context, err *ClassifiedError) Decision
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, err *ClassifiedError) Decision

// Decide calls f.
func (f StrategyFunc) Decide(ctx context.Context, err *ClassifiedError) Decision {
	return f(ctx, err)
}

// BackoffPolicy parameterizes exponential backoff.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter is the relative spread j; delays are multiplied by a uniform
	// value in [1-j, 1+j].
	Jitter     float64
	MaxRetries uint32
}

// Delay computes the delay for the given retry count; r is a uniform random
// value in [0, 1).
func (p BackoffPolicy) Delay(retry uint32, r float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	jitter := 1 - p.Jitter + 2*p.Jitter*r
	d := float64(p.InitialDelay) * math.Pow(factor, float64(retry)) * jitter
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Backoff retries with exponentially growing delays until MaxRetries is
// reached, then aborts. Successive delays for the same failure history never
// decrease.
type Backoff struct {
	Name    string
	Policy  BackoffPolicy
	Quality *Quality
	Limits  Limits
	Rand    func() float64
}

// Decide implements Strategy.
func (b *Backoff) Decide(_ context.Context, err *ClassifiedError) Decision {
	policy := b.Policy
	if b.Quality != nil {
		policy = b.Quality.Adapt(policy, b.Limits)
	}

	if err.RetryCount >= policy.MaxRetries {
		return Abort(b.name())
	}

	delay := policy.Delay(err.RetryCount, b.random())
	if last, ok := err.LastDelay(); ok && delay < last {
		delay = last
		if b.Limits.MaxDelay > 0 && delay > b.Limits.MaxDelay {
			delay = b.Limits.MaxDelay
		}
	}
	return Retry(delay, b.name())
}

func (b *Backoff) name() string {
	if b.Name != "" {
		return b.Name
	}
	return "backoff"
}

func (b *Backoff) random() float64 {
	if b.Rand != nil {
		return b.Rand()
	}
	return rand.Float64()
}

// RetryOnceThenEscalate retries a failure once and escalates afterwards.
type RetryOnceThenEscalate struct {
	Delay time.Duration
}

// Decide implements Strategy.
func (s RetryOnceThenEscalate) Decide(_ context.Context, err *ClassifiedError) Decision {
	if err.RetryCount >= 1 {
		return Escalate("retry_once")
	}
	return Retry(s.Delay, "retry_once")
}

// AbortStrategy never retries.
type AbortStrategy struct{}

// Decide implements Strategy.
func (AbortStrategy) Decide(context.Context, *ClassifiedError) Decision {
	return Abort("abort")
}
