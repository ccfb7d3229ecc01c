package xsaga

import (
	"errors"
	"math"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 30 * time.Second
)

// Classifier decides whether a failed attempt should be retried.
type Classifier func(err error) bool

// RetryPolicy bounds transient-failure retries. The attempt count is carried
// in envelope metadata, not external state; redelivery is a delayed
// transport publish, never a busy loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Classifier distinguishes retryable failures. Nil means
	// DefaultClassifier.
	Classifier Classifier
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Classifier == nil {
		p.Classifier = DefaultClassifier
	}
	return p
}

// Delay returns min(base * multiplier^(attempt-1), maxDelay) for a 1-based
// attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether err should be retried under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	c := p.Classifier
	if c == nil {
		c = DefaultClassifier
	}
	return c(err)
}

// DefaultClassifier treats concurrency conflicts and transient faults as
// retryable, correlation misses as retryable with limit (the initiating
// message may be in flight), and everything else, validation rejections and
// domain errors included, as terminal.
func DefaultClassifier(err error) bool {
	var (
		concurrency *ConcurrencyError
		transient   *TransientError
		correlation *CorrelationError
	)
	switch {
	case errors.As(err, &concurrency):
		return true
	case errors.As(err, &transient):
		return true
	case errors.As(err, &correlation):
		return true
	default:
		return false
	}
}

// StrictClassifier dead-letters correlation misses immediately, for
// deployments where out-of-order arrival means loss rather than delay.
func StrictClassifier(err error) bool {
	var correlation *CorrelationError
	if errors.As(err, &correlation) {
		return false
	}
	return DefaultClassifier(err)
}
