package reasoning

import (
	"context"
	"errors"
	"time"

	"github.com/harunnryd/callshield/pkg/resilience"
)

// ErrCircuitOpen is returned while the breaker is cooling down after
// repeated rate-limit failures.
var ErrCircuitOpen = errors.New("reasoning circuit open")

// ResilientConfig tunes the retry and circuit-breaker behavior.
type ResilientConfig struct {
	MaxRetries        int
	BackoffMS         int
	CircuitThreshold  int
	CircuitCooldownMS int
}

// ResilientAnalyzer wraps an Analyzer with a retry policy for transient
// failures and a circuit breaker that opens after repeated rate limits.
// While the circuit is open, calls fail fast so a throttled vendor is not
// hammered with transcript windows it will reject anyway.
type ResilientAnalyzer struct {
	inner   Analyzer
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
}

func NewResilientAnalyzer(inner Analyzer, cfg ResilientConfig) *ResilientAnalyzer {
	return &ResilientAnalyzer{
		inner: inner,
		retry: resilience.NewRetryPolicy(cfg.MaxRetries, time.Duration(cfg.BackoffMS)*time.Millisecond),
		breaker: resilience.NewCircuitBreaker(cfg.CircuitThreshold,
			time.Duration(cfg.CircuitCooldownMS)*time.Millisecond),
	}
}

func (r *ResilientAnalyzer) Name() string { return r.inner.Name() }

func (r *ResilientAnalyzer) Analyze(ctx context.Context, transcript string) (Assessment, error) {
	if !r.breaker.Allow() {
		return Assessment{}, ErrCircuitOpen
	}
	var out Assessment
	err := r.retry.Do(func() error {
		var innerErr error
		out, innerErr = r.inner.Analyze(ctx, transcript)
		return innerErr
	})
	if err != nil {
		r.breaker.OnError(err)
		return Assessment{}, err
	}
	r.breaker.OnSuccess()
	return out, nil
}

var _ Analyzer = (*ResilientAnalyzer)(nil)
