// ABOUTME: Fee-market-aware submission wrapper with bounded retry and fee escalation.
// ABOUTME: Retriable failures escalate the offered fee and back off; terminal failures abort immediately.
package ledger

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

// BackoffConfig controls delay timing between submission retries.
type BackoffConfig struct {
	InitialDelay time.Duration // default 250ms
	Factor       float64       // default 2.0
	MaxDelay     time.Duration // default 10s
	Jitter       bool          // default true
}

// DelayForAttempt calculates the delay for a given attempt number (0-indexed):
// InitialDelay * Factor^attempt, capped at MaxDelay. With Jitter the delay is
// randomized in [0, calculated_delay].
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	maxNanos := float64(b.MaxDelay.Nanoseconds())
	delayNanos := math.Min(baseNanos, maxNanos)

	if b.Jitter {
		delayNanos = rand.Float64() * delayNanos
	}

	return time.Duration(int64(delayNanos))
}

// SenderConfig parameterizes fee escalation and the retry budget. One config
// is injected into every submission call site rather than re-implementing
// retry loops per site.
type SenderConfig struct {
	// MaxAttempts bounds total attempts, including the first. Minimum 1.
	MaxAttempts int

	// FeeMultiplier scales the fee-market baseline on the first attempt.
	FeeMultiplier float64

	// EscalationFactor multiplies the effective multiplier on every retry.
	EscalationFactor float64

	// PriorityPremium is a flat amount added on top of the scaled baseline.
	PriorityPremium decimal.Decimal

	Backoff BackoffConfig
}

// DefaultSenderConfig returns the standard submission policy: 3 attempts,
// 1.2x baseline start, 1.5x escalation per retry.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxAttempts:      3,
		FeeMultiplier:    1.2,
		EscalationFactor: 1.5,
		PriorityPremium:  decimal.NewFromInt(1),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Factor:       2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

// Sender submits a single ledger operation with fee-market-aware retry.
// This is the defense against one identity submitting overlapping operations
// whose fee ordering the network has not yet resolved: fee-too-low,
// conflicting-pending, and stale-sequence failures each consume a retry
// attempt at an escalated fee; anything else aborts immediately.
type Sender struct {
	client Client
	config SenderConfig

	// OnRetry, when set, is invoked before each retry sleep with the
	// identity, the completed attempt number (1-indexed), the fee that
	// failed, and the error that triggered the retry.
	OnRetry func(id Identity, attempt int, fee decimal.Decimal, err error)
}

// NewSender creates a Sender with the given client and config. Zero-valued
// config fields are filled from DefaultSenderConfig.
func NewSender(client Client, config SenderConfig) *Sender {
	def := DefaultSenderConfig()
	if config.MaxAttempts < 1 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.FeeMultiplier <= 0 {
		config.FeeMultiplier = def.FeeMultiplier
	}
	if config.EscalationFactor <= 0 {
		config.EscalationFactor = def.EscalationFactor
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff = def.Backoff
	}
	return &Sender{client: client, config: config}
}

// Send submits op with an escalating fee until it is accepted, a terminal
// failure occurs, or the attempt budget is spent. The fee for each attempt
// is baseline * multiplier + premium, with the multiplier escalating on
// every retriable failure; each retry fee is additionally floored at the
// previous fee times the escalation factor, so the premium cannot dilute
// the escalation. Returns the confirmed receipt on success; on exhaustion
// the returned error wraps the last retriable failure.
func (s *Sender) Send(ctx context.Context, id Identity, op func(fee decimal.Decimal) (Receipt, error)) (Receipt, error) {
	multiplier := decimal.NewFromFloat(s.config.FeeMultiplier)
	factor := decimal.NewFromFloat(s.config.EscalationFactor)
	var prevFee decimal.Decimal
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}

		baseline, err := s.client.FeeBaseline(ctx)
		if err != nil {
			return Receipt{}, fmt.Errorf("read fee baseline: %w", err)
		}

		fee := baseline.Mul(multiplier).Add(s.config.PriorityPremium)
		if attempt > 1 {
			if floor := prevFee.Mul(factor); fee.LessThan(floor) {
				fee = floor
			}
		}

		receipt, err := op(fee)
		if err == nil {
			return receipt, nil
		}

		if !Retryable(err) {
			return Receipt{}, err
		}

		lastErr = err
		prevFee = fee
		multiplier = multiplier.Mul(factor)

		if attempt < s.config.MaxAttempts {
			if s.OnRetry != nil {
				s.OnRetry(id, attempt, fee, err)
			}
			sleepWithContext(ctx, s.config.Backoff.DelayForAttempt(attempt-1))
		}
	}

	return Receipt{}, &SubmissionExhaustedError{
		LedgerError: LedgerError{
			Message: fmt.Sprintf("submission exhausted for %s after %d attempt(s)", id.Name, s.config.MaxAttempts),
			Cause:   lastErr,
		},
		Identity: id.Name,
		Attempts: s.config.MaxAttempts,
	}
}

// sleepWithContext sleeps for the given duration, returning early if the
// context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
