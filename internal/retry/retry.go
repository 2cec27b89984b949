// Package retry provides the supervisor's retry fabric: a generic helper
// that drives a fallible, idempotent async operation to success, applying
// a backoff policy and emitting structured log messages on every failure.
//
// Only idempotent operations are wrapped here — chain reads and HTTP GETs
// qualify; file writes and process spawns do not, and callers must not
// wrap them with Do.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy produces the sequence of delays Do waits between attempts. Next
// returns the delay before the (attempt+1)th retry (attempt is 0-indexed,
// i.e. Next(0) is the delay after the first failure) and whether another
// attempt is permitted at all.
type Policy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// constantUnbounded retries forever with a fixed, jittered delay. Used for
// the initial chain connection: the supervisor has nothing useful to do
// until a chain session exists, so it waits as long as it takes.
type constantUnbounded struct {
	base time.Duration
}

func (p constantUnbounded) Next(int) (time.Duration, bool) {
	return jitter(p.base), true
}

// ConstantUnbounded returns a Policy that retries forever with delay base
// (± jitter) between attempts.
func ConstantUnbounded(base time.Duration) Policy {
	return constantUnbounded{base: base}
}

// bounded retries with exponentially increasing delay (doubling, capped at
// max) up to a fixed number of attempts, after which Next reports no
// further attempts are permitted and Do surfaces the last error.
type bounded struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

func (p bounded) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.attempts {
		return 0, false
	}
	d := p.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > p.max {
			d = p.max
			break
		}
	}
	return jitter(d), true
}

// Bounded returns a Policy that retries up to attempts times with
// exponential backoff from base, capped at max.
func Bounded(base, max time.Duration, attempts int) Policy {
	return bounded{base: base, max: max, attempts: attempts}
}

// jitterFraction adds up to ±20% random jitter to each delay, the same
// fraction used to avoid thundering-herd reconnects in the connection
// fabric this package generalizes.
const jitterFraction = 0.2

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// Do drives op to success according to policy, logging logMsg (with the
// attempt number and error) on every failure. It returns the first
// successful result, or the most recent error once policy reports no
// further attempts are permitted. Do returns immediately with ctx.Err() if
// ctx is cancelled while waiting between attempts.
func Do[T any](ctx context.Context, policy Policy, logMsg string, logger *zap.Logger, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempt := 0
	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		delay, ok := policy.Next(attempt)
		if !ok {
			logger.Warn(logMsg,
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			return zero, err
		}

		logger.Warn(logMsg,
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}
