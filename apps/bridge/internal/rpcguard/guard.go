// Package rpcguard puts a rate limiter, a circuit breaker and a per-call
// timeout in front of a chain RPC endpoint.
package rpcguard

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	Name              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// MaxConsecutiveFailures trips the breaker once exceeded.
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
}

type Guard struct {
	name           string
	timeout        time.Duration
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
}

// New creates a Guard that rate limits calls and opens its circuit after
// MaxConsecutiveFailures failures in a row.
func New(config Config, logger *zap.Logger) *Guard {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}
	if config.Burst <= 0 {
		config.Burst = 5
	}
	if config.MaxConsecutiveFailures == 0 {
		config.MaxConsecutiveFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	cbSettings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > config.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("RPC circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Guard{
		name:           config.Name,
		timeout:        config.Timeout,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}
}

// Do runs fn under the limiter and breaker. The context passed to fn carries
// the guard's timeout when one is configured.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", g.name, err)
	}

	_, err := g.circuitBreaker.Execute(func() (interface{}, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	return err
}

func (g *Guard) State() gobreaker.State {
	return g.circuitBreaker.State()
}
