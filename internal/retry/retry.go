/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retry provides bounded exponential backoff for node API calls.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	// InitialRetryDelay is the initial delay before the first retry
	InitialRetryDelay = 500 * time.Millisecond

	// MaxRetryDelay is the maximum delay between retries
	MaxRetryDelay = 10 * time.Second

	// BackoffMultiplier is the factor by which the delay increases
	BackoffMultiplier = 2.0

	// JitterFactor is the maximum random jitter as a fraction of the delay
	JitterFactor = 0.1

	// MaxRetryCount is the number of retries after the first attempt
	MaxRetryCount = 3

	// CallTimeout bounds a single attempt
	CallTimeout = 30 * time.Second
)

// Config holds configuration for retry behavior
type Config struct {
	// InitialDelay is the initial delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64

	// JitterFactor is the maximum random jitter as a fraction of the delay
	JitterFactor float64

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// CallTimeout bounds each attempt; zero leaves the caller's deadline in place
	CallTimeout time.Duration
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
		Multiplier:   BackoffMultiplier,
		JitterFactor: JitterFactor,
		MaxRetries:   MaxRetryCount,
		CallTimeout:  CallTimeout,
	}
}

// NoRetry returns a copy of the config that makes exactly one attempt under
// CallTimeout. Generate-root and token creation use it: a replayed request
// could advance a ceremony or mint an unrecorded token.
func (c Config) NoRetry() Config {
	c.MaxRetries = 0
	return c
}

// CalculateBackoff calculates the backoff duration for a given retry count
func (c Config) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return c.InitialDelay
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(retryCount))

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		jitter := delay * c.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}

	if delay < float64(c.InitialDelay) {
		delay = float64(c.InitialDelay)
	}

	return time.Duration(delay)
}

// Result represents the result of a retry decision
type Result struct {
	// Retry indicates whether the operation should run again
	Retry bool

	// After is the duration to wait before the next attempt
	After time.Duration

	// RetryCount is the updated retry count
	RetryCount int

	// GiveUp indicates whether to stop retrying
	GiveUp bool
}

// ShouldRetry determines whether and when to retry based on the error
func ShouldRetry(err error, currentRetryCount int, config Config) Result {
	if err == nil {
		return Result{}
	}

	if !IsRetryableError(err) {
		return Result{RetryCount: currentRetryCount, GiveUp: true}
	}

	newRetryCount := currentRetryCount + 1
	if newRetryCount > config.MaxRetries {
		return Result{RetryCount: newRetryCount, GiveUp: true}
	}

	return Result{
		Retry:      true,
		After:      config.CalculateBackoff(currentRetryCount),
		RetryCount: newRetryCount,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. Each attempt gets its own CallTimeout-bounded context.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	retryCount := 0
	for {
		err := attempt(ctx, cfg, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		}

		decision := ShouldRetry(err, retryCount, cfg)
		if decision.GiveUp {
			if decision.RetryCount > cfg.MaxRetries && cfg.MaxRetries > 0 {
				return fmt.Errorf("%s failed after %d attempts: %w", operation, decision.RetryCount, err)
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		retryCount = decision.RetryCount
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled after %d attempts: %w", operation, retryCount, ctx.Err())
		case <-time.After(decision.After):
		}
	}
}

func attempt(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
