/*
 *
 * Copyright 2017 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package backoff implements the backoff strategy used for retrying
// reconnection attempts to xDS management servers.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the methodology for backing off after a grpc connection
// failure.
type Strategy interface {
	// Backoff returns the amount of time to wait before the next retry,
	// given the number of consecutive failures, retries starting at 0.
	Backoff(retries int) time.Duration
}

// DefaultExponential is a Strategy that uses the values specified in §4.3 of
// the spec: initial backoff of 1s, growth factor of 1.6, max backoff of
// 120s, and jitter of 0.2.
var DefaultExponential = Exponential{Config: Config{
	BaseDelay:  1.0 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}}

// Config defines the configuration options for backoff.
type Config struct {
	// BaseDelay is the amount of time to wait before retrying for the first
	// time.
	BaseDelay time.Duration
	// Multiplier is the factor with which to multiply backoffs after a
	// failed retry.
	Multiplier float64
	// Jitter is the factor with which backoffs are randomized.
	Jitter float64
	// MaxDelay is the upper bound of backoff delay.
	MaxDelay time.Duration
}

// Exponential implements exponential backoff algorithm as defined in the
// config.
type Exponential struct {
	// Config contains all options to configure the backoff algorithm.
	Config Config
}

// Backoff returns the amount of time to wait before the next retry given the
// number of retries.
func (bc Exponential) Backoff(retries int) time.Duration {
	if retries == 0 {
		return bc.Config.BaseDelay
	}
	backoff, max := float64(bc.Config.BaseDelay), float64(bc.Config.MaxDelay)
	for backoff < max && retries > 0 {
		backoff *= bc.Config.Multiplier
		retries--
	}
	if backoff > max {
		backoff = max
	}
	// Randomize backoff delays so that if a cluster of requests start at
	// the same time, they won't operate in lockstep.
	backoff *= 1 + bc.Config.Jitter*(rand.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// ResettableStrategy wraps a Strategy and supports resetting the retry
// counter back to zero, used by RetryableCall after a call has received at
// least one successful response.
type ResettableStrategy struct {
	strategy Strategy
	retries  int
}

// NewResettable returns a ResettableStrategy wrapping s.
func NewResettable(s Strategy) *ResettableStrategy {
	return &ResettableStrategy{strategy: s}
}

// Next returns the backoff duration for the current retry count and
// advances the counter.
func (r *ResettableStrategy) Next() time.Duration {
	d := r.strategy.Backoff(r.retries)
	r.retries++
	return d
}

// Reset sets the next call to Next to behave as though no retries have
// occurred.
func (r *ResettableStrategy) Reset() {
	r.retries = 0
}
