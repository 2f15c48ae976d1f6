// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry wraps control-plane API calls in bounded exponential backoff
// with jitter, using github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"errors"
	"time"

	backoffpkg "github.com/cenkalti/backoff/v4"
	"github.com/nimbussql/connector/errtype"
)

// Policy configures the bounded exponential backoff applied to each retried
// API call.
type Policy struct {
	// MaxAttempts bounds the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the initial backoff interval.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration
}

// DefaultPolicy: 5 attempts, 100ms base, capped at 5s. Do applies a 2x
// factor and +/-20% jitter through backoff.ExponentialBackOff's Multiplier
// and RandomizationFactor.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// permanentErrorKinds never benefit from a retry: the request is fundamentally
// invalid or the caller lacks access, so trying again just wastes an API
// quota unit.
var permanentErrorKinds = map[errtype.Kind]bool{
	errtype.KindNotAuthorized: true,
	errtype.KindNotFound:      true,
}

// Do runs fn, retrying on any error whose Kind is not in permanentErrorKinds,
// up to p.MaxAttempts times with exponential backoff and jitter. It stops
// early if ctx is canceled or fn returns a permanent error.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	b := backoffpkg.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed time
	bctx := backoffpkg.WithContext(b, ctx)

	var result T
	var attempts int
	op := func() error {
		attempts++
		var err error
		result, err = fn(ctx)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoffpkg.Permanent(err)
		}
		if attempts >= p.MaxAttempts {
			return backoffpkg.Permanent(err)
		}
		return err
	}

	if err := backoffpkg.Retry(op, bctx); err != nil {
		var perm *backoffpkg.PermanentError
		if errors.As(err, &perm) {
			return result, perm.Err
		}
		return result, err
	}
	return result, nil
}

func isPermanent(err error) bool {
	var cfgErr *errtype.ConfigError
	if errors.As(err, &cfgErr) {
		return true
	}
	var refErr *errtype.RefreshError
	if errors.As(err, &refErr) {
		return permanentErrorKinds[refErr.Kind]
	}
	return false
}
