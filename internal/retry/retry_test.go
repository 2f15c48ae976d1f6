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

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/internal/retry"
	"github.com/stretchr/testify/require"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	got, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errtype.NewRefreshError(errtype.KindTransientAPI, "temporary", "p:r:i", nil)
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	var calls int
	permErr := errtype.NewRefreshError(errtype.KindNotAuthorized, "denied", "p:r:i", nil)
	_, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, permErr
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "a permanent error must not be retried")
	require.ErrorIs(t, err, permErr)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var calls int
	transientErr := errtype.NewRefreshError(errtype.KindTransientAPI, "temporary", "p:r:i", nil)
	_, err := retry.Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, transientErr
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := retry.Do(ctx, fastPolicy(), func(context.Context) (int, error) {
		return 0, errtype.NewRefreshError(errtype.KindTransientAPI, "temporary", "p:r:i", nil)
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
