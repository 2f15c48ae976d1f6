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

package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbussql/connector/internal/scheduler"
	"github.com/stretchr/testify/require"
)

func TestScheduleRunsTask(t *testing.T) {
	s := scheduler.New()
	defer s.Close()

	var ran int32
	done := make(chan struct{})
	s.Schedule(time.Millisecond, func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestCancelPreventsTask(t *testing.T) {
	s := scheduler.New()
	defer s.Close()

	var ran int32
	h := s.Schedule(50*time.Millisecond, func() {
		atomic.StoreInt32(&ran, 1)
	})
	require.True(t, h.Cancel())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCloseStopsFutureTasks(t *testing.T) {
	s := scheduler.New()

	var ran int32
	s.Schedule(50*time.Millisecond, func() {
		atomic.StoreInt32(&ran, 1)
	})
	s.Close()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran), "Close must prevent tasks scheduled before it from running")

	h := s.Schedule(0, func() { atomic.StoreInt32(&ran, 1) })
	require.False(t, h.Cancel(), "a handle returned after Close should report nothing to cancel")
}
