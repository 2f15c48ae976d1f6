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

package cache_test

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/instance"
	"github.com/nimbussql/connector/internal/adminapi"
	"github.com/nimbussql/connector/internal/cache"
	"github.com/nimbussql/connector/internal/creds"
	"github.com/nimbussql/connector/internal/keys"
	"github.com/nimbussql/connector/internal/scheduler"
	"github.com/stretchr/testify/require"
)

// fakeScheduler gives tests full control over when a "scheduled" refresh
// actually runs, instead of racing against real timers.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeHandle
}

type fakeHandle struct {
	mu       sync.Mutex
	canceled bool
	started  bool
	delay    time.Duration
	task     func()
}

func (h *fakeHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return false
	}
	h.canceled = true
	return true
}

func (s *fakeScheduler) Schedule(delay time.Duration, task func()) scheduler.Handle {
	h := &fakeHandle{delay: delay, task: task}
	s.mu.Lock()
	s.tasks = append(s.tasks, h)
	s.mu.Unlock()
	return h
}

func (s *fakeScheduler) Close() {}

// runNext runs the oldest still-pending, non-canceled task that is due right
// away (delay <= 0) synchronously, simulating that task's timer firing. It
// reports whether it found one. No virtual time passes, so a task scheduled
// with a real delay (a proactive or failure-backoff refresh) never runs and is
// dropped from the queue.
func (s *fakeScheduler) runNext() bool {
	s.mu.Lock()
	var h *fakeHandle
	for len(s.tasks) > 0 {
		h = s.tasks[0]
		s.tasks = s.tasks[1:]
		h.mu.Lock()
		skip := h.canceled || h.delay > 0
		if !skip {
			h.started = true
		}
		h.mu.Unlock()
		if !skip {
			break
		}
		h = nil
	}
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.task()
	return true
}

type fakeFetcher struct {
	mu         sync.Mutex
	metadataFn func() (adminapi.Metadata, error)
	certFn     func() (adminapi.Certificate, error)
	calls      int32
}

func (f *fakeFetcher) FetchMetadata(context.Context, instance.Name) (adminapi.Metadata, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataFn()
}

func (f *fakeFetcher) FetchEphemeralCert(context.Context, instance.Name, *rsa.PublicKey, string) (adminapi.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.certFn()
}

type fakeCreds struct {
	tok creds.Token
	err error
}

func (f fakeCreds) DBUserToken(context.Context, string) (creds.Token, error) {
	return f.tok, f.err
}

func validMetadata() (adminapi.Metadata, error) {
	return adminapi.Metadata{
		IPAddrs: map[string]string{adminapi.Primary: "10.0.0.1"},
		Version: "POSTGRES_14",
	}, nil
}

func validCert(expiry time.Time) func() (adminapi.Certificate, error) {
	return func() (adminapi.Certificate, error) {
		return adminapi.Certificate{
			Leaf: &x509.Certificate{NotAfter: expiry},
			Raw:  []byte("fake-cert-bytes"),
		}, nil
	}
}

func newTestEntry(t *testing.T, fetcher *fakeFetcher, sched *fakeScheduler) *cache.Entry {
	t.Helper()
	name, err := instance.Parse("proj:region:inst")
	require.NoError(t, err)
	return cache.NewEntry(cache.Options{
		Name:     name,
		AuthType: cache.AuthPassword,
		DialerID: "test-dialer",
		KeyPair:  keys.NewSource(),
		Creds:    fakeCreds{},
		Fetcher:  fetcher,
		Sched:    sched,
	})
}

func TestGetInstanceDataBlocksUntilFirstRefresh(t *testing.T) {
	sched := &fakeScheduler{}
	fetcher := &fakeFetcher{
		metadataFn: validMetadata,
		certFn:     validCert(time.Now().Add(time.Hour)),
	}
	e := newTestEntry(t, fetcher, sched)

	resultCh := make(chan cache.InstanceData, 1)
	go func() {
		data, err := e.GetInstanceData(context.Background())
		require.NoError(t, err)
		resultCh <- data
	}()

	select {
	case <-resultCh:
		t.Fatal("GetInstanceData returned before the first refresh ran")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, sched.runNext())

	select {
	case data := <-resultCh:
		require.Equal(t, "10.0.0.1", data.IPAddrs[adminapi.Primary])
		require.Equal(t, "POSTGRES_14", data.Version)
	case <-time.After(time.Second):
		t.Fatal("GetInstanceData did not return after the refresh completed")
	}
}

func TestForceRefreshCoalescesConcurrentCalls(t *testing.T) {
	sched := &fakeScheduler{}
	fetcher := &fakeFetcher{
		metadataFn: validMetadata,
		certFn:     validCert(time.Now().Add(time.Hour)),
	}
	e := newTestEntry(t, fetcher, sched)
	require.True(t, sched.runNext()) // complete the first refresh

	before := atomic.LoadInt32(&fetcher.calls)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ForceRefresh(context.Background())
			require.NoError(t, err)
		}()
	}

	require.Eventually(t, sched.runNext, time.Second, time.Millisecond,
		"expected exactly one more refresh to be pending")
	wg.Wait()

	require.False(t, sched.runNext(), "expected no additional refresh beyond the coalesced one")
	require.Equal(t, before+1, atomic.LoadInt32(&fetcher.calls))
}

func TestFailedRefreshPreservesValidData(t *testing.T) {
	sched := &fakeScheduler{}
	expiry := time.Now().Add(time.Hour)
	var failNext int32
	fetcher := &fakeFetcher{
		metadataFn: func() (adminapi.Metadata, error) {
			if atomic.LoadInt32(&failNext) == 1 {
				return adminapi.Metadata{}, errtype.NewRefreshError(errtype.KindTransientAPI, "boom", "proj:region:inst", nil)
			}
			return validMetadata()
		},
		certFn: validCert(expiry),
	}
	e := newTestEntry(t, fetcher, sched)
	require.True(t, sched.runNext())

	data, err := e.GetInstanceData(context.Background())
	require.NoError(t, err)
	require.Equal(t, expiry.Unix(), data.Expiration.Unix())

	atomic.StoreInt32(&failNext, 1)

	var wg sync.WaitGroup
	var forceErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, forceErr = e.ForceRefresh(context.Background())
	}()
	require.Eventually(t, sched.runNext, time.Second, time.Millisecond) // runs the now-failing refresh
	wg.Wait()
	require.Error(t, forceErr, "the forced refresh should surface its own failure to the caller")

	data2, err := e.GetInstanceData(context.Background())
	require.NoError(t, err, "a failed background refresh must not evict still-valid data")
	require.Equal(t, data.Expiration, data2.Expiration)
}

func TestTerminateUnblocksWaiters(t *testing.T) {
	sched := &fakeScheduler{}
	fetcher := &fakeFetcher{
		metadataFn: validMetadata,
		certFn:     validCert(time.Now().Add(time.Hour)),
	}
	e := newTestEntry(t, fetcher, sched)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.GetInstanceData(context.Background())
		errCh <- err
	}()

	e.Terminate()

	select {
	case err := <-errCh:
		var closedErr *errtype.EntryClosedError
		require.True(t, errors.As(err, &closedErr))
	case <-time.After(time.Second):
		t.Fatal("Terminate did not unblock a waiting GetInstanceData")
	}

	_, err := e.GetInstanceData(context.Background())
	require.Error(t, err)
}

func TestIAMUnsupportedEngineFailsRefresh(t *testing.T) {
	sched := &fakeScheduler{}
	fetcher := &fakeFetcher{
		metadataFn: func() (adminapi.Metadata, error) {
			return adminapi.Metadata{
				IPAddrs: map[string]string{adminapi.Primary: "10.0.0.1"},
				Version: "SQLSERVER_2019_STANDARD",
			}, nil
		},
		certFn: validCert(time.Now().Add(time.Hour)),
	}
	name, err := instance.Parse("proj:region:inst")
	require.NoError(t, err)
	e := cache.NewEntry(cache.Options{
		Name:     name,
		AuthType: cache.AuthIAM,
		KeyPair:  keys.NewSource(),
		Creds:    fakeCreds{tok: creds.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}},
		Fetcher:  fetcher,
		Sched:    sched,
	})

	resultCh := make(chan error, 1)
	go func() {
		_, err := e.GetInstanceData(context.Background())
		resultCh <- err
	}()
	require.True(t, sched.runNext())

	err = <-resultCh
	require.Error(t, err)
	var refErr *errtype.RefreshError
	require.True(t, errors.As(err, &refErr))
	require.Equal(t, errtype.KindIAMUnsupported, refErr.Kind)
}
