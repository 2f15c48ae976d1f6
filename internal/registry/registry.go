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

// Package registry owns the set of live instance cache entries for a single
// Dialer: one *cache.Entry per instance connection name, created on first
// use and torn down together on Close.
package registry

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/instance"
	"github.com/nimbussql/connector/internal/cache"
	"github.com/nimbussql/connector/internal/keys"
	"github.com/nimbussql/connector/internal/scheduler"
)

// Logger is the subset of logging the registry and the entries it creates
// need.
type Logger interface {
	Errorf(format string, args ...interface{})
}

// Registry creates and caches one cache.Entry per instance, keyed by its
// connection name, and arbitrates entry creation so two concurrent dials of
// the same not-yet-seen instance start exactly one refresh cycle.
type Registry struct {
	dialerID string
	authType cache.AuthType
	keyPair  *keys.Source
	creds    cache.CredsSource
	fetcher  cache.Fetcher
	sched    scheduler.Scheduler
	logger   Logger

	mu      sync.Mutex
	entries map[string]*cache.Entry
	closed  bool
}

// Options configures a new Registry. All fields except Logger are required;
// with a nil Logger, swallowed refresh failures go unreported. Creds and
// Fetcher are declared as the same narrow interfaces cache.Entry depends on,
// rather than the concrete *creds.Source / *adminapi.Fetcher, so tests can
// substitute fakes without standing up real control-plane plumbing.
type Options struct {
	DialerID string
	AuthType cache.AuthType
	KeyPair  *keys.Source
	Creds    cache.CredsSource
	Fetcher  cache.Fetcher
	Sched    scheduler.Scheduler
	Logger   Logger
}

// New returns an empty Registry. Entries are created lazily by Connect.
func New(o Options) *Registry {
	return &Registry{
		dialerID: o.DialerID,
		authType: o.AuthType,
		keyPair:  o.KeyPair,
		creds:    o.Creds,
		fetcher:  o.Fetcher,
		sched:    o.Sched,
		logger:   o.Logger,
		entries:  make(map[string]*cache.Entry),
	}
}

// entryFor returns the entry for inst, creating it (and starting its first
// refresh) if this is the first time this instance has been seen. Entry
// creation happens under the registry mutex so concurrent callers for the
// same never-before-seen instance are serialized onto a single entry rather
// than each starting their own refresh cycle.
func (r *Registry) entryFor(inst instance.Name) (*cache.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, &errtype.EntryClosedError{Inst: inst.String()}
	}
	if e, ok := r.entries[inst.String()]; ok {
		return e, nil
	}
	e := cache.NewEntry(cache.Options{
		Name:     inst,
		AuthType: r.authType,
		DialerID: r.dialerID,
		KeyPair:  r.keyPair,
		Creds:    r.creds,
		Fetcher:  r.fetcher,
		Sched:    r.sched,
		Logger:   r.logger,
	})
	r.entries[inst.String()] = e
	return e, nil
}

// ConnectInfo is everything a caller needs to dial and verify a single
// connection attempt: the IP map to choose an address from, a TLS
// configuration to wrap the socket in, and the expiry of that data so the
// caller can decide whether a dial failure is worth a forced refresh.
type ConnectInfo = cache.InstanceData

// Connect returns the current (or first-available) connection info for
// inst, creating its cache entry on first use.
func (r *Registry) Connect(ctx context.Context, cn string) (ConnectInfo, error) {
	inst, err := instance.Parse(cn)
	if err != nil {
		return ConnectInfo{}, err
	}
	e, err := r.entryFor(inst)
	if err != nil {
		return ConnectInfo{}, err
	}
	return e.GetInstanceData(ctx)
}

// ForceRefreshAndRetry is called after a dial has failed with a TLS
// handshake or server-identity error: it's the one place the connector
// deviates from purely background refresh, since a rejected handshake means
// the cached certificate or CA is provably stale right now. It forces
// exactly one refresh and returns the result of that refresh, for the
// caller to retry its dial with.
func (r *Registry) ForceRefreshAndRetry(ctx context.Context, cn string) (ConnectInfo, error) {
	inst, err := instance.Parse(cn)
	if err != nil {
		return ConnectInfo{}, err
	}
	r.mu.Lock()
	e, ok := r.entries[inst.String()]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ConnectInfo{}, &errtype.EntryClosedError{Inst: inst.String()}
	}
	if !ok {
		return ConnectInfo{}, fmt.Errorf("no cache entry for instance %s", inst)
	}
	return e.ForceRefresh(ctx)
}

// KeyForDial returns the private key backing the client certificate, which
// callers need alongside ConnectInfo's TLS config to confirm a matched pair
// when building the final dial-time certificate chain.
func (r *Registry) KeyForDial(ctx context.Context) (*rsa.PrivateKey, error) {
	return r.keyPair.Get(ctx)
}

// Shutdown terminates every entry and refuses all future Connect calls. It's
// idempotent.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, e := range r.entries {
		e.Terminate()
	}
	r.sched.Close()
}
