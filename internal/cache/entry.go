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

// Package cache implements the per-instance metadata and credential cache:
// the state machine that fetches instance connection settings and an
// ephemeral client certificate, assembles a ready-to-dial TLS configuration,
// schedules proactive refreshes ahead of expiry, and hands the result to many
// concurrent callers with at most one refresh in flight at a time.
package cache

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/instance"
	"github.com/nimbussql/connector/internal/adminapi"
	"github.com/nimbussql/connector/internal/creds"
	"github.com/nimbussql/connector/internal/keys"
	"github.com/nimbussql/connector/internal/obs"
	"github.com/nimbussql/connector/internal/scheduler"
	"golang.org/x/time/rate"
)

// AuthType selects whether the database user authenticates with a static
// password or an IAM access token embedded in the ephemeral certificate.
type AuthType int

const (
	// AuthPassword is the default: no DB-user token is fetched or embedded.
	AuthPassword AuthType = iota
	// AuthIAM requires the engine to support IAM DB authentication and
	// embeds a DB-user access token in the CSR.
	AuthIAM
)

const (
	refreshBuffer       = 4 * time.Minute
	minRefreshJitter    = 1 * time.Minute
	refreshFailureDelay = 30 * time.Second
	refreshTimeout      = 60 * time.Second

	// refreshInterval and refreshBurst bound how often an Entry will hit the
	// control plane regardless of how aggressively ForceRefresh is called;
	// a caller retrying a failed dial in a tight loop must not turn into a
	// denial-of-service against the Admin API.
	refreshInterval = 30 * time.Second
	refreshBurst    = 2
)

// Logger is the minimal logging surface the cache needs: reporting
// background refresh failures that are swallowed because a still-valid
// InstanceData is available.
type Logger interface {
	Errorf(format string, args ...interface{})
}

// CredsSource supplies the DB-user token for IAM auth. Implemented by *creds.Source; declared as an interface here so tests can
// substitute fakes without touching real OAuth2 plumbing.
type CredsSource interface {
	DBUserToken(ctx context.Context, inst string) (creds.Token, error)
}

// Fetcher performs the two control-plane calls a refresh needs. Implemented
// by *adminapi.Fetcher.
type Fetcher interface {
	FetchMetadata(ctx context.Context, inst instance.Name) (adminapi.Metadata, error)
	FetchEphemeralCert(ctx context.Context, inst instance.Name, pub *rsa.PublicKey, dbUserToken string) (adminapi.Certificate, error)
}

// InstanceData is the cached artifact: the current IP map, engine version,
// and a TLS configuration ready to dial with, plus the instant at which it
// must be replaced.
type InstanceData struct {
	IPAddrs    map[string]string
	Version    string
	TLSConfig  *tls.Config
	Expiration time.Time
}

// future is a pending or completed result of one refresh attempt.
type future struct {
	ready chan struct{}
	data  InstanceData
	err   error
}

func newFuture() *future { return &future{ready: make(chan struct{})} }

func (f *future) done() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (f *future) isValid() bool {
	if !f.done() {
		return false
	}
	return f.err == nil && time.Now().Before(f.data.Expiration)
}

// refreshOp pairs a future with the scheduler handle that will run it, so a
// not-yet-started refresh can be canceled and replaced. handle is set after
// construction, once the op has been handed to the scheduler, so it carries
// its own mutex rather than relying on the Entry's: the Entry's mutex must
// never be held across a call to Scheduler.Schedule (see scheduleRefresh).
type refreshOp struct {
	fut *future
	// forced marks an op created to satisfy a ForceRefresh call. It's fixed
	// at construction, before the op is ever published to e.next, so reading
	// it without e.mu is safe: a concurrent ForceRefresh that observes a
	// forced, not-yet-run e.next joins it instead of canceling and replacing
	// it, which would otherwise strand any caller already waiting on it.
	forced bool

	hmu    sync.Mutex
	handle scheduler.Handle
}

func newPendingOp() *refreshOp {
	return &refreshOp{fut: newFuture()}
}

func newForcedOp() *refreshOp {
	return &refreshOp{fut: newFuture(), forced: true}
}

func (op *refreshOp) setHandle(h scheduler.Handle) {
	op.hmu.Lock()
	op.handle = h
	op.hmu.Unlock()
}

// cancel reports whether op was stopped before it ran. It's always safe to
// call, even before setHandle has run yet, in which case it reports false.
func (op *refreshOp) cancel() bool {
	op.hmu.Lock()
	h := op.handle
	op.hmu.Unlock()
	if h == nil {
		return false
	}
	return h.Cancel()
}

// Entry is the per-instance cache and refresh state machine: at most one
// refresh in flight, callers never block on a refresh that completes after
// they've already gotten an answer, and a failed refresh never evicts a
// still-valid result.
type Entry struct {
	name     instance.Name
	authType AuthType
	dialerID string

	keyPair *keys.Source
	creds   CredsSource
	fetcher Fetcher
	sched   scheduler.Scheduler
	logger  Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	cur        *refreshOp
	next       *refreshOp
	terminated bool
}

// Options configures a new Entry.
type Options struct {
	Name     instance.Name
	AuthType AuthType
	DialerID string
	KeyPair  *keys.Source
	Creds    CredsSource
	Fetcher  Fetcher
	Sched    scheduler.Scheduler
	Logger   Logger
}

// NewEntry creates an Entry and immediately schedules its first refresh. The
// first refresh is scheduled with zero delay, and cur is set equal to next so
// that GetInstanceData blocks until it completes, exactly as a fresh cache
// with no prior data must.
func NewEntry(o Options) *Entry {
	e := &Entry{
		name:     o.Name,
		authType: o.AuthType,
		dialerID: o.DialerID,
		keyPair:  o.KeyPair,
		creds:    o.Creds,
		fetcher:  o.Fetcher,
		sched:    o.Sched,
		logger:   o.Logger,
		limiter:  rate.NewLimiter(rate.Every(refreshInterval), refreshBurst),
	}
	op := newPendingOp()
	e.mu.Lock()
	e.cur = op
	e.next = op
	e.mu.Unlock()
	// Schedule outside the lock: a Scheduler is free to run task synchronously
	// within Schedule, and runRefresh acquires e.mu itself.
	e.scheduleRefresh(op, 0)
	return e
}

// GetInstanceData returns the current InstanceData, waiting for the
// in-flight refresh if none has completed yet. It never blocks on a refresh
// that completes after this call returns.
func (e *Entry) GetInstanceData(ctx context.Context) (InstanceData, error) {
	e.mu.Lock()
	terminated := e.terminated
	cur := e.cur
	e.mu.Unlock()
	if terminated {
		return InstanceData{}, &errtype.EntryClosedError{Inst: e.name.String()}
	}
	select {
	case <-cur.fut.ready:
		return cur.fut.data, cur.fut.err
	case <-ctx.Done():
		return InstanceData{}, ctx.Err()
	}
}

// ForceRefresh requests at most one additional refresh beyond any already in
// flight, and returns its result, so a caller that just rejected a stale
// credential isn't handed the same stale credential right back. It's
// idempotent and safe to call concurrently: K concurrent calls cause at most
// one extra refresh beyond whatever is currently running, and all of them
// wait on that same refresh.
func (e *Entry) ForceRefresh(ctx context.Context) (InstanceData, error) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return InstanceData{}, &errtype.EntryClosedError{Inst: e.name.String()}
	}
	next := e.next
	var toSchedule *refreshOp
	if !next.forced && next.cancel() {
		// The scheduled (but not yet started) refresh was successfully
		// stopped before it ran; replace it with one that runs now. A next
		// that's already forced is left alone: it's already due to run
		// immediately, so concurrent callers join it instead of preempting
		// it again.
		next = newForcedOp()
		e.next = next
		toSchedule = next
	}
	// If the cached data is unusable, block subsequent callers on the
	// refresh we just ensured is coming.
	if !e.cur.fut.isValid() {
		e.cur = next
	}
	e.mu.Unlock()

	if toSchedule != nil {
		e.scheduleRefresh(toSchedule, 0)
	}

	select {
	case <-next.fut.ready:
		return next.fut.data, next.fut.err
	case <-ctx.Done():
		return InstanceData{}, ctx.Err()
	}
}

// Terminate marks the Entry closed: both futures resolve to EntryClosed (or
// already had a result, which is left alone), any refresh merely scheduled
// but not yet started is canceled, and all future operations fail
// immediately. Terminate is idempotent.
func (e *Entry) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.terminated = true
	for _, op := range []*refreshOp{e.cur, e.next} {
		// An op whose task was stopped before it ran would otherwise never
		// resolve, stranding anyone already waiting on it.
		if op.cancel() && !op.fut.done() {
			op.fut.err = &errtype.EntryClosedError{Inst: e.name.String()}
			close(op.fut.ready)
		}
	}

	closed := newPendingOp()
	closed.fut.err = &errtype.EntryClosedError{Inst: e.name.String()}
	close(closed.fut.ready)
	e.cur = closed
	e.next = closed
}

// scheduleRefresh hands op to the scheduler. Callers must never hold e.mu
// while calling this: Scheduler.Schedule is free to run task synchronously,
// and task calls runRefresh, which itself acquires e.mu.
func (e *Entry) scheduleRefresh(op *refreshOp, delay time.Duration) {
	h := e.sched.Schedule(delay, func() { e.runRefresh(op) })
	op.setHandle(h)
}

// runRefresh performs one refresh attempt off the entry's mutex, then
// applies the result under the mutex: successful refreshes always become
// cur and schedule their successor; failed refreshes only replace cur when
// there's no valid data to fall back on, but always reschedule so the cache
// keeps trying. Scheduling the successor always happens after the mutex is
// released.
func (e *Entry) runRefresh(op *refreshOp) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := e.limiter.Wait(ctx); err != nil {
		op.fut.err = err
		close(op.fut.ready)
		if next := e.recordFailedAttempt(); next != nil {
			e.scheduleRefresh(next, refreshFailureDelay)
		}
		return
	}

	var endSpan obs.EndSpanFunc
	ctx, endSpan = obs.StartSpan(ctx, "connector/refresh")
	data, err := e.doRefresh(ctx)
	endSpan(err)
	obs.RecordRefreshResult(context.Background(), e.name.String(), e.dialerID, err)

	op.fut.data = data
	op.fut.err = err
	close(op.fut.ready)

	if err != nil {
		if next := e.recordFailedRefresh(op); next != nil {
			e.scheduleRefresh(next, refreshFailureDelay)
		}
		return
	}

	if next := e.recordSuccessfulRefresh(op); next != nil {
		e.scheduleRefresh(next, nextRefreshDelay(time.Now(), data.Expiration))
	}
}

// recordFailedAttempt applies the result of a refresh that never got to run
// doRefresh (the rate limiter's wait was itself canceled), returning the op
// to schedule next, or nil if the Entry has since been terminated.
func (e *Entry) recordFailedAttempt() *refreshOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return nil
	}
	next := newPendingOp()
	e.next = next
	return next
}

// recordFailedRefresh applies a failed doRefresh result, returning the op to
// schedule next, or nil if the Entry has since been terminated.
func (e *Entry) recordFailedRefresh(op *refreshOp) *refreshOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return nil
	}
	if e.logger != nil && e.cur.fut.isValid() {
		e.logger.Errorf("[%s] background refresh failed, keeping prior data: %v", e.name, op.fut.err)
	}
	if !e.cur.fut.isValid() {
		e.cur = op
	}
	next := newPendingOp()
	e.next = next
	return next
}

// recordSuccessfulRefresh applies a successful doRefresh result, returning
// the op to schedule next, or nil if the Entry has since been terminated.
func (e *Entry) recordSuccessfulRefresh(op *refreshOp) *refreshOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return nil
	}
	e.cur = op
	next := newPendingOp()
	e.next = next
	return next
}

// nextRefreshDelay computes how long to wait before the next proactive
// refresh: refreshBuffer before expiry, never sooner than minRefreshJitter
// from now (to avoid thundering herds across many entries that expire
// together), and immediately if expiration has already passed.
func nextRefreshDelay(now, expiration time.Time) time.Duration {
	untilExpiry := expiration.Sub(now)
	if untilExpiry <= 0 {
		return 0
	}
	target := untilExpiry - refreshBuffer
	if target < minRefreshJitter {
		target = minRefreshJitter
	}
	// add a little spread so many entries refreshing on the same interval
	// don't all hit the control plane in the same instant.
	jitter := time.Duration(rand.Int63n(int64(30 * time.Second)))
	return target + jitter
}

// doRefresh runs one full refresh: builds a CSR from the shared key pair,
// fetches metadata and the ephemeral cert in parallel (plus the DB-user
// token for IAM auth), and assembles the resulting TLS configuration.
func (e *Entry) doRefresh(ctx context.Context) (InstanceData, error) {
	key, err := e.keyPair.Get(ctx)
	if err != nil {
		return InstanceData{}, errtype.NewRefreshError(
			errtype.KindTransientAPI, "failed to obtain key pair", e.name.String(), err)
	}

	type mdResult struct {
		md  adminapi.Metadata
		err error
	}
	mdCh := make(chan mdResult, 1)
	go func() {
		md, err := e.fetcher.FetchMetadata(ctx, e.name)
		mdCh <- mdResult{md, err}
	}()

	type certResult struct {
		cert        adminapi.Certificate
		tokenExpiry time.Time
		hasToken    bool
		err         error
	}
	certCh := make(chan certResult, 1)
	go func() {
		var token string
		var tokenExpiry time.Time
		var hasToken bool
		if e.authType == AuthIAM {
			tok, err := e.creds.DBUserToken(ctx, e.name.String())
			if err != nil {
				certCh <- certResult{err: err}
				return
			}
			token = tok.Value
			tokenExpiry = tok.ExpiresAt
			hasToken = true
		}
		cert, err := e.fetcher.FetchEphemeralCert(ctx, e.name, &key.PublicKey, token)
		certCh <- certResult{cert: cert, tokenExpiry: tokenExpiry, hasToken: hasToken, err: err}
	}()

	var md adminapi.Metadata
	select {
	case r := <-mdCh:
		if r.err != nil {
			return InstanceData{}, r.err
		}
		md = r.md
	case <-ctx.Done():
		return InstanceData{}, ctx.Err()
	}

	if e.authType == AuthIAM {
		if err := checkIAMSupported(e.name.String(), md.Version); err != nil {
			return InstanceData{}, err
		}
	}

	var cr certResult
	select {
	case cr = <-certCh:
		if cr.err != nil {
			return InstanceData{}, cr.err
		}
	case <-ctx.Done():
		return InstanceData{}, ctx.Err()
	}

	tlsConfig, err := buildTLSConfig(e.name, md, cr.cert, key)
	if err != nil {
		return InstanceData{}, err
	}

	expiration := cr.cert.Leaf.NotAfter
	if cr.hasToken && !cr.tokenExpiry.IsZero() && cr.tokenExpiry.Before(expiration) {
		expiration = cr.tokenExpiry
	}

	return InstanceData{
		IPAddrs:    md.IPAddrs,
		Version:    md.Version,
		TLSConfig:  tlsConfig,
		Expiration: expiration,
	}, nil
}

// checkIAMSupported enforces that IAM DB authentication is only attempted
// against engines that support it.
func checkIAMSupported(inst, version string) error {
	switch {
	case strings.HasPrefix(version, "POSTGRES"), strings.HasPrefix(version, "MYSQL"):
		return nil
	case strings.HasPrefix(version, "SQLSERVER"):
		return errtype.NewRefreshError(errtype.KindIAMUnsupported,
			"IAM Authentication is not supported for SQL Server instances", inst, nil)
	default:
		return errtype.NewRefreshError(errtype.KindIAMUnsupported,
			fmt.Sprintf("IAM Authentication is not supported for %s instances", version), inst, nil)
	}
}

// buildTLSConfig pins the trust root to exactly the instance's server CA,
// presents the ephemeral client certificate, and verifies the server's
// identity itself rather than relying on hostname-based verification, since
// the server's certificate subject encodes the instance name, not a DNS name.
func buildTLSConfig(name instance.Name, md adminapi.Metadata, cert adminapi.Certificate, key *rsa.PrivateKey) (*tls.Config, error) {
	pool := x509.NewCertPool()
	for _, ca := range md.ServerCACert {
		pool.AddCert(ca)
	}

	clientCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert.Leaf,
	}

	cfg := &tls.Config{
		Certificates:          []tls.Certificate{clientCert},
		RootCAs:               pool,
		ServerName:            name.String(),
		InsecureSkipVerify:    true, // verification is done in VerifyPeerCertificate below
		VerifyPeerCertificate: verifyServerIdentity(name, pool),
		MinVersion:            tls.VersionTLS12,
	}
	// Legacy SQL Server engines only accept exactly TLS 1.2.
	if strings.HasPrefix(md.Version, "SQLSERVER") {
		cfg.MaxVersion = tls.VersionTLS12
	}
	return cfg, nil
}

// verifyServerIdentity builds the chain-of-trust check that
// InsecureSkipVerify normally would have performed, plus the
// instance-identity check a DNS-oriented hostname check could never express.
func verifyServerIdentity(name instance.Name, roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errtype.NewDialError(errtype.KindServerIdentityMismatch,
				"server presented no certificate", name.String(), nil)
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return errtype.NewDialError(errtype.KindServerIdentityMismatch,
				"failed to parse server certificate", name.String(), err)
		}
		opts := x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := leaf.Verify(opts); err != nil {
			return errtype.NewDialError(errtype.KindServerIdentityMismatch,
				"server certificate does not chain to the instance's CA", name.String(), err)
		}
		if !identityMatches(leaf, name) {
			return errtype.NewDialError(errtype.KindServerIdentityMismatch,
				fmt.Sprintf("server certificate identity %q does not match instance %q",
					leaf.Subject.CommonName, name.String()), name.String(), nil)
		}
		return nil
	}
}

func identityMatches(cert *x509.Certificate, name instance.Name) bool {
	want := name.Project() + ":" + name.InstanceName()
	if cert.Subject.CommonName == want {
		return true
	}
	for _, san := range cert.DNSNames {
		if san == want {
			return true
		}
	}
	return false
}
