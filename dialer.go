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

package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/internal/adminapi"
	"github.com/nimbussql/connector/internal/creds"
	"github.com/nimbussql/connector/internal/keys"
	"github.com/nimbussql/connector/internal/obs"
	"github.com/nimbussql/connector/internal/registry"
	"github.com/nimbussql/connector/internal/scheduler"
	"golang.org/x/net/proxy"
)

const dialTimeout = 30 * time.Second

// dialer is the concrete Dialer. Its zero value is not usable; build one
// with NewDialer.
type dialer struct {
	id       string
	reg      *registry.Registry
	cfg      dialerConfig
	dialFunc dialFunc
}

var _ Dialer = (*dialer)(nil)

// NewDialer creates a Dialer. It validates credentials eagerly but doesn't
// contact any instance until the first Dial, Warmup, or EngineVersion call.
func NewDialer(ctx context.Context, opts ...Option) (Dialer, error) {
	cfg := defaultDialerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	credSource, err := buildCredsSource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	if err := obs.InitMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	fetcher, err := adminapi.New(ctx, credSource.APICredentials(), cfg.userAgent)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	reg := registry.New(registry.Options{
		DialerID: id,
		AuthType: cfg.authType,
		KeyPair:  keys.NewSource(),
		Creds:    credSource,
		Fetcher:  fetcher,
		Sched:    scheduler.New(),
		Logger:   cfg.logger,
	})

	df := cfg.dialFunc
	if df == nil {
		df = proxyAwareDialFunc()
	}

	return &dialer{id: id, reg: reg, cfg: cfg, dialFunc: df}, nil
}

// proxyAwareDialFunc returns the default dial function: one that honors the
// ALL_PROXY/NO_PROXY environment conventions golang.org/x/net/proxy
// understands, falling back to a direct TCP dial when no proxy is configured,
// which is the common case. HTTP_PROXY and HTTPS_PROXY are not consulted.
func proxyAwareDialFunc() dialFunc {
	nd := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	pd := proxy.FromEnvironment()
	if pd == proxy.Direct {
		return nd.DialContext
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	// Older Dialer implementations only expose the context-less Dial; run it
	// in a goroutine so the caller's context is still honored.
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			conn, err := pd.Dial(network, addr)
			ch <- result{conn, err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func buildCredsSource(ctx context.Context, cfg dialerConfig) (*creds.Source, error) {
	switch cfg.credMode {
	case credentialModeToken:
		return creds.NewStaticSource(cfg.staticToken), nil
	case credentialModeJSON:
		return creds.NewJSONSource(ctx, cfg.credJSON)
	case credentialModeFile:
		data, err := os.ReadFile(cfg.credFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file %q: %w", cfg.credFile, err)
		}
		return creds.NewJSONSource(ctx, data)
	case credentialModeGcloud:
		return creds.NewGcloudSource(ctx)
	default:
		return creds.NewADCSource(ctx)
	}
}

// Dial connects to inst, retrying once with a forced credential/certificate
// refresh if the TLS handshake or server identity check fails — the one
// case where a dial failure is informative enough to justify deviating from
// the connector's otherwise purely background refresh cycle.
func (d *dialer) Dial(ctx context.Context, inst string, opts ...DialOption) (net.Conn, error) {
	cfg := defaultDialCfg()
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()
	conn, err := d.dialOnce(ctx, inst, cfg)
	if err != nil {
		if !errorIsHandshakeFailure(err) {
			return nil, err
		}
		connInfo, rerr := d.reg.ForceRefreshAndRetry(ctx, inst)
		if rerr != nil {
			return nil, rerr
		}
		conn, err = d.dialWithInfo(ctx, inst, cfg, connInfo)
		if err != nil {
			return nil, err
		}
	}

	obs.RecordDialLatency(ctx, inst, d.id, time.Since(start).Milliseconds())
	obs.RecordOpenConnections(ctx, 1, d.id, inst)
	return &instrumentedConn{Conn: conn, dialerID: d.id, inst: inst}, nil
}

func errorIsHandshakeFailure(err error) bool {
	de, ok := err.(*errtype.DialError)
	if !ok {
		return false
	}
	return de.Kind == errtype.KindHandshakeFailed || de.Kind == errtype.KindServerIdentityMismatch
}

// dialOnce resolves connection info and performs one dial-and-handshake
// attempt.
func (d *dialer) dialOnce(ctx context.Context, inst string, cfg dialCfg) (net.Conn, error) {
	connInfo, err := d.reg.Connect(ctx, inst)
	if err != nil {
		return nil, err
	}
	// A cached cert that's already expired is guaranteed to fail the
	// handshake; force a refresh up front instead of paying for a doomed
	// round trip.
	if time.Now().After(connInfo.Expiration) {
		connInfo, err = d.reg.ForceRefreshAndRetry(ctx, inst)
		if err != nil {
			return nil, err
		}
	}
	return d.dialWithInfo(ctx, inst, cfg, connInfo)
}

func (d *dialer) dialWithInfo(ctx context.Context, inst string, cfg dialCfg, connInfo registry.ConnectInfo) (net.Conn, error) {
	addr, err := pickAddr(connInfo.IPAddrs, cfg.ipTypes)
	if err != nil {
		return nil, errtype.NewDialError(errtype.KindDialFailed, err.Error(), inst, nil)
	}

	rawConn, err := d.dialFunc(ctx, "tcp", net.JoinHostPort(addr, "3307"))
	if err != nil {
		return nil, errtype.NewDialError(errtype.KindDialFailed, "failed to open TCP connection", inst, err)
	}

	tlsConn := tls.Client(rawConn, connInfo.TLSConfig)
	hctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		rawConn.Close()
		kind := errtype.KindHandshakeFailed
		if de, ok := err.(*errtype.DialError); ok {
			kind = de.Kind
		}
		return nil, errtype.NewDialError(kind, "TLS handshake failed", inst, err)
	}
	return tlsConn, nil
}

func pickAddr(ips map[string]string, prefs []string) (string, error) {
	for _, t := range prefs {
		if addr, ok := ips[t]; ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("instance has no IP address matching requested type(s) %v", prefs)
}

// EngineVersion reports the instance's database engine version.
func (d *dialer) EngineVersion(ctx context.Context, inst string) (string, error) {
	connInfo, err := d.reg.Connect(ctx, inst)
	if err != nil {
		return "", err
	}
	return connInfo.Version, nil
}

// Warmup populates the cache for inst without returning a connection, so the
// first real Dial doesn't pay for the initial refresh.
func (d *dialer) Warmup(ctx context.Context, inst string) error {
	_, err := d.reg.Connect(ctx, inst)
	return err
}

// Close stops every background refresh goroutine owned by this Dialer. A
// Dialer must not be used after Close.
func (d *dialer) Close() error {
	d.reg.Shutdown()
	return nil
}

// instrumentedConn decrements the open-connections gauge exactly once when
// closed, however Close is invoked.
type instrumentedConn struct {
	net.Conn
	dialerID string
	inst     string
	closed   int32
}

func (c *instrumentedConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		obs.RecordOpenConnections(context.Background(), -1, c.dialerID, c.inst)
	}
	return c.Conn.Close()
}
