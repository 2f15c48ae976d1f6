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

// Package adminapi performs the two control-plane calls the connector needs:
// fetching an instance's connect settings and submitting a CSR for a signed,
// short-lived client certificate.
package adminapi

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/instance"
	"github.com/nimbussql/connector/internal/retry"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// IP type keys as returned by the control plane's ipAddresses[].type field
// and used throughout the connector's IP selection logic.
const (
	Primary = "PRIMARY"
	Private = "PRIVATE"
	PSC     = "PSC"
)

// Metadata describes an instance's current connection settings.
type Metadata struct {
	IPAddrs      map[string]string
	ServerCACert []*x509.Certificate
	Version      string
}

// Certificate is a signed, short-lived client certificate returned by the
// control plane.
type Certificate struct {
	Leaf *x509.Certificate
	Raw  []byte
}

// Fetcher calls the control-plane Admin API, retrying transient failures per
// retry.DefaultPolicy.
type Fetcher struct {
	svc    *sqladmin.Service
	policy retry.Policy
}

// New builds a Fetcher authenticated with ts.
func New(ctx context.Context, ts oauth2.TokenSource, userAgent string) (*Fetcher, error) {
	svc, err := sqladmin.NewService(ctx, option.WithTokenSource(ts), option.WithUserAgent(userAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to create control-plane client: %w", err)
	}
	return &Fetcher{svc: svc, policy: retry.DefaultPolicy}, nil
}

// FetchMetadata retrieves connect settings: IP addresses, the server CA
// certificate(s), and the database engine version.
func (f *Fetcher) FetchMetadata(ctx context.Context, inst instance.Name) (Metadata, error) {
	return retry.Do(ctx, f.policy, func(ctx context.Context) (Metadata, error) {
		return f.fetchMetadataOnce(ctx, inst)
	})
}

func (f *Fetcher) fetchMetadataOnce(ctx context.Context, inst instance.Name) (Metadata, error) {
	db, err := f.svc.Connect.Get(inst.Project(), inst.InstanceName()).Context(ctx).Do()
	if err != nil {
		return Metadata{}, classifyAPIError(err, inst.String(), "failed to get instance metadata")
	}
	if db.Region != inst.Region() {
		return Metadata{}, errtype.NewConfigError(
			fmt.Sprintf("provided region was mismatched - got %s, want %s", inst.Region(), db.Region),
			inst.String())
	}
	if db.BackendType != "SECOND_GEN" {
		return Metadata{}, errtype.NewConfigError(
			"unsupported instance - only Second Generation instances are supported", inst.String())
	}

	ipAddrs := make(map[string]string)
	for _, ip := range db.IpAddresses {
		switch ip.Type {
		case "PRIMARY":
			ipAddrs[Primary] = ip.IpAddress
		case "PRIVATE":
			ipAddrs[Private] = ip.IpAddress
		case "PSC":
			ipAddrs[PSC] = ip.IpAddress
		}
	}
	if len(ipAddrs) == 0 {
		return Metadata{}, errtype.NewConfigError(
			"cannot connect to instance - it has no supported IP addresses", inst.String())
	}

	caCerts, err := parsePEMCerts(db.ServerCaCert.Cert)
	if err != nil {
		return Metadata{}, errtype.NewRefreshError(errtype.KindTransientAPI,
			"failed to parse server CA certificate", inst.String(), err)
	}

	return Metadata{
		IPAddrs:      ipAddrs,
		ServerCACert: caCerts,
		Version:      db.DatabaseVersion,
	}, nil
}

// FetchEphemeralCert submits a CSR built from pub and receives back a signed
// client certificate. When dbUserToken is non-empty, it's included so the
// issued certificate encodes the DB-user principal for IAM authentication.
func (f *Fetcher) FetchEphemeralCert(
	ctx context.Context, inst instance.Name, pub *rsa.PublicKey, dbUserToken string,
) (Certificate, error) {
	return retry.Do(ctx, f.policy, func(ctx context.Context) (Certificate, error) {
		return f.fetchEphemeralCertOnce(ctx, inst, pub, dbUserToken)
	})
}

func (f *Fetcher) fetchEphemeralCertOnce(
	ctx context.Context, inst instance.Name, pub *rsa.PublicKey, dbUserToken string,
) (Certificate, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Certificate{}, errtype.NewRefreshError(errtype.KindTransientAPI,
			"failed to marshal public key", inst.String(), err)
	}
	req := &sqladmin.GenerateEphemeralCertRequest{
		PublicKey: string(pem.EncodeToMemory(&pem.Block{Bytes: pubBytes, Type: "RSA PUBLIC KEY"})),
	}
	if dbUserToken != "" {
		req.AccessToken = dbUserToken
	}

	resp, err := f.svc.Connect.GenerateEphemeralCert(inst.Project(), inst.InstanceName(), req).Context(ctx).Do()
	if err != nil {
		return Certificate{}, classifyAPIError(err, inst.String(), "create ephemeral cert failed")
	}

	certs, err := parsePEMCerts(resp.EphemeralCert.Cert)
	if err != nil || len(certs) == 0 {
		return Certificate{}, errtype.NewRefreshError(errtype.KindTransientAPI,
			"failed to parse ephemeral certificate", inst.String(), err)
	}
	return Certificate{Leaf: certs[0], Raw: certs[0].Raw}, nil
}

func parsePEMCerts(s string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(s)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificate blocks found")
	}
	return certs, nil
}

// classifyAPIError maps the Admin API's HTTP-level failures onto the
// connector's error kinds. 403/404 are permanent; everything else is treated
// as transient and left to the retry policy.
func classifyAPIError(err error, inst, msg string) error {
	if code := httpStatusCode(err); code != 0 {
		switch code {
		case 403:
			return errtype.NewRefreshError(errtype.KindNotAuthorized, msg, inst, err)
		case 404:
			return errtype.NewRefreshError(errtype.KindNotFound, msg, inst, err)
		}
	}
	return errtype.NewRefreshError(errtype.KindTransientAPI, msg, inst, err)
}
