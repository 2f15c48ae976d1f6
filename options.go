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
	"net"

	"github.com/nimbussql/connector/internal/adminapi"
	"github.com/nimbussql/connector/internal/cache"
)

// dialFunc is the shape of net.Dialer.DialContext, broken out so tests can
// substitute an in-memory transport.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// credentialMode picks which credential source NewDialer builds. Each
// credential Option sets it outright, so the last one applied wins; with none
// applied, Application Default Credentials are used. NewDialer does not fall
// back from one source to another when the chosen one fails.
type credentialMode int

const (
	credentialModeADC credentialMode = iota
	credentialModeToken
	credentialModeJSON
	credentialModeFile
	credentialModeGcloud
)

type dialerConfig struct {
	userAgent   string
	logger      Logger
	authType    cache.AuthType
	credMode    credentialMode
	staticToken string
	credJSON    []byte
	credFile    string
	dialFunc    dialFunc
}

func defaultDialerConfig() dialerConfig {
	return dialerConfig{
		userAgent: defaultUserAgent,
		logger:    nullLogger{},
		authType:  cache.AuthPassword,
		credMode:  credentialModeADC,
	}
}

// Option configures a Dialer at construction time.
type Option func(*dialerConfig)

// WithUserAgent replaces the default User-Agent sent on every control-plane
// request, so operators can tell which integration opened a given
// connection.
func WithUserAgent(ua string) Option {
	return func(c *dialerConfig) { c.userAgent = ua }
}

// WithLogger sets the Logger background refreshes report swallowed errors
// to. Defaults to discarding everything.
func WithLogger(l Logger) Option {
	return func(c *dialerConfig) { c.logger = l }
}

// WithIAMAuthN enables IAM database authentication: the ephemeral
// certificate embeds an OAuth2 access token identifying the database user,
// instead of relying on a statically configured password. Only PostgreSQL
// and MySQL instances support this.
func WithIAMAuthN() Option {
	return func(c *dialerConfig) { c.authType = cache.AuthIAM }
}

// WithTokenSource authenticates the connector with a single, already
// obtained OAuth2 access token, used for both control-plane calls and (if
// IAM auth is enabled) as the database-user token.
func WithTokenSource(token string) Option {
	return func(c *dialerConfig) {
		c.credMode = credentialModeToken
		c.staticToken = token
	}
}

// WithCredentialsFile authenticates the connector with the service-account
// or authorized-user credentials file at path, instead of Application
// Default Credentials.
func WithCredentialsFile(path string) Option {
	return func(c *dialerConfig) {
		c.credMode = credentialModeFile
		c.credFile = path
	}
}

// WithCredentialsJSON authenticates the connector with an in-memory
// service-account or authorized-user credentials blob.
func WithCredentialsJSON(json []byte) Option {
	return func(c *dialerConfig) {
		c.credMode = credentialModeJSON
		c.credJSON = json
	}
}

// WithGcloudCredentials authenticates the connector with the local gcloud
// CLI's cached credentials, useful for local development when no other
// credential source is configured.
func WithGcloudCredentials() Option {
	return func(c *dialerConfig) { c.credMode = credentialModeGcloud }
}

// WithDialFunc overrides how the Dialer opens the underlying TCP connection,
// before TLS is layered on top. Used in tests to substitute an in-memory
// listener.
func WithDialFunc(f func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *dialerConfig) { c.dialFunc = f }
}

// ipType is the preference order the Dialer walks when choosing which of an
// instance's addresses to dial.
type ipType = string

const (
	ipTypePublic  ipType = adminapi.Primary
	ipTypePrivate ipType = adminapi.Private
	ipTypePSC     ipType = adminapi.PSC
)

type dialCfg struct {
	ipTypes []ipType
}

func defaultDialCfg() dialCfg {
	return dialCfg{ipTypes: []ipType{ipTypePublic}}
}

// DialOption configures a single Dial call.
type DialOption func(*dialCfg)

// WithPublicIP dials the instance's public (PRIMARY) IP address. This is the
// default. "Public" and "Primary" name the same address family; the control
// plane's own API still calls it PRIMARY.
func WithPublicIP() DialOption {
	return func(c *dialCfg) { c.ipTypes = []ipType{ipTypePublic} }
}

// WithPrivateIP dials the instance's private IP address.
func WithPrivateIP() DialOption {
	return func(c *dialCfg) { c.ipTypes = []ipType{ipTypePrivate} }
}

// WithPSC dials the instance over Private Service Connect.
func WithPSC() DialOption {
	return func(c *dialCfg) { c.ipTypes = []ipType{ipTypePSC} }
}

// WithIPTypes sets an explicit address-family preference order; the Dialer
// uses the first one the instance actually has. "PUBLIC" is accepted as a
// synonym for "PRIMARY".
func WithIPTypes(types ...string) DialOption {
	return func(c *dialCfg) {
		c.ipTypes = make([]ipType, 0, len(types))
		for _, t := range types {
			if t == "PUBLIC" {
				t = ipTypePublic
			}
			c.ipTypes = append(c.ipTypes, t)
		}
	}
}
