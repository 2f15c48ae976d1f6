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

// Package creds supplies the OAuth2 credentials used for control-plane API
// calls and, when IAM database authentication is enabled, the bearer token
// embedded in the ephemeral client certificate so its principal matches the
// caller's cloud identity.
package creds

import (
	"context"
	"time"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/internal/gcloud"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// loginScope is the OAuth2 scope requested for tokens that are embedded in
// the ephemeral certificate for IAM database authentication.
const loginScope = "https://www.googleapis.com/auth/sqlservice.login"

// adminScope is the OAuth2 scope used to call the control-plane API.
const adminScope = "https://www.googleapis.com/auth/sqlservice.admin"

// Token is a bearer token with its expiration, independent of any particular
// oauth2 implementation so test doubles don't need one.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Source yields credentials for control-plane calls and, optionally, the
// database-user access token used for IAM authentication.
type Source struct {
	apiTS   oauth2.TokenSource
	loginTS oauth2.TokenSource
}

// NewADCSource builds a Source from Application Default Credentials,
// following the same fallback chain as gcloud: GOOGLE_APPLICATION_CREDENTIALS,
// the well-known file location, then the metadata server.
func NewADCSource(ctx context.Context) (*Source, error) {
	apiTS, err := google.DefaultTokenSource(ctx, adminScope)
	if err != nil {
		return nil, err
	}
	loginTS, err := google.DefaultTokenSource(ctx, loginScope)
	if err != nil {
		return nil, err
	}
	return &Source{apiTS: apiTS, loginTS: loginTS}, nil
}

// NewJSONSource builds a Source from the contents of a service-account or
// authorized-user credentials file, rather than the ADC lookup chain. Used
// when the caller passes an explicit credentials file path or JSON blob.
func NewJSONSource(ctx context.Context, data []byte) (*Source, error) {
	apiCreds, err := google.CredentialsFromJSON(ctx, data, adminScope)
	if err != nil {
		return nil, err
	}
	loginCreds, err := google.CredentialsFromJSON(ctx, data, loginScope)
	if err != nil {
		return nil, err
	}
	return &Source{apiTS: apiCreds.TokenSource, loginTS: loginCreds.TokenSource}, nil
}

// NewGcloudSource builds a Source from the local gcloud CLI's cached
// credentials. It is used only when gcloud credentials are selected
// explicitly; no other source falls back to it. The same token is used
// for both scopes since gcloud's config-helper token already carries
// cloud-platform scope.
func NewGcloudSource(ctx context.Context) (*Source, error) {
	ts, err := gcloud.GcloudTokenSource(ctx)
	if err != nil {
		return nil, err
	}
	return &Source{apiTS: ts, loginTS: ts}, nil
}

// NewStaticSource builds a Source around a single already-obtained bearer
// token, used for the --token / oauth2Token configuration option. The same
// token is used for both API calls and IAM login, since a static token has no
// separate scopes to request.
func NewStaticSource(token string) *Source {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Source{apiTS: ts, loginTS: ts}
}

// APICredentials returns the token source used to authenticate calls to the
// control-plane API.
func (s *Source) APICredentials() oauth2.TokenSource {
	return s.apiTS
}

// DBUserToken returns the bearer token to embed in the ephemeral certificate
// for IAM database authentication. It fails with KindTokenInvalid if the
// token is empty or already expired, per the refresh procedure's
// requirements.
func (s *Source) DBUserToken(ctx context.Context, inst string) (Token, error) {
	tok, err := s.loginTS.Token()
	if err != nil {
		return Token{}, errtype.NewRefreshError(
			errtype.KindTokenInvalid, "failed to retrieve IAM login token", inst, err)
	}
	if tok.AccessToken == "" {
		return Token{}, errtype.NewRefreshError(
			errtype.KindTokenInvalid, "Access Token has length of zero", inst, nil)
	}
	if !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now()) {
		return Token{}, errtype.NewRefreshError(
			errtype.KindTokenInvalid, "Access Token expiration time is in the past", inst, nil)
	}
	return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}
