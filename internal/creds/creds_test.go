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

package creds

import (
	"context"
	"testing"
	"time"

	"github.com/nimbussql/connector/errtype"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type staticTokenFunc func() (*oauth2.Token, error)

func (f staticTokenFunc) Token() (*oauth2.Token, error) { return f() }

func TestDBUserTokenRejectsEmptyToken(t *testing.T) {
	s := &Source{loginTS: staticTokenFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: ""}, nil
	})}
	_, err := s.DBUserToken(context.Background(), "p:r:i")
	require.Error(t, err)
	var refErr *errtype.RefreshError
	require.ErrorAs(t, err, &refErr)
	require.Equal(t, errtype.KindTokenInvalid, refErr.Kind)
	require.Contains(t, refErr.Error(), "Access Token has length of zero")
}

func TestDBUserTokenRejectsExpiredToken(t *testing.T) {
	s := &Source{loginTS: staticTokenFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(-time.Hour)}, nil
	})}
	_, err := s.DBUserToken(context.Background(), "p:r:i")
	require.Error(t, err)
	var refErr *errtype.RefreshError
	require.ErrorAs(t, err, &refErr)
	require.Contains(t, refErr.Error(), "Access Token expiration time is in the past")
}

func TestDBUserTokenAcceptsValidToken(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	s := &Source{loginTS: staticTokenFunc(func() (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "tok", Expiry: expiry}, nil
	})}
	tok, err := s.DBUserToken(context.Background(), "p:r:i")
	require.NoError(t, err)
	require.Equal(t, "tok", tok.Value)
	require.Equal(t, expiry, tok.ExpiresAt)
}

func TestNewStaticSourceSharesTokenAcrossBothSources(t *testing.T) {
	s := NewStaticSource("abc")
	apiTok, err := s.APICredentials().Token()
	require.NoError(t, err)
	require.Equal(t, "abc", apiTok.AccessToken)

	dbTok, err := s.DBUserToken(context.Background(), "p:r:i")
	require.NoError(t, err)
	require.Equal(t, "abc", dbTok.Value)
}
