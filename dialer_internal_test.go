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
	"testing"

	"github.com/nimbussql/connector/errtype"
	"github.com/stretchr/testify/require"
)

func TestPickAddrPrefersFirstAvailableType(t *testing.T) {
	ips := map[string]string{
		ipTypePublic:  "1.2.3.4",
		ipTypePrivate: "10.0.0.1",
	}
	addr, err := pickAddr(ips, []string{ipTypePrivate, ipTypePublic})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", addr)

	addr, err = pickAddr(ips, []string{ipTypePublic})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", addr)
}

func TestPickAddrFailsWhenNoneMatch(t *testing.T) {
	ips := map[string]string{ipTypePublic: "1.2.3.4"}
	_, err := pickAddr(ips, []string{ipTypePSC})
	require.Error(t, err)
}

func TestErrorIsHandshakeFailure(t *testing.T) {
	require.True(t, errorIsHandshakeFailure(
		errtype.NewDialError(errtype.KindHandshakeFailed, "x", "p:r:i", nil)))
	require.True(t, errorIsHandshakeFailure(
		errtype.NewDialError(errtype.KindServerIdentityMismatch, "x", "p:r:i", nil)))
	require.False(t, errorIsHandshakeFailure(
		errtype.NewDialError(errtype.KindDialFailed, "x", "p:r:i", nil)))
	require.False(t, errorIsHandshakeFailure(errtype.NewConfigError("x", "p:r:i")))
}

func TestOptionDefaults(t *testing.T) {
	cfg := defaultDialerConfig()
	require.Equal(t, defaultUserAgent, cfg.userAgent)
	require.Equal(t, credentialModeADC, cfg.credMode)

	WithIAMAuthN()(&cfg)
	WithUserAgent("custom-agent/1.0")(&cfg)
	WithTokenSource("tok-123")(&cfg)
	require.Equal(t, "custom-agent/1.0", cfg.userAgent)
	require.Equal(t, credentialModeToken, cfg.credMode)
	require.Equal(t, "tok-123", cfg.staticToken)
}

func TestDialOptionDefaults(t *testing.T) {
	cfg := defaultDialCfg()
	require.Equal(t, []string{ipTypePublic}, cfg.ipTypes)

	WithPrivateIP()(&cfg)
	require.Equal(t, []string{ipTypePrivate}, cfg.ipTypes)

	WithIPTypes(ipTypePSC, ipTypePublic)(&cfg)
	require.Equal(t, []string{ipTypePSC, ipTypePublic}, cfg.ipTypes)
}
