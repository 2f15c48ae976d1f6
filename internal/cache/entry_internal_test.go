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

package cache

import (
	"testing"
	"time"

	"github.com/nimbussql/connector/errtype"
	"github.com/stretchr/testify/require"
)

func TestNextRefreshDelay(t *testing.T) {
	now := time.Now()

	// Expiration far in the future: buffer applies, result well above the
	// jitter floor.
	d := nextRefreshDelay(now, now.Add(time.Hour))
	require.GreaterOrEqual(t, d, time.Hour-refreshBuffer)

	// Expiration close enough that refreshBuffer would push the delay below
	// the jitter floor: floor wins.
	d = nextRefreshDelay(now, now.Add(refreshBuffer+30*time.Second))
	require.GreaterOrEqual(t, d, minRefreshJitter)

	// Already expired: refresh immediately.
	d = nextRefreshDelay(now, now.Add(-time.Minute))
	require.Equal(t, time.Duration(0), d)
}

func TestCheckIAMSupported(t *testing.T) {
	tcs := []struct {
		version string
		wantErr bool
	}{
		{version: "POSTGRES_14", wantErr: false},
		{version: "MYSQL_8_0", wantErr: false},
		{version: "SQLSERVER_2019_STANDARD", wantErr: true},
		{version: "UNKNOWN_ENGINE", wantErr: true},
	}
	for _, tc := range tcs {
		err := checkIAMSupported("p:r:i", tc.version)
		if !tc.wantErr {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err)
		var refErr *errtype.RefreshError
		require.ErrorAs(t, err, &refErr)
		require.Equal(t, errtype.KindIAMUnsupported, refErr.Kind)
	}
	sqlServerErr := checkIAMSupported("p:r:i", "SQLSERVER_2019_STANDARD")
	require.Contains(t, sqlServerErr.Error(), "IAM Authentication is not supported for SQL Server instances")
}
