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

package instance_test

import (
	"testing"

	"github.com/nimbussql/connector/errtype"
	"github.com/nimbussql/connector/instance"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tcs := []struct {
		desc    string
		cn      string
		project string
		region  string
		name    string
	}{
		{
			desc:    "basic connection name",
			cn:      "my-project:my-region:my-instance",
			project: "my-project",
			region:  "my-region",
			name:    "my-instance",
		},
		{
			desc:    "domain-scoped project",
			cn:      "example.com:my-project:my-region:my-instance",
			project: "example.com:my-project",
			region:  "my-region",
			name:    "my-instance",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			n, err := instance.Parse(tc.cn)
			require.NoError(t, err)
			require.Equal(t, tc.project, n.Project())
			require.Equal(t, tc.region, n.Region())
			require.Equal(t, tc.name, n.InstanceName())
			require.Equal(t, tc.cn, n.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	tcs := []struct {
		desc string
		cn   string
	}{
		{desc: "missing region and instance", cn: "my-project"},
		{desc: "too few segments", cn: "my-project:my-region"},
		{desc: "empty instance", cn: "my-project:my-region:"},
		{desc: "control characters", cn: "my-project:my-region:my-\x00instance"},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := instance.Parse(tc.cn)
			require.Error(t, err)
			var cfgErr *errtype.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, errtype.KindInvalidInstanceName, cfgErr.Kind)
		})
	}
}
