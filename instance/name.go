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

// Package instance parses and represents the logical identifier used to
// address a managed database instance: "project:region:instance", with an
// optional domain-scoped project form "domain.com:project:region:instance".
package instance

import (
	"fmt"
	"regexp"

	"github.com/nimbussql/connector/errtype"
)

// an instance connection name is "PROJECT:REGION:INSTANCE". Domain-scoped
// projects look like "domain.com:project", so the whole name may contain one
// extra colon-separated segment up front.
var nameRegex = regexp.MustCompile(`^([^:]+(?:\.[^:]+)*:[^:]+|[^:]+):([^:]+):([^:]+)$`)

// controlChars matches any ASCII control character; instance names must be
// plain text.
var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// Name is the parsed, immutable form of an instance connection name.
type Name struct {
	project string
	region  string
	name    string
}

// Parse validates and decomposes a connection name of the form
// "project:region:instance" (or "domain:project:region:instance" when the
// project is itself domain-scoped). It returns *errtype.ConfigError with Kind
// KindInvalidInstanceName on failure.
func Parse(cn string) (Name, error) {
	if controlChars.MatchString(cn) {
		return Name{}, errtype.NewConfigError(
			"invalid instance connection name: contains control characters", cn)
	}
	m := nameRegex.FindStringSubmatch(cn)
	if m == nil {
		return Name{}, errtype.NewConfigError(
			`invalid instance connection name, expected "project:region:instance"`, cn)
	}
	project, region, name := m[1], m[2], m[3]
	if project == "" || region == "" || name == "" {
		return Name{}, errtype.NewConfigError(
			"invalid instance connection name: empty component", cn)
	}
	return Name{project: project, region: region, name: name}, nil
}

// Project returns the project (or domain-scoped project) the instance runs
// in.
func (n Name) Project() string { return n.project }

// Region returns the region the instance runs in.
func (n Name) Region() string { return n.region }

// InstanceName returns the bare instance name, without project or region.
func (n Name) InstanceName() string { return n.name }

// String returns the canonical "project:region:instance" form. Parsing this
// value again yields an identical Name.
func (n Name) String() string {
	return fmt.Sprintf("%s:%s:%s", n.project, n.region, n.name)
}
