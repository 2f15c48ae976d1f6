// Copyright 2022 Google LLC
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

package cmd

import (
	"io"

	"github.com/nimbussql/connector"
)

// Option configures a Command constructed by NewCommand. They exist so
// tests (and embedders) can override stdio and the Logger without touching
// flag parsing.
type Option func(*Command)

// WithStdout overrides the writer informational output is sent to.
func WithStdout(w io.Writer) Option {
	return func(c *Command) { c.stdout = w }
}

// WithStderr overrides the writer error output is sent to.
func WithStderr(w io.Writer) Option {
	return func(c *Command) { c.stderr = w }
}

// WithLogger overrides the connector.Logger passed to the Dialer.
func WithLogger(l connector.Logger) Option {
	return func(c *Command) { c.logger = l }
}
