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

// Package connector dials managed database instances without exposing
// their database port to the public internet: it authenticates with the
// control plane, obtains a short-lived client certificate, and opens a
// mutually authenticated TLS connection directly to the instance, handling
// credential and certificate refresh transparently in the background.
package connector

import (
	"context"
	"io"
	"net"
)

// Dialer dials a managed database instance and reports its engine version.
// A single Dialer should be reused for the lifetime of an application: it
// owns the background refresh goroutines for every instance it has dialed,
// and Close must be called to stop them.
type Dialer interface {
	// Dial returns a connection to the specified instance.
	Dial(ctx context.Context, inst string, opts ...DialOption) (net.Conn, error)
	// EngineVersion retrieves the instance's database version (e.g.
	// POSTGRES_14, MYSQL_8_0, SQLSERVER_2019_STANDARD).
	EngineVersion(ctx context.Context, inst string) (string, error)
	// Warmup populates the cache for inst without returning a connection.
	Warmup(ctx context.Context, inst string) error

	io.Closer
}

// Logger is the interface used throughout the connector for logging. It's
// satisfied by both of the internal/log implementations and by *zap.SugaredLogger.
type Logger interface {
	// Debugf is for reporting additional information about internal operations.
	Debugf(format string, args ...interface{})
	// Infof is for reporting informational messages.
	Infof(format string, args ...interface{})
	// Errorf is for reporting errors.
	Errorf(format string, args ...interface{})
}

// nullLogger discards everything. Used when no Logger option is given.
type nullLogger struct{}

func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}
