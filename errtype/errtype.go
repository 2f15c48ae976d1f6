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

// Package errtype defines the error kinds returned by the connector, each
// carrying the instance name it applies to and, where relevant, the
// underlying cause.
package errtype

import "fmt"

// Kind identifies the semantic category of an error returned by the
// connector. It exists so callers can discriminate failure modes with
// errors.As instead of string matching.
type Kind string

// The error kinds surfaced to callers. TransientAPI failures are retried by
// the Admin API retry policy, and a HandshakeFailed or ServerIdentityMismatch
// dial is retried once after a forced refresh, before ever reaching the
// caller; the rest, DialFailed included, are not retried.
const (
	KindInvalidInstanceName    Kind = "InvalidInstanceName"
	KindNotAuthorized          Kind = "NotAuthorized"
	KindNotFound               Kind = "NotFound"
	KindTransientAPI           Kind = "TransientApi"
	KindIAMUnsupported         Kind = "IamUnsupported"
	KindTokenInvalid           Kind = "TokenInvalid"
	KindServerIdentityMismatch Kind = "ServerIdentityMismatch"
	KindHandshakeFailed        Kind = "HandshakeFailed"
	KindDialFailed             Kind = "DialFailed"
	KindEntryClosed            Kind = "EntryClosed"
)

// ConfigError is returned when the connector is misconfigured, e.g. an
// unparseable instance name, or an instance that cannot be reached with the
// configuration provided.
type ConfigError struct {
	Kind    Kind
	Inst    string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Inst, e.Message)
}

// NewConfigError initializes a ConfigError.
func NewConfigError(msg, inst string) *ConfigError {
	return &ConfigError{Kind: KindInvalidInstanceName, Inst: inst, Message: msg}
}

// RefreshError is returned when a background refresh of instance metadata or
// the ephemeral client certificate fails.
type RefreshError struct {
	Kind    Kind
	Inst    string
	Message string
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Inst, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Inst, e.Message)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// NewRefreshError initializes a RefreshError of the given kind.
func NewRefreshError(kind Kind, msg, inst string, err error) *RefreshError {
	return &RefreshError{Kind: kind, Inst: inst, Message: msg, Err: err}
}

// DialError is returned when establishing the TCP connection or TLS
// handshake to an instance fails.
type DialError struct {
	Kind    Kind
	Inst    string
	Message string
	Err     error
}

func (e *DialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Inst, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Inst, e.Message)
}

func (e *DialError) Unwrap() error { return e.Err }

// NewDialError initializes a DialError of the given kind.
func NewDialError(kind Kind, msg, inst string, err error) *DialError {
	return &DialError{Kind: kind, Inst: inst, Message: msg, Err: err}
}

// EntryClosedError is returned by any operation performed against an
// InstanceEntry after it has been terminated.
type EntryClosedError struct {
	Inst string
}

func (e *EntryClosedError) Error() string {
	return fmt.Sprintf("[%s] instance entry is closed", e.Inst)
}
