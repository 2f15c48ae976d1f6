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

// exitCode carries a specific process exit status alongside an error,
// matching the conventions a shell script invoking this binary expects.
type exitCode int

const (
	exitCodeOk      exitCode = 0
	exitCodeGeneric exitCode = 1
	exitCodeSigInt  exitCode = 130
	exitCodeSigTerm exitCode = 143
)

// exitError pairs an error with the process exit code it should produce.
type exitError struct {
	err  error
	code exitCode
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newExitError(err error, code exitCode) *exitError {
	return &exitError{err: err, code: code}
}
