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

// Package keys supplies the RSA key pair used as the subject of every
// ephemeral client certificate issued for this process.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
)

// keyBits is the strength of the generated key. The control plane accepts
// nothing weaker.
const keyBits = 2048

// Source lazily generates a single RSA key pair and hands out the same one
// to every caller. Generation happens on a worker goroutine, so a caller
// whose context ends stops waiting without aborting it, and every caller
// observes the same completed result.
type Source struct {
	once   sync.Once
	ready  chan struct{}
	key    *rsa.PrivateKey
	keyErr error
}

// NewSource returns a Source with no key generated yet. Generation starts on
// the first call to Get.
func NewSource() *Source {
	return &Source{ready: make(chan struct{})}
}

// Get returns the process-wide RSA key pair, generating it on first use. The
// generation itself runs on a separate goroutine; every call to Get blocks on
// that same in-flight generation until it completes or ctx is done.
func (s *Source) Get(ctx context.Context) (*rsa.PrivateKey, error) {
	s.once.Do(func() {
		go func() {
			defer close(s.ready)
			s.key, s.keyErr = rsa.GenerateKey(rand.Reader, keyBits)
		}()
	})
	select {
	case <-s.ready:
		return s.key, s.keyErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
