// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth implements the broker's authentication backend: a chain of
// username/password authenticators collapsed into the single yes/no answer
// the CONNECT gate needs.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain stores passwords as-is.
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores hex(sha256(salt + password)).
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores a bcrypt hash.
	HashBcrypt HashAlgorithm = "bcrypt"
)

// User represents a user credential entry
type User struct {
	Username     string        `json:"username"`
	PasswordHash string        `json:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm"`
	Salt         string        `json:"salt,omitempty"`
	Enabled      bool          `json:"enabled"`
}

// AuthResult is the verdict of a single authenticator.
type AuthResult int

const (
	// AuthSuccess accepts the credentials and ends the chain.
	AuthSuccess AuthResult = iota
	// AuthFailure rejects the credentials and ends the chain.
	AuthFailure
	// AuthError reports a backend problem; the chain moves on.
	AuthError
	// AuthIgnore means the authenticator has no opinion; the chain moves on.
	AuthIgnore
)

func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator defines the interface for authentication providers
type Authenticator interface {
	Authenticate(username, password string) AuthResult
	Name() string
	Enabled() bool
}

// AuthChain runs authenticators in order until one accepts or rejects.
type AuthChain struct {
	mu             sync.RWMutex
	authenticators []Authenticator
	enabled        bool
}

// NewAuthChain creates an enabled, empty chain.
func NewAuthChain() *AuthChain {
	return &AuthChain{
		authenticators: make([]Authenticator, 0),
		enabled:        true,
	}
}

// AddAuthenticator appends auth to the chain.
func (ac *AuthChain) AddAuthenticator(auth Authenticator) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.authenticators = append(ac.authenticators, auth)
}

// Authenticate processes authentication through the chain:
//   - the first AuthSuccess or AuthFailure decides;
//   - AuthError and AuthIgnore fall through to the next authenticator;
//   - a chain where nobody decided, including an empty chain, fails.
//
// A disabled chain returns AuthIgnore.
func (ac *AuthChain) Authenticate(username, password string) AuthResult {
	ac.mu.RLock()
	enabled := ac.enabled
	chain := make([]Authenticator, len(ac.authenticators))
	copy(chain, ac.authenticators)
	ac.mu.RUnlock()

	if !enabled {
		return AuthIgnore
	}

	for _, auth := range chain {
		if !auth.Enabled() {
			continue
		}

		result := auth.Authenticate(username, password)
		log.Printf("[DEBUG] Authenticator %s returned %s for user: %s", auth.Name(), result, username)

		switch result {
		case AuthSuccess, AuthFailure:
			return result
		case AuthError:
			log.Printf("[ERROR] Authentication error for user: %s via %s", username, auth.Name())
		}
	}

	log.Printf("[WARN] No authenticator accepted user: %s, denying access", username)
	return AuthFailure
}

// Allow is the boolean form of Authenticate used by the CONNECT gate. A
// disabled chain allows every client.
func (ac *AuthChain) Allow(username, password string) bool {
	switch ac.Authenticate(username, password) {
	case AuthSuccess, AuthIgnore:
		return true
	default:
		return false
	}
}

func (ac *AuthChain) SetEnabled(enabled bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.enabled = enabled
}

// IsEnabled returns whether the authentication chain is enabled
func (ac *AuthChain) IsEnabled() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.enabled
}

func (ac *AuthChain) Clear() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.authenticators = ac.authenticators[:0]
}

func (ac *AuthChain) Count() int {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return len(ac.authenticators)
}

// Pinger is implemented by authenticators backed by a remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks every enabled authenticator that implements Pinger.
func (ac *AuthChain) Ping(ctx context.Context) error {
	ac.mu.RLock()
	chain := make([]Authenticator, len(ac.authenticators))
	copy(chain, ac.authenticators)
	ac.mu.RUnlock()

	var errs []error
	for _, a := range chain {
		p, ok := a.(Pinger)
		if !ok || !a.Enabled() {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases authenticators holding resources, such as connection pools.
func (ac *AuthChain) Close() error {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	var errs []error
	for _, a := range ac.authenticators {
		if c, ok := a.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + password))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func verifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return password == hash
	case HashSHA256:
		expected, err := hashPassword(password, salt, HashSHA256)
		if err != nil {
			return false
		}
		return expected == hash
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
