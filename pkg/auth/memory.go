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

package auth

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryAuthenticator checks credentials against users loaded from the
// broker configuration. Passwords are hashed on insert.
type MemoryAuthenticator struct {
	mu      sync.RWMutex
	users   map[string]User
	enabled atomic.Bool
}

func NewMemoryAuthenticator() *MemoryAuthenticator {
	ma := &MemoryAuthenticator{users: make(map[string]User)}
	ma.enabled.Store(true)
	return ma
}

func (ma *MemoryAuthenticator) Name() string { return "memory" }

func (ma *MemoryAuthenticator) Enabled() bool { return ma.enabled.Load() }

func (ma *MemoryAuthenticator) SetEnabled(enabled bool) { ma.enabled.Store(enabled) }

// AddUser stores username with password hashed by algorithm, replacing any
// previous entry. sha256 hashes are salted with the username.
func (ma *MemoryAuthenticator) AddUser(username, password string, algorithm HashAlgorithm, enabled bool) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	var salt string
	if algorithm == HashSHA256 {
		salt = username
	}
	hash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password for %s: %w", username, err)
	}

	ma.mu.Lock()
	ma.users[username] = User{
		Username:     username,
		PasswordHash: hash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      enabled,
	}
	ma.mu.Unlock()

	log.Printf("[DEBUG] Loaded user %s (%s, enabled=%t)", username, algorithm, enabled)
	return nil
}

func (ma *MemoryAuthenticator) RemoveUser(username string) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if _, ok := ma.users[username]; !ok {
		return fmt.Errorf("user not found: %s", username)
	}
	delete(ma.users, username)
	return nil
}

func (ma *MemoryAuthenticator) SetUserEnabled(username string, enabled bool) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	u, ok := ma.users[username]
	if !ok {
		return fmt.Errorf("user not found: %s", username)
	}
	u.Enabled = enabled
	ma.users[username] = u
	return nil
}

// Authenticate ignores unknown users so later authenticators get a chance.
func (ma *MemoryAuthenticator) Authenticate(username, password string) AuthResult {
	if !ma.Enabled() || username == "" {
		return AuthIgnore
	}

	ma.mu.RLock()
	u, ok := ma.users[username]
	ma.mu.RUnlock()

	switch {
	case !ok:
		return AuthIgnore
	case !u.Enabled:
		log.Printf("[WARN] User %s is disabled", username)
		return AuthFailure
	case verifyPassword(password, u.PasswordHash, u.Salt, u.Algorithm):
		return AuthSuccess
	default:
		return AuthFailure
	}
}

// Users lists the stored usernames in order.
func (ma *MemoryAuthenticator) Users() []string {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	names := make([]string, 0, len(ma.users))
	for name := range ma.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ma *MemoryAuthenticator) Count() int {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return len(ma.users)
}
