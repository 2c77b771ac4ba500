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

// Package blacklist bans client identifiers, usernames, IP addresses and
// topics. Entries match exactly, by regular expression or, for addresses, by
// CIDR range, and may expire.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/pushmq/pkg/metrics"
)

// Type is what an entry matches against.
type Type string

const (
	ClientID  Type = "clientid"
	Username  Type = "username"
	IPAddress Type = "ipaddress"
	Topic     Type = "topic"
)

var (
	ErrEntryNotFound      = errors.New("blacklist entry not found")
	ErrEntryAlreadyExists = errors.New("blacklist entry already exists")
	ErrInvalidPattern     = errors.New("invalid pattern")
	ErrInvalidType        = errors.New("invalid blacklist type")
)

// Entry is one ban. Exactly one of Value or Pattern is used: a Pattern is a
// regular expression, and an IPAddress Value may be a CIDR range.
type Entry struct {
	ID        string     `json:"id"`
	Type      Type       `json:"type"`
	Value     string     `json:"value,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	re      *regexp.Regexp
	network *net.IPNet
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *Entry) matches(value string) bool {
	switch {
	case e.re != nil:
		return e.re.MatchString(value)
	case e.network != nil:
		ip := net.ParseIP(value)
		return ip != nil && e.network.Contains(ip)
	default:
		return e.Value == value
	}
}

// Manager holds the active bans.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	exact   map[Type]map[string]*Entry
	fuzzy   map[Type][]*Entry
	now     func() time.Time
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		exact:   make(map[Type]map[string]*Entry),
		fuzzy:   make(map[Type][]*Entry),
		now:     time.Now,
	}
}

// AddEntry validates e, assigns an ID when missing and stores it.
func (m *Manager) AddEntry(e *Entry) error {
	if err := compile(e); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, ok := m.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrEntryAlreadyExists, e.ID)
	}
	if e.re == nil && e.network == nil {
		if _, ok := m.exact[e.Type][e.Value]; ok {
			return fmt.Errorf("%w: %s %s", ErrEntryAlreadyExists, e.Type, e.Value)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}

	m.entries[e.ID] = e
	if e.re == nil && e.network == nil {
		if m.exact[e.Type] == nil {
			m.exact[e.Type] = make(map[string]*Entry)
		}
		m.exact[e.Type][e.Value] = e
	} else {
		m.fuzzy[e.Type] = append(m.fuzzy[e.Type], e)
	}
	log.Printf("[INFO] Blacklist entry %s added: %s %s%s", e.ID, e.Type, e.Value, e.Pattern)
	return nil
}

func compile(e *Entry) error {
	switch e.Type {
	case ClientID, Username, IPAddress, Topic:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if (e.Value == "") == (e.Pattern == "") {
		return fmt.Errorf("%w: exactly one of value or pattern is required", ErrInvalidPattern)
	}

	if e.Pattern != "" {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		e.re = re
		return nil
	}
	if e.Type == IPAddress && strings.Contains(e.Value, "/") {
		_, network, err := net.ParseCIDR(e.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		e.network = network
	}
	return nil
}

// RemoveEntry deletes the entry with id.
func (m *Manager) RemoveEntry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	m.removeLocked(e)
	return nil
}

func (m *Manager) removeLocked(e *Entry) {
	delete(m.entries, e.ID)
	if e.re == nil && e.network == nil {
		delete(m.exact[e.Type], e.Value)
		return
	}
	list := m.fuzzy[e.Type]
	for i := range list {
		if list[i] == e {
			m.fuzzy[e.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// GetEntry returns the entry with id.
func (m *Manager) GetEntry(id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e, nil
}

// ListEntries returns the entries of type t, or all entries when t is empty,
// oldest first.
func (m *Manager) ListEntries(t Type) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if t == "" || e.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored entries, expired ones included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Match returns the first live entry of type t matching value.
func (m *Manager) Match(t Type, value string) *Entry {
	if value == "" {
		return nil
	}
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.exact[t][value]; ok && !e.expired(now) {
		return e
	}
	for _, e := range m.fuzzy[t] {
		if !e.expired(now) && e.matches(value) {
			return e
		}
	}
	return nil
}

// AllowConnect reports whether a client may connect. ip may be empty.
func (m *Manager) AllowConnect(clientID, username, ip string) bool {
	for _, c := range []struct {
		t Type
		v string
	}{{ClientID, clientID}, {Username, username}, {IPAddress, ip}} {
		if e := m.Match(c.t, c.v); e != nil {
			metrics.AccessDenied.WithLabelValues(string(c.t)).Inc()
			log.Printf("[WARN] Connection of %s/%s from %s denied by blacklist entry %s", clientID, username, ip, e.ID)
			return false
		}
	}
	return true
}

// AllowTopic reports whether topic may be subscribed or published to.
func (m *Manager) AllowTopic(topic string) bool {
	if e := m.Match(Topic, topic); e != nil {
		metrics.AccessDenied.WithLabelValues(string(Topic)).Inc()
		return false
	}
	return true
}

// CleanupExpired removes expired entries and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.expired(now) {
			m.removeLocked(e)
			n++
		}
	}
	return n
}

// RunCleanup purges expired entries every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpired(); n > 0 {
				log.Printf("[INFO] Removed %d expired blacklist entries", n)
			}
		}
	}
}
