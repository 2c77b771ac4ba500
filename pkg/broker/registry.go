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

package broker

import (
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/session"
	"github.com/turtacn/pushmq/pkg/storage"
)

// Registry holds the live connections of a broker. Every authenticated
// session is also in the global set.
type Registry struct {
	global        *storage.MemStore[*session.Session]
	authenticated *storage.MemStore[*session.Session]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		global:        storage.NewMemStore[*session.Session](),
		authenticated: storage.NewMemStore[*session.Session](),
	}
}

// Register adds a freshly accepted session to the global set.
func (r *Registry) Register(sess *session.Session) {
	if r.global.SetIfAbsent(sess.ID(), sess) {
		metrics.ConnectionsActive.Inc()
	}
}

// Promote moves sess into the authenticated set. It refuses sessions that are
// no longer connected and sessions that were already promoted.
func (r *Registry) Promote(sess *session.Session) bool {
	if !r.global.Contains(sess.ID()) {
		return false
	}
	if !r.authenticated.SetIfAbsent(sess.ID(), sess) {
		return false
	}
	metrics.SessionsAuthenticated.Inc()
	return true
}

// Demote drops sess from the authenticated set only.
func (r *Registry) Demote(id string) bool {
	if r.authenticated.Remove(id) {
		metrics.SessionsAuthenticated.Dec()
		return true
	}
	return false
}

// Remove deletes id from the global set and then from the authenticated set,
// reporting which of them it was found in.
func (r *Registry) Remove(id string) (wasConnected, wasAuthenticated bool) {
	wasConnected = r.global.Remove(id)
	if wasConnected {
		metrics.ConnectionsActive.Dec()
	}
	wasAuthenticated = r.Demote(id)
	return wasConnected, wasAuthenticated
}

// Get looks up a connected session.
func (r *Registry) Get(id string) (*session.Session, bool) {
	sess, err := r.global.Get(id)
	return sess, err == nil
}

func (r *Registry) IsConnected(id string) bool { return r.global.Contains(id) }

func (r *Registry) IsAuthenticated(id string) bool { return r.authenticated.Contains(id) }

// Len returns the number of connected sessions.
func (r *Registry) Len() int { return r.global.Len() }

// AuthenticatedLen returns the number of authenticated sessions.
func (r *Registry) AuthenticatedLen() int { return r.authenticated.Len() }

// Range calls fn for every connected session until fn returns false.
func (r *Registry) Range(fn func(sess *session.Session) bool) {
	r.global.Range(func(_ string, sess *session.Session) bool {
		return fn(sess)
	})
}

// RangeAuthenticated calls fn for every authenticated session until fn
// returns false.
func (r *Registry) RangeAuthenticated(fn func(sess *session.Session) bool) {
	r.authenticated.Range(func(_ string, sess *session.Session) bool {
		return fn(sess)
	})
}
