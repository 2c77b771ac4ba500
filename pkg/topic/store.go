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

// Package topic provides the thread-safe index from topic names to the
// connections subscribed to them. Topic names match by exact, case-sensitive
// string equality; no wildcard expansion is performed.
package topic

import (
	"sort"
	"sync"
)

// Subscriber is anything that can be keyed by a connection handle.
type Subscriber interface {
	ID() string
}

// subscriberSet is the membership of a single topic. Each set carries its own
// lock so contention stays confined to one topic.
type subscriberSet[S Subscriber] struct {
	mu      sync.RWMutex
	members map[string]S
}

// Store maps topic names to subscriber sets. The store-level lock only guards
// the topic map itself; membership changes take the per-topic lock.
type Store[S Subscriber] struct {
	mu     sync.RWMutex
	topics map[string]*subscriberSet[S]
}

// NewStore creates an empty Store.
func NewStore[S Subscriber]() *Store[S] {
	return &Store[S]{
		topics: make(map[string]*subscriberSet[S]),
	}
}

func (s *Store[S]) lookup(topic string) *subscriberSet[S] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topics[topic]
}

// getOrCreate returns the set for topic, creating it on first use.
func (s *Store[S]) getOrCreate(topic string) *subscriberSet[S] {
	if set := s.lookup(topic); set != nil {
		return set
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.topics[topic]
	if !ok {
		set = &subscriberSet[S]{members: make(map[string]S)}
		s.topics[topic] = set
	}
	return set
}

// Subscribe adds sub to topic and reports whether it was not already a
// member. Subscribing twice has no further effect.
func (s *Store[S]) Subscribe(topic string, sub S) bool {
	set := s.getOrCreate(topic)
	set.mu.Lock()
	defer set.mu.Unlock()
	if _, ok := set.members[sub.ID()]; ok {
		return false
	}
	set.members[sub.ID()] = sub
	return true
}

// Unsubscribe removes the subscriber with the given id from topic and
// reports whether it was a member. Unknown topics and non-members are no-ops.
// The topic entry is kept even when it becomes empty.
func (s *Store[S]) Unsubscribe(topic string, id string) bool {
	set := s.lookup(topic)
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if _, ok := set.members[id]; !ok {
		return false
	}
	delete(set.members, id)
	return true
}

// GetSubscribers returns a snapshot of topic's members.
func (s *Store[S]) GetSubscribers(topic string) []S {
	set := s.lookup(topic)
	if set == nil {
		return nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	subs := make([]S, 0, len(set.members))
	for _, sub := range set.members {
		subs = append(subs, sub)
	}
	return subs
}

// ForEach calls fn for every member of topic while holding the topic's read
// lock, so membership cannot change mid-iteration. fn must not block and must
// not call back into the store for the same topic. It returns the number of
// members visited and whether the topic exists.
func (s *Store[S]) ForEach(topic string, fn func(sub S)) (int, bool) {
	set := s.lookup(topic)
	if set == nil {
		return 0, false
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	for _, sub := range set.members {
		fn(sub)
	}
	return len(set.members), true
}

// IsSubscribed reports whether id is a member of topic.
func (s *Store[S]) IsSubscribed(topic string, id string) bool {
	set := s.lookup(topic)
	if set == nil {
		return false
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	_, ok := set.members[id]
	return ok
}

func (s *Store[S]) snapshot() map[string]*subscriberSet[S] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sets := make(map[string]*subscriberSet[S], len(s.topics))
	for name, set := range s.topics {
		sets[name] = set
	}
	return sets
}

// SubscriptionsOf returns the topics id is subscribed to, sorted.
func (s *Store[S]) SubscriptionsOf(id string) []string {
	var topics []string
	for name, set := range s.snapshot() {
		set.mu.RLock()
		if _, ok := set.members[id]; ok {
			topics = append(topics, name)
		}
		set.mu.RUnlock()
	}
	sort.Strings(topics)
	return topics
}

// RemoveAllSubscriptions removes id from every topic and returns the topics
// it was removed from, sorted.
func (s *Store[S]) RemoveAllSubscriptions(id string) []string {
	var removed []string
	for name, set := range s.snapshot() {
		set.mu.Lock()
		if _, ok := set.members[id]; ok {
			delete(set.members, id)
			removed = append(removed, name)
		}
		set.mu.Unlock()
	}
	sort.Strings(removed)
	return removed
}

// Topics returns the names of every topic ever subscribed to, sorted.
func (s *Store[S]) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
