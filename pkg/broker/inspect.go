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
	"sort"
	"time"

	"github.com/turtacn/pushmq/pkg/session"
)

// ClientInfo describes an authenticated connection.
type ClientInfo struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientid"`
	Username      string    `json:"username"`
	PeerHost      string    `json:"peerhost"`
	ProtoVer      byte      `json:"proto_ver"`
	KeepAlive     uint16    `json:"keepalive"`
	CleanStart    bool      `json:"clean_start"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
	QueueLen      int       `json:"mqueue_len"`
	Dropped       uint64    `json:"mqueue_dropped"`
}

// TopicInfo lists the subscribers of one topic.
type TopicInfo struct {
	Topic       string   `json:"topic"`
	Subscribers []string `json:"subscribers"`
}

// Stats is a point-in-time view of the registries.
type Stats struct {
	NodeID        string `json:"node"`
	Connections   int    `json:"connections"`
	Authenticated int    `json:"authenticated"`
	Topics        int    `json:"topics"`
}

// ConnectionCount returns the number of connected sessions.
func (b *Broker) ConnectionCount() int { return b.registry.Len() }

// AuthenticatedCount returns the number of authenticated sessions.
func (b *Broker) AuthenticatedCount() int { return b.registry.AuthenticatedLen() }

// Stats returns the current registry sizes.
func (b *Broker) Stats() Stats {
	return Stats{
		NodeID:        b.opts.NodeID,
		Connections:   b.registry.Len(),
		Authenticated: b.registry.AuthenticatedLen(),
		Topics:        len(b.topics.Topics()),
	}
}

// Subscribers returns the client ids subscribed to topicName, sorted.
func (b *Broker) Subscribers(topicName string) []string {
	subs := b.topics.GetSubscribers(topicName)
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ClientID())
	}
	sort.Strings(ids)
	return ids
}

// Topics lists every known topic with its subscribers.
func (b *Broker) Topics() []TopicInfo {
	names := b.topics.Topics()
	out := make([]TopicInfo, 0, len(names))
	for _, name := range names {
		out = append(out, TopicInfo{Topic: name, Subscribers: b.Subscribers(name)})
	}
	return out
}

// Clients lists authenticated connections ordered by client id.
func (b *Broker) Clients() []ClientInfo {
	var out []ClientInfo
	b.registry.RangeAuthenticated(func(sess *session.Session) bool {
		out = append(out, b.clientInfo(sess))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID == out[j].ClientID {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Client returns the connections that authenticated as clientID.
func (b *Broker) Client(clientID string) []ClientInfo {
	var out []ClientInfo
	for _, sess := range b.sessionsOf(clientID) {
		out = append(out, b.clientInfo(sess))
	}
	return out
}

// Kick closes every connection that authenticated as clientID and returns
// how many were closed.
func (b *Broker) Kick(clientID string) int {
	sessions := b.sessionsOf(clientID)
	for _, sess := range sessions {
		b.evict(sess, errKicked)
	}
	return len(sessions)
}

func (b *Broker) sessionsOf(clientID string) []*session.Session {
	var out []*session.Session
	b.registry.RangeAuthenticated(func(sess *session.Session) bool {
		if sess.ClientID() == clientID {
			out = append(out, sess)
		}
		return true
	})
	return out
}

func (b *Broker) clientInfo(sess *session.Session) ClientInfo {
	info := ClientInfo{
		ID:            sess.ID(),
		ClientID:      sess.ClientID(),
		Username:      sess.Username(),
		PeerHost:      sess.RemoteAddr(),
		ProtoVer:      sess.ProtocolVersion(),
		ConnectedAt:   sess.CreatedAt(),
		Subscriptions: b.topics.SubscriptionsOf(sess.ID()),
		QueueLen:      sess.Mailbox().Len(),
		Dropped:       sess.Mailbox().Dropped(),
	}
	if p := sess.AuthPayload(); p != nil {
		info.KeepAlive = p.Keepalive
		info.CleanStart = p.Clean
	}
	return info
}
