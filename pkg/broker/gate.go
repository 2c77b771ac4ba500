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
	"fmt"
	"log"
	"net"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/notify"
	"github.com/turtacn/pushmq/pkg/session"
)

// Authenticator decides whether a username and password may connect.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(username, password string) bool

func (f AuthenticatorFunc) Authenticate(username, password string) bool {
	return f(username, password)
}

// AllowAll accepts every set of credentials.
var AllowAll Authenticator = AuthenticatorFunc(func(string, string) bool { return true })

// AccessPolicy vetoes clients and topics regardless of their credentials.
type AccessPolicy interface {
	AllowConnect(clientID, username, ip string) bool
	AllowTopic(topic string) bool
}

// Gate validates CONNECT packets and promotes sessions into the
// authenticated registry.
type Gate struct {
	auth     Authenticator
	policy   AccessPolicy
	registry *Registry
	sink     notify.Sink
}

// NewGate wires a Gate. A nil policy allows everyone and a nil sink discards
// notifications.
func NewGate(auth Authenticator, policy AccessPolicy, registry *Registry, sink notify.Sink) *Gate {
	if sink == nil {
		sink = notify.Discard
	}
	return &Gate{auth: auth, policy: policy, registry: registry, sink: sink}
}

// AuthenticateConnect checks the identity carried by a CONNECT packet. On
// success the session holds the CONNECT parameters and is in the
// authenticated registry; on failure nothing has been mutated and the caller
// must close the connection without replying.
func (g *Gate) AuthenticateConnect(sess *session.Session, pk *packets.Packet) error {
	c := pk.Connect
	switch {
	case c.ClientIdentifier == "":
		metrics.AuthFailuresTotal.WithLabelValues("empty_client_id").Inc()
		return fmt.Errorf("%w: empty client identifier", ErrProtocolViolation)
	case !c.UsernameFlag || len(c.Username) == 0:
		metrics.AuthFailuresTotal.WithLabelValues("empty_username").Inc()
		return fmt.Errorf("%w: client %s sent no username", ErrProtocolViolation, c.ClientIdentifier)
	case !c.PasswordFlag || len(c.Password) == 0:
		metrics.AuthFailuresTotal.WithLabelValues("empty_password").Inc()
		return fmt.Errorf("%w: client %s sent no password", ErrProtocolViolation, c.ClientIdentifier)
	}

	username := string(c.Username)
	if g.policy != nil && !g.policy.AllowConnect(c.ClientIdentifier, username, remoteIP(sess)) {
		metrics.AuthFailuresTotal.WithLabelValues("blacklisted").Inc()
		return fmt.Errorf("%w: client %s is banned", ErrNotAuthorized, c.ClientIdentifier)
	}
	if !g.auth.Authenticate(username, string(c.Password)) {
		metrics.AuthFailuresTotal.WithLabelValues("bad_credentials").Inc()
		return fmt.Errorf("%w: user %s", ErrNotAuthorized, username)
	}

	if !g.registry.IsConnected(sess.ID()) {
		return fmt.Errorf("promote %s: %w", sess.ID(), session.ErrClosed)
	}
	params := c
	sess.SetAuthPayload(&params)
	if !g.registry.Promote(sess) {
		return fmt.Errorf("promote %s: %w", sess.ID(), session.ErrClosed)
	}
	// eviction may have run between the membership check and the promotion
	if sess.Closed() {
		g.registry.Demote(sess.ID())
		return fmt.Errorf("promote %s: %w", sess.ID(), session.ErrClosed)
	}

	log.Printf("[INFO] Client %s authenticated as %s from %s", c.ClientIdentifier, username, sess.RemoteAddr())
	g.sink.Notify(fmt.Sprintf("MQTT CONNECTED: %s", username))
	return nil
}

func remoteIP(sess *session.Session) string {
	host, _, err := net.SplitHostPort(sess.RemoteAddr())
	if err != nil {
		return ""
	}
	return host
}
