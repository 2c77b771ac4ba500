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
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/pushmq/pkg/codec"
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/session"
)

var (
	// ErrProtocolViolation closes a connection that sent a malformed,
	// unexpected or out-of-order packet.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNotAuthorized closes a connection whose credentials were refused.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrClientDisconnected reports a DISCONNECT sent by the client.
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrIdleTimeout reports a connection that stayed silent for the idle window.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrInternalFault reports a panic recovered while handling a packet.
	ErrInternalFault = errors.New("internal fault")
)

// Dispatcher routes each inbound packet to the gate or the router. It keeps
// no state of its own.
type Dispatcher struct {
	gate     *Gate
	router   *Router
	registry *Registry
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(gate *Gate, router *Router, registry *Registry) *Dispatcher {
	return &Dispatcher{gate: gate, router: router, registry: registry}
}

// Dispatch handles pk for sess. It returns the packet to send back, if any,
// and a non-nil error when the connection must be closed. The reply is nil
// whenever err is set.
func (d *Dispatcher) Dispatch(sess *session.Session, pk *packets.Packet) (reply *packets.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Panic while handling %s for session %s: %v\n%s",
				codec.TypeName(pk.FixedHeader.Type), sess.ID(), r, debug.Stack())
			reply, err = nil, fmt.Errorf("%w: %v", ErrInternalFault, r)
		}
	}()

	metrics.PacketsReceived.WithLabelValues(codec.TypeName(pk.FixedHeader.Type)).Inc()

	var out packets.Packet
	switch pk.FixedHeader.Type {
	case packets.Connect:
		if sess.IsAuthenticated() {
			return nil, fmt.Errorf("%w: second CONNECT from %s", ErrProtocolViolation, sess.ClientID())
		}
		sess.SetProtocolVersion(pk.ProtocolVersion)
		if err := d.gate.AuthenticateConnect(sess, pk); err != nil {
			return nil, err
		}
		out = packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connack},
			ReasonCode:  packets.CodeSuccess.Code,
		}

	case packets.Pingreq:
		out = packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}

	case packets.Subscribe, packets.Unsubscribe, packets.Publish:
		if !d.authorized(sess) {
			return nil, fmt.Errorf("%w: %s before CONNECT", ErrProtocolViolation, codec.TypeName(pk.FixedHeader.Type))
		}
		out, err = d.route(sess, pk)
		if err != nil {
			return nil, err
		}

	case packets.Disconnect:
		return nil, ErrClientDisconnected

	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, codec.TypeName(pk.FixedHeader.Type))
	}

	return &out, nil
}

func (d *Dispatcher) route(sess *session.Session, pk *packets.Packet) (packets.Packet, error) {
	switch pk.FixedHeader.Type {
	case packets.Subscribe:
		return d.router.Subscribe(sess, pk)
	case packets.Unsubscribe:
		return d.router.Unsubscribe(sess, pk)
	default:
		return d.router.Publish(sess, pk)
	}
}

// authorized is true only for sessions carrying CONNECT parameters that are
// also present in the authenticated registry.
func (d *Dispatcher) authorized(sess *session.Session) bool {
	return sess.IsAuthenticated() && d.registry.IsAuthenticated(sess.ID())
}
