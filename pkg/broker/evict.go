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
	"io"
	"log"
	"net"

	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/session"
)

// evict closes sess and removes it from every registry and topic. Only the
// first call for a session has any effect.
func (b *Broker) evict(sess *session.Session, cause error) {
	// closing first makes a concurrent subscribe or promotion undo itself
	_ = sess.Close()

	wasConnected, wasAuthenticated := b.registry.Remove(sess.ID())
	if !wasConnected {
		return
	}
	left := b.router.Unroute(sess)

	reason := closeReason(cause)
	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	switch reason {
	case "client_disconnect", "peer_closed", "shutdown":
		log.Printf("[INFO] Session %s (%s) closed: %s, left %d topics", sess.ID(), sess.ClientID(), reason, len(left))
	default:
		log.Printf("[WARN] Session %s (%s) closed: %v, left %d topics", sess.ID(), sess.ClientID(), cause, len(left))
	}

	if wasAuthenticated {
		b.sink.Notify(fmt.Sprintf("MQTT DISCONNECTED: %s", sess.ClientID()))
	}
}

// closeReason maps the error that ended a connection to a metric label.
func closeReason(err error) string {
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, errShutdown):
		return "shutdown"
	case errors.Is(err, ErrClientDisconnected):
		return "client_disconnect"
	case errors.Is(err, errKicked):
		return "kicked"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrInternalFault):
		return "internal_fault"
	case errors.Is(err, errWriteFailed):
		return "write_error"
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, session.ErrClosed):
		return "peer_closed"
	case errors.As(err, &netErr):
		return "network_error"
	default:
		return "read_error"
	}
}
