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

// Package session holds the per-connection state of the broker: identity,
// the CONNECT payload captured at authentication, the message-id counter and
// the outbound path to the socket.
package session

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/pushmq/pkg/actor"
	"github.com/turtacn/pushmq/pkg/codec"
)

// ErrClosed is returned when writing to a session that has been closed.
var ErrClosed = errors.New("session closed")

const (
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultMailboxSize is the number of forwarded messages buffered per session.
	DefaultMailboxSize = 256
)

// Options tune the outbound side of a Session.
type Options struct {
	WriteTimeout time.Duration
	MailboxSize  int
}

// Session is the state of a single client connection.
type Session struct {
	id           string
	createdAt    time.Time
	conn         net.Conn
	writeTimeout time.Duration
	mailbox      *actor.Mailbox

	writeMu sync.Mutex

	auth      atomic.Pointer[packets.ConnectParams]
	messageID atomic.Int32
	version   atomic.Uint32

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates the state for a freshly accepted connection and assigns it a
// unique handle.
func New(conn net.Conn, opts Options) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	return &Session{
		id:           uuid.NewString(),
		createdAt:    time.Now(),
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		mailbox:      actor.NewMailbox(opts.MailboxSize),
	}
}

// ID returns the connection handle used as the registry key.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Conn returns the underlying network connection.
func (s *Session) Conn() net.Conn { return s.conn }

// RemoteAddr returns the peer address, or "" when unknown.
func (s *Session) RemoteAddr() string {
	if s.conn == nil || s.conn.RemoteAddr() == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Mailbox returns the queue drained by the session's writer actor.
func (s *Session) Mailbox() *actor.Mailbox { return s.mailbox }

// SetAuthPayload records the CONNECT parameters of an authenticated client.
func (s *Session) SetAuthPayload(p *packets.ConnectParams) {
	s.auth.Store(p)
}

// AuthPayload returns the CONNECT parameters, or nil before authentication.
func (s *Session) AuthPayload() *packets.ConnectParams {
	return s.auth.Load()
}

// IsAuthenticated reports whether CONNECT authentication succeeded.
func (s *Session) IsAuthenticated() bool {
	return s.auth.Load() != nil
}

// ClientID returns the client identifier from CONNECT, or "".
func (s *Session) ClientID() string {
	if p := s.auth.Load(); p != nil {
		return p.ClientIdentifier
	}
	return ""
}

// Username returns the username from CONNECT, or "".
func (s *Session) Username() string {
	if p := s.auth.Load(); p != nil {
		return string(p.Username)
	}
	return ""
}

// SetProtocolVersion records the protocol level announced in CONNECT.
func (s *Session) SetProtocolVersion(v byte) {
	s.version.Store(uint32(v))
}

// ProtocolVersion returns the negotiated protocol level, 0 before CONNECT.
func (s *Session) ProtocolVersion() byte {
	return byte(s.version.Load())
}

// WritePacket encodes pk for this session's protocol version and writes it
// with the configured write deadline.
func (s *Session) WritePacket(pk packets.Packet) error {
	if s.closed.Load() {
		return ErrClosed
	}
	pk.ProtocolVersion = s.ProtocolVersion()
	b, err := codec.Encode(&pk)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err = s.conn.Write(b)
	return err
}

// Deliver queues pk for the writer actor without blocking. It reports false
// when the session is closed or its mailbox is full.
func (s *Session) Deliver(pk packets.Packet) bool {
	if s.closed.Load() {
		return false
	}
	return s.mailbox.TrySend(pk)
}

// Start drains the mailbox onto the socket until ctx is done or a write
// fails. It implements actor.Actor.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}

		pk, ok := msg.(packets.Packet)
		if !ok {
			log.Printf("[WARN] Session %s received unknown message type: %T", s.id, msg)
			continue
		}
		if err := s.WritePacket(pk); err != nil {
			return err
		}
	}
}

// Close closes the connection once. Later calls are no-ops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}
