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

// Package broker contains the MQTT connection lifecycle and topic routing
// engine.
package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/turtacn/pushmq/pkg/codec"
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/notify"
	"github.com/turtacn/pushmq/pkg/session"
	"github.com/turtacn/pushmq/pkg/supervisor"
	"github.com/turtacn/pushmq/pkg/topic"
	"golang.org/x/sync/semaphore"
)

// DefaultIdleTimeout closes connections that send nothing for this long.
const DefaultIdleTimeout = 45 * time.Second

var (
	errShutdown    = errors.New("broker shutting down")
	errWriteFailed = errors.New("write failed")
	errKicked      = errors.New("kicked by administrator")
)

// ConnLimiter decides whether a newly accepted connection may proceed.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// Options configure a Broker. Zero values select the defaults.
type Options struct {
	NodeID string
	// IdleTimeout is the longest silence tolerated on a connection.
	IdleTimeout time.Duration
	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration
	// WorkerPoolSize caps how many packets are dispatched at once across all
	// connections. Defaults to twice the number of CPUs.
	WorkerPoolSize int
	// MailboxSize is the per-session queue of forwarded messages.
	MailboxSize int
	// Authenticator checks CONNECT credentials. nil accepts everyone.
	Authenticator Authenticator
	// Notifier receives connect and disconnect notices. nil discards them.
	Notifier notify.Sink
	// Limiter throttles accepted connections. nil disables throttling.
	Limiter ConnLimiter
	// Policy bans clients and topics. nil allows everything.
	Policy AccessPolicy
}

// Broker accepts MQTT connections and routes messages between them.
type Broker struct {
	opts       Options
	sup        supervisor.Supervisor
	registry   *Registry
	topics     *topic.Store[*session.Session]
	router     *Router
	dispatcher *Dispatcher
	sink       notify.Sink
	pool       *semaphore.Weighted
	wg         sync.WaitGroup
}

// New creates a Broker.
func New(opts Options) *Broker {
	if opts.NodeID == "" {
		opts.NodeID = "pushmq-node"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = session.DefaultWriteTimeout
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = runtime.NumCPU() * 2
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = session.DefaultMailboxSize
	}
	if opts.Authenticator == nil {
		log.Println("[WARN] No authenticator configured, every client will be accepted")
		opts.Authenticator = AllowAll
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}

	registry := NewRegistry()
	topics := topic.NewStore[*session.Session]()
	router := NewRouter(topics, opts.Policy)
	gate := NewGate(opts.Authenticator, opts.Policy, registry, opts.Notifier)

	return &Broker{
		opts:       opts,
		sup:        supervisor.NewOneForOneSupervisor(),
		registry:   registry,
		topics:     topics,
		router:     router,
		dispatcher: NewDispatcher(gate, router, registry),
		sink:       opts.Notifier,
		pool:       semaphore.NewWeighted(int64(opts.WorkerPoolSize)),
	}
}

// StartServer listens on addr and serves until ctx is cancelled.
func (b *Broker) StartServer(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.Printf("[INFO] MQTT broker %s listening on %s", b.opts.NodeID, listener.Addr())
	return b.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled, then
// closes every session and waits for their handlers to return.
func (b *Broker) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var serveErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("listener closed: %w", err)
				break
			}
			log.Printf("[WARN] Failed to accept connection: %v", err)
			continue
		}

		if b.opts.Limiter != nil && !b.opts.Limiter.Allow(conn.RemoteAddr()) {
			metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
			log.Printf("[WARN] Connection from %s rejected: rate limited", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConnection(ctx, conn)
		}()
	}

	log.Println("[INFO] Listener is shutting down")
	b.registry.Range(func(sess *session.Session) bool {
		_ = sess.Close()
		return true
	})
	b.wg.Wait()
	return serveErr
}

// handleConnection runs the read loop of one connection and evicts the
// session when it ends.
func (b *Broker) handleConnection(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	sess := session.New(conn, session.Options{
		WriteTimeout: b.opts.WriteTimeout,
		MailboxSize:  b.opts.MailboxSize,
	})
	b.registry.Register(sess)
	log.Printf("[DEBUG] Accepted connection %s from %s", sess.ID(), sess.RemoteAddr())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, func() { _ = sess.Close() })
	defer stop()

	b.sup.StartChild(connCtx, supervisor.Spec{
		ID:      "session-" + sess.ID(),
		Actor:   sess,
		Restart: supervisor.RestartTemporary,
		Mailbox: sess.Mailbox(),
		OnExit: func(_ string, err error) {
			if err != nil {
				b.evict(sess, fmt.Errorf("%w: %v", errWriteFailed, err))
			}
		},
	})

	b.evict(sess, b.readLoop(connCtx, sess))
}

func (b *Broker) readLoop(ctx context.Context, sess *session.Session) error {
	conn := sess.Conn()
	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(b.opts.IdleTimeout)); err != nil {
			return err
		}
		pk, err := codec.ReadPacket(reader, sess.ProtocolVersion())
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: nothing received for %s", ErrIdleTimeout, b.opts.IdleTimeout)
			}
			if ctx.Err() != nil {
				return errShutdown
			}
			return err
		}

		if err := b.pool.Acquire(ctx, 1); err != nil {
			return errShutdown
		}
		reply, err := b.dispatcher.Dispatch(sess, pk)
		b.pool.Release(1)
		if err != nil {
			return err
		}
		if reply != nil {
			if err := sess.WritePacket(*reply); err != nil {
				return fmt.Errorf("%w: %v", errWriteFailed, err)
			}
		}
	}
}
