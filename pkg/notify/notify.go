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

// Package notify delivers best-effort operator notifications about client
// lifecycle events. Notify never blocks the caller: messages go through a
// bounded queue served by supervised workers, and delivery failures are only
// logged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/turtacn/pushmq/pkg/actor"
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/supervisor"
)

// Sink accepts fire-and-forget notifications.
type Sink interface {
	Notify(text string)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(string) {}

// Message is one notification as handed to a Sender.
type Message struct {
	ID   string
	Text string
	Time time.Time
}

// Sender performs the actual delivery of a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config sizes the notifier.
type Config struct {
	Workers          int
	QueueSize        int
	Timeout          time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
	ShutdownTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Notifier is the asynchronous Sink used by the broker.
type Notifier struct {
	cfg     Config
	sender  Sender
	queue   *actor.Mailbox
	breaker *gobreaker.CircuitBreaker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewNotifier starts cfg.Workers workers delivering through sender.
func NewNotifier(cfg Config, sender Sender) (*Notifier, error) {
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	cfg.setDefaults()

	n := &Notifier{
		cfg:    cfg,
		sender: sender,
		queue:  actor.NewMailbox(cfg.QueueSize),
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[WARN] Notification circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	sup := supervisor.NewOneForOneSupervisor()
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		sup.StartChild(ctx, supervisor.Spec{
			ID:      fmt.Sprintf("notify-worker-%d", i),
			Actor:   worker{n: n},
			Restart:     supervisor.RestartPermanent,
			Mailbox:     n.queue,
			MaxRestarts: 10,
			OnExit:      func(string, error) { n.wg.Done() },
		})
	}

	log.Printf("[INFO] Notifier started with %d workers, queue size %d", cfg.Workers, cfg.QueueSize)
	return n, nil
}

// Notify queues text for delivery and returns immediately. When the queue is
// full or the notifier is closed the message is dropped.
func (n *Notifier) Notify(text string) {
	if n.closed.Load() {
		metrics.NotificationsDropped.WithLabelValues("closed").Inc()
		return
	}
	msg := Message{ID: uuid.NewString(), Text: text, Time: time.Now()}
	if !n.queue.TrySend(msg) {
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
		log.Printf("[WARN] Notification queue full, dropped: %q", text)
	}
}

// State exposes the circuit breaker state.
func (n *Notifier) State() gobreaker.State {
	return n.breaker.State()
}

// Close stops the workers. Queued messages that were not picked up are lost.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(n.cfg.ShutdownTimeout):
		return fmt.Errorf("notifier shutdown timed out with %d messages queued", n.queue.Len())
	}
}

func (n *Notifier) deliver(ctx context.Context, msg Message) {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
		return nil, n.sender.Send(sendCtx, msg)
	})
	if err != nil {
		reason := "send_failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "circuit_open"
		}
		metrics.NotificationsDropped.WithLabelValues(reason).Inc()
		log.Printf("[ERROR] Notification %s not delivered: %v", msg.ID, err)
	}
}

// worker is a supervised actor sharing the notifier's queue.
type worker struct {
	n *Notifier
}

func (w worker) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		raw, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}
		if msg, ok := raw.(Message); ok {
			w.n.deliver(ctx, msg)
		}
	}
}
