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

// Package actor provides the mailbox primitive used by the broker's
// background processes: the per-connection writer that drains forwarded
// PUBLISH packets onto the socket and the notification workers.
package actor

import (
	"context"
	"sync/atomic"
)

// Actor is a long-running process fed through a Mailbox.
type Actor interface {
	// Start runs the actor until ctx is cancelled or the actor fails. It
	// returns nil on a clean shutdown.
	Start(ctx context.Context, mb *Mailbox) error
}

// Func adapts a function to Actor.
type Func func(ctx context.Context, mb *Mailbox) error

func (f Func) Start(ctx context.Context, mb *Mailbox) error { return f(ctx, mb) }

// Mailbox is a bounded queue. Producers that must never stall use TrySend,
// which drops and counts instead of waiting.
type Mailbox struct {
	messages chan any
	dropped  atomic.Uint64
}

func NewMailbox(size int) *Mailbox {
	return &Mailbox{messages: make(chan any, size)}
}

// Send waits for room in the mailbox or for ctx to be done.
func (mb *Mailbox) Send(ctx context.Context, msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg if there is room and reports whether it did.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		mb.dropped.Add(1)
		return false
	}
}

// Receive waits for the next message or for ctx to be done.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

func (mb *Mailbox) Len() int { return len(mb.messages) }

func (mb *Mailbox) Cap() int { return cap(mb.messages) }

// Dropped counts messages refused by TrySend.
func (mb *Mailbox) Dropped() uint64 { return mb.dropped.Load() }

// Chan exposes the queue for select loops.
func (mb *Mailbox) Chan() <-chan any { return mb.messages }
