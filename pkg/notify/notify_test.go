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

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSender struct {
	mu    sync.Mutex
	msgs  []Message
	err   error
	block chan struct{}
}

func (r *recordingSender) Send(ctx context.Context, msg Message) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestNewNotifierRequiresSender(t *testing.T) {
	_, err := NewNotifier(Config{}, nil)
	assert.Error(t, err)
}

func TestNotifierDeliversAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &recordingSender{}
	n, err := NewNotifier(Config{Workers: 2, QueueSize: 8}, sender)
	require.NoError(t, err)

	n.Notify("MQTT CONNECTED: alice")
	n.Notify("MQTT DISCONNECTED: device-1")

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	texts := []string{sender.msgs[0].Text, sender.msgs[1].Text}
	assert.NotEmpty(t, sender.msgs[0].ID)
	assert.NotEqual(t, sender.msgs[0].ID, sender.msgs[1].ID)
	sender.mu.Unlock()
	assert.ElementsMatch(t, []string{"MQTT CONNECTED: alice", "MQTT DISCONNECTED: device-1"}, texts)

	require.NoError(t, n.Close())
	assert.NoError(t, n.Close(), "second close is a no-op")
}

func TestNotifyNeverBlocksWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &recordingSender{block: make(chan struct{})}
	n, err := NewNotifier(Config{Workers: 1, QueueSize: 1}, sender)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			n.Notify("event")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled sender")
	}

	close(sender.block)
	require.NoError(t, n.Close())
	assert.LessOrEqual(t, sender.count(), 2)
}

func TestNotifierBreakerOpensOnFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &recordingSender{err: errors.New("unreachable")}
	n, err := NewNotifier(Config{Workers: 1, QueueSize: 16, FailureThreshold: 2, ResetTimeout: time.Minute}, sender)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n.Notify("event")
	}

	require.Eventually(t, func() bool { return n.State() == gobreaker.StateOpen }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.count(), "open breaker short-circuits further sends")

	require.NoError(t, n.Close())
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &recordingSender{}
	n, err := NewNotifier(Config{Workers: 1}, sender)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	n.Notify("late")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sender.count())
}

func TestWebhookSender(t *testing.T) {
	var got webhookPayload
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotID = r.Header.Get("X-Notification-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	err := s.Send(context.Background(), Message{ID: "abc", Text: "MQTT CONNECTED: alice"})
	require.NoError(t, err)
	assert.Equal(t, "text", got.MsgType)
	assert.Equal(t, "MQTT CONNECTED: alice", got.Text.Content)
	assert.Equal(t, "abc", gotID)
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL).Send(context.Background(), Message{Text: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestDiscardAndLogSender(t *testing.T) {
	Discard.Notify("ignored")
	assert.NoError(t, LogSender{}.Send(context.Background(), Message{Text: "hello"}))
}
