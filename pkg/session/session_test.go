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

package session

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushmq/pkg/codec"
)

func newPipeSession(t *testing.T, opts Options) (*Session, *bufio.Reader) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return New(server, opts), bufio.NewReader(client)
}

func TestNewSessionHasUniqueID(t *testing.T) {
	a := New(nil, Options{})
	b := New(nil, Options{})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.IsAuthenticated())
	assert.Equal(t, "", a.ClientID())
	assert.Equal(t, "", a.RemoteAddr())
}

func TestSessionAuthPayload(t *testing.T) {
	s := New(nil, Options{})
	s.SetAuthPayload(&packets.ConnectParams{
		ClientIdentifier: "device-1",
		Username:         []byte("alice"),
	})

	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, "device-1", s.ClientID())
	assert.Equal(t, "alice", s.Username())
}

func TestNextMessageIDSequential(t *testing.T) {
	s := New(nil, Options{})
	for want := uint16(1); want <= 100; want++ {
		assert.Equal(t, want, s.NextMessageID())
	}
}

func TestNextMessageIDWraps(t *testing.T) {
	s := New(nil, Options{})
	s.messageID.Store(MaxMessageID - 1)

	assert.Equal(t, uint16(MaxMessageID), s.NextMessageID())
	assert.Equal(t, uint16(1), s.NextMessageID())
	assert.Equal(t, uint16(2), s.NextMessageID())
}

func TestNextMessageIDNoReuseBeforeWrap(t *testing.T) {
	s := New(nil, Options{})
	seen := make(map[uint16]struct{}, MaxMessageID)
	for i := 0; i < MaxMessageID; i++ {
		id := s.NextMessageID()
		require.NotZero(t, id)
		_, dup := seen[id]
		require.False(t, dup, "id %d reused before wrap", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, uint16(1), s.NextMessageID())
}

func TestNextMessageIDConcurrent(t *testing.T) {
	s := New(nil, Options{})
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[uint16]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := s.NextMessageID()
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %d allocated twice", id)
	}
}

func TestSessionWritePacket(t *testing.T) {
	s, r := newPipeSession(t, Options{})
	s.SetProtocolVersion(4)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	}()

	pk, err := codec.ReadPacket(r, 4)
	require.NoError(t, err)
	assert.Equal(t, packets.Pingresp, pk.FixedHeader.Type)
	require.NoError(t, <-errCh)
}

func TestSessionWriteTimeout(t *testing.T) {
	s, _ := newPipeSession(t, Options{WriteTimeout: 20 * time.Millisecond})

	err := s.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestSessionDeliverDropsWhenFull(t *testing.T) {
	s := New(nil, Options{MailboxSize: 1})
	pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Publish}, TopicName: "t"}

	assert.True(t, s.Deliver(pk))
	assert.False(t, s.Deliver(pk))
	assert.Equal(t, 1, s.Mailbox().Len())
}

func TestSessionWriterActorForwardsPublish(t *testing.T) {
	s, r := newPipeSession(t, Options{})
	s.SetProtocolVersion(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, s.Mailbox()) }()

	require.True(t, s.Deliver(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   "room/1",
		Payload:     []byte("hello"),
	}))

	pk, err := codec.ReadPacket(r, 4)
	require.NoError(t, err)
	assert.Equal(t, "room/1", pk.TopicName)
	assert.Equal(t, "hello", string(pk.Payload))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer actor did not stop")
	}
}

func TestSessionClose(t *testing.T) {
	s, _ := newPipeSession(t, Options{})

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	assert.NoError(t, s.Close(), "second close is a no-op")

	err := s.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, s.Deliver(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Publish}}))
}
