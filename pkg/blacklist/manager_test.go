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

package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEntryValidation(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr error
	}{
		{"exact client id", Entry{Type: ClientID, Value: "bad-device"}, nil},
		{"regex username", Entry{Type: Username, Pattern: "^guest-.*"}, nil},
		{"cidr", Entry{Type: IPAddress, Value: "10.0.0.0/8"}, nil},
		{"unknown type", Entry{Type: "color", Value: "red"}, ErrInvalidType},
		{"value and pattern", Entry{Type: Topic, Value: "a", Pattern: "a"}, ErrInvalidPattern},
		{"neither value nor pattern", Entry{Type: Topic}, ErrInvalidPattern},
		{"broken regex", Entry{Type: ClientID, Pattern: "(["}, ErrInvalidPattern},
		{"broken cidr", Entry{Type: IPAddress, Value: "10.0.0.0/99"}, ErrInvalidPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			e := tt.entry
			err := m.AddEntry(&e)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, m.Len())
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.CreatedAt.IsZero())
		})
	}
}

func TestAddEntryDuplicates(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddEntry(&Entry{ID: "one", Type: ClientID, Value: "x"}))
	assert.ErrorIs(t, m.AddEntry(&Entry{ID: "one", Type: Username, Value: "y"}), ErrEntryAlreadyExists)
	assert.ErrorIs(t, m.AddEntry(&Entry{Type: ClientID, Value: "x"}), ErrEntryAlreadyExists)
	require.NoError(t, m.AddEntry(&Entry{Type: Username, Value: "x"}), "same value under another type is fine")
}

func TestAllowConnect(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddEntry(&Entry{Type: ClientID, Value: "banned-client"}))
	require.NoError(t, m.AddEntry(&Entry{Type: Username, Pattern: "^guest-"}))
	require.NoError(t, m.AddEntry(&Entry{Type: IPAddress, Value: "192.168.1.0/24"}))
	require.NoError(t, m.AddEntry(&Entry{Type: IPAddress, Value: "10.1.1.1"}))

	tests := []struct {
		clientID, username, ip string
		want                   bool
	}{
		{"ok", "alice", "127.0.0.1", true},
		{"banned-client", "alice", "127.0.0.1", false},
		{"ok", "guest-42", "127.0.0.1", false},
		{"ok", "alice", "192.168.1.77", false},
		{"ok", "alice", "192.168.2.1", true},
		{"ok", "alice", "10.1.1.1", false},
		{"ok", "alice", "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.AllowConnect(tt.clientID, tt.username, tt.ip), "%+v", tt)
	}
}

func TestAllowTopic(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddEntry(&Entry{Type: Topic, Value: "admin/reboot"}))
	require.NoError(t, m.AddEntry(&Entry{Type: Topic, Pattern: "^\\$SYS/"}))

	assert.False(t, m.AllowTopic("admin/reboot"))
	assert.False(t, m.AllowTopic("$SYS/broker/uptime"))
	assert.True(t, m.AllowTopic("admin/reboot/now"), "exact entries do not match sub-topics")
	assert.True(t, m.AllowTopic("room/1"))
}

func TestExpiry(t *testing.T) {
	m := NewManager()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	expires := now.Add(time.Minute)
	require.NoError(t, m.AddEntry(&Entry{Type: ClientID, Value: "temp", ExpiresAt: &expires}))
	require.NoError(t, m.AddEntry(&Entry{Type: ClientID, Pattern: "^tmp-", ExpiresAt: &expires}))
	require.NoError(t, m.AddEntry(&Entry{Type: ClientID, Value: "forever"}))

	assert.NotNil(t, m.Match(ClientID, "temp"))
	assert.NotNil(t, m.Match(ClientID, "tmp-1"))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, m.Match(ClientID, "temp"))
	assert.Nil(t, m.Match(ClientID, "tmp-1"))
	assert.NotNil(t, m.Match(ClientID, "forever"))

	assert.Equal(t, 2, m.CleanupExpired())
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, m.CleanupExpired())
}

func TestRunCleanup(t *testing.T) {
	m := NewManager()
	expired := time.Now().Add(-time.Second)
	require.NoError(t, m.AddEntry(&Entry{Type: Username, Value: "old", ExpiresAt: &expired}))
	require.NoError(t, m.AddEntry(&Entry{Type: Username, Value: "kept"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunCleanup(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.NotNil(t, m.Match(Username, "kept"))
}

func TestRemoveAndList(t *testing.T) {
	m := NewManager()
	a := &Entry{Type: ClientID, Value: "a"}
	b := &Entry{Type: Username, Pattern: "b"}
	c := &Entry{Type: Username, Value: "c"}
	for _, e := range []*Entry{a, b, c} {
		require.NoError(t, m.AddEntry(e))
	}

	assert.Len(t, m.ListEntries(""), 3)
	assert.Len(t, m.ListEntries(Username), 2)

	got, err := m.GetEntry(b.ID)
	require.NoError(t, err)
	assert.Same(t, b, got)

	require.NoError(t, m.RemoveEntry(b.ID))
	assert.Nil(t, m.Match(Username, "bbb"))
	assert.ErrorIs(t, m.RemoveEntry(b.ID), ErrEntryNotFound)
	_, err = m.GetEntry(b.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	require.NoError(t, m.RemoveEntry(a.ID))
	assert.Nil(t, m.Match(ClientID, "a"))
	require.NoError(t, m.AddEntry(&Entry{Type: ClientID, Value: "a"}), "value can be banned again after removal")
}
