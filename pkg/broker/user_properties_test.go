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
	"testing"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardCopy(t *testing.T) {
	tests := []struct {
		name      string
		packet    *packets.Packet
		wantProps []packets.UserProperty
	}{
		{
			name: "No user properties",
			packet: &packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1, Retain: true, Dup: true},
				PacketID:    9,
				TopicName:   "test/topic",
				Payload:     []byte("test payload"),
			},
		},
		{
			name: "Multiple user properties",
			packet: &packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Publish},
				TopicName:   "test/topic",
				Payload:     []byte("test payload"),
				Properties: packets.Properties{
					User: []packets.UserProperty{
						{Key: "device", Val: "sensor-1"},
						{Key: "unit", Val: "celsius"},
						{Key: "unit", Val: "kelvin"},
					},
				},
			},
			wantProps: []packets.UserProperty{
				{Key: "device", Val: "sensor-1"},
				{Key: "unit", Val: "celsius"},
				{Key: "unit", Val: "kelvin"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := forwardCopy(tt.packet)

			assert.Equal(t, packets.Publish, out.FixedHeader.Type)
			assert.Equal(t, byte(0), out.FixedHeader.Qos, "forwarded copies are at most once")
			assert.False(t, out.FixedHeader.Retain)
			assert.False(t, out.FixedHeader.Dup)
			assert.Zero(t, out.PacketID)
			assert.Equal(t, tt.packet.TopicName, out.TopicName)
			assert.Equal(t, tt.packet.Payload, out.Payload)
			assert.Equal(t, tt.wantProps, out.Properties.User)
		})
	}
}

func TestForwardCopy_UserPropertiesAreNotShared(t *testing.T) {
	in := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   "t",
		Properties: packets.Properties{
			ContentType: "application/json",
			User:        []packets.UserProperty{{Key: "k", Val: "v"}},
		},
	}
	out := forwardCopy(in)
	in.Properties.User[0].Val = "changed"

	require.Len(t, out.Properties.User, 1)
	assert.Equal(t, "v", out.Properties.User[0].Val)
	assert.Equal(t, "application/json", out.Properties.ContentType)
}

func TestPublish_ForwardsUserPropertiesToSubscribers(t *testing.T) {
	b, _ := newTestBroker(t)
	sub := mustConnect(t, b, "sub")
	_, err := b.dispatcher.Dispatch(sub, subscribePacket(1, "props"))
	require.NoError(t, err)

	pub := mustConnect(t, b, "pub")
	pk := publishPacket("props", "body")
	pk.Properties.User = []packets.UserProperty{{Key: "trace", Val: "abc"}}
	_, err = b.dispatcher.Dispatch(pub, pk)
	require.NoError(t, err)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, []packets.UserProperty{{Key: "trace", Val: "abc"}}, got[0].Properties.User)
}
