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

// Package codec frames MQTT control packets on a byte stream using the
// mochi-mqtt packet encoders. It is the only place that touches raw bytes.
package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mochi-mqtt/server/v2/packets"
)

// ErrUnsupportedPacket is returned for packet types this codec does not frame.
var ErrUnsupportedPacket = errors.New("unsupported packet type")

// MaxPacketSize bounds the remaining length accepted from a peer.
const MaxPacketSize = 1 << 20

// ReadPacket reads one full control packet from r. version is the protocol
// version negotiated by CONNECT and selects whether MQTT 5 properties are
// decoded; pass 0 before CONNECT has been seen.
func ReadPacket(r *bufio.Reader, version byte) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	if rem > MaxPacketSize {
		return nil, fmt.Errorf("packet of %d bytes exceeds limit of %d", rem, MaxPacketSize)
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: version}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Unsuback:
		err = pk.UnsubackDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	default:
		// Left undecoded; the dispatcher treats it as a protocol violation.
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", TypeName(pk.FixedHeader.Type), err)
	}

	return pk, nil
}

// Encode serializes pk into its wire form.
func Encode(pk *packets.Packet) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(&buf)
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPacket, pk.FixedHeader.Type)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePacket encodes pk and writes it to w in a single call.
func WritePacket(w io.Writer, pk *packets.Packet) error {
	b, err := Encode(pk)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// TypeName returns the control packet name for logs and metric labels.
func TypeName(t byte) string {
	switch t {
	case packets.Connect:
		return "CONNECT"
	case packets.Connack:
		return "CONNACK"
	case packets.Publish:
		return "PUBLISH"
	case packets.Puback:
		return "PUBACK"
	case packets.Pubrec:
		return "PUBREC"
	case packets.Pubrel:
		return "PUBREL"
	case packets.Pubcomp:
		return "PUBCOMP"
	case packets.Subscribe:
		return "SUBSCRIBE"
	case packets.Suback:
		return "SUBACK"
	case packets.Unsubscribe:
		return "UNSUBSCRIBE"
	case packets.Unsuback:
		return "UNSUBACK"
	case packets.Pingreq:
		return "PINGREQ"
	case packets.Pingresp:
		return "PINGRESP"
	case packets.Disconnect:
		return "DISCONNECT"
	case packets.Auth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}
