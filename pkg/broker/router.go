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
	"fmt"
	"log"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/session"
	"github.com/turtacn/pushmq/pkg/topic"
)

// Router maintains topic membership and fans PUBLISH packets out to
// subscribers. Topics match by exact string equality.
type Router struct {
	topics *topic.Store[*session.Session]
	policy AccessPolicy
}

// NewRouter returns a Router over topics. A nil policy allows every topic.
func NewRouter(topics *topic.Store[*session.Session], policy AccessPolicy) *Router {
	return &Router{topics: topics, policy: policy}
}

func (r *Router) allowed(topicName string) bool {
	return r.policy == nil || r.policy.AllowTopic(topicName)
}

// Subscribe adds sess to every filter of pk and returns the SUBACK.
func (r *Router) Subscribe(sess *session.Session, pk *packets.Packet) (packets.Packet, error) {
	if len(pk.Filters) == 0 {
		return packets.Packet{}, fmt.Errorf("%w: SUBSCRIBE without topics", ErrProtocolViolation)
	}
	codes := make([]byte, 0, len(pk.Filters))
	for _, sub := range pk.Filters {
		if sub.Filter == "" {
			return packets.Packet{}, fmt.Errorf("%w: empty topic in SUBSCRIBE", ErrProtocolViolation)
		}
		if !r.allowed(sub.Filter) {
			log.Printf("[WARN] Client %s denied subscription to %s", sess.ClientID(), sub.Filter)
			codes = append(codes, packets.ErrUnspecifiedError.Code)
			continue
		}
		if r.topics.Subscribe(sub.Filter, sess) {
			log.Printf("[DEBUG] Client %s subscribed to %s", sess.ClientID(), sub.Filter)
		}
		codes = append(codes, packets.CodeGrantedQos0.Code)
	}

	// a subscribe that lost the race with eviction must not leave the session behind
	if sess.Closed() {
		r.topics.RemoveAllSubscriptions(sess.ID())
		return packets.Packet{}, session.ErrClosed
	}

	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: codes,
	}, nil
}

// Unsubscribe removes sess from every filter of pk and returns the UNSUBACK.
// Topics sess never joined are skipped.
func (r *Router) Unsubscribe(sess *session.Session, pk *packets.Packet) (packets.Packet, error) {
	if len(pk.Filters) == 0 {
		return packets.Packet{}, fmt.Errorf("%w: UNSUBSCRIBE without topics", ErrProtocolViolation)
	}
	codes := make([]byte, 0, len(pk.Filters))
	for _, sub := range pk.Filters {
		if r.topics.Unsubscribe(sub.Filter, sess.ID()) {
			log.Printf("[DEBUG] Client %s unsubscribed from %s", sess.ClientID(), sub.Filter)
			codes = append(codes, packets.CodeSuccess.Code)
		} else {
			codes = append(codes, packets.CodeNoSubscriptionExisted.Code)
		}
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID,
	}
	if sess.ProtocolVersion() == 5 {
		ack.ReasonCodes = codes
	}
	return ack, nil
}

// Publish queues a copy of pk for every subscriber of its topic and returns
// the PUBACK for the publisher. A topic without subscribers is not an error.
func (r *Router) Publish(sess *session.Session, pk *packets.Packet) (packets.Packet, error) {
	if pk.TopicName == "" {
		return packets.Packet{}, fmt.Errorf("%w: PUBLISH without topic", ErrProtocolViolation)
	}
	metrics.MessagesPublished.Inc()

	if r.allowed(pk.TopicName) {
		r.fanOut(sess, pk)
	} else {
		log.Printf("[WARN] Client %s denied publish to %s", sess.ClientID(), pk.TopicName)
	}

	id := sess.NextMessageID()
	if pk.FixedHeader.Qos > 0 {
		id = pk.PacketID
	}
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    id,
	}, nil
}

func (r *Router) fanOut(sess *session.Session, pk *packets.Packet) {
	out := forwardCopy(pk)
	delivered, dropped := 0, 0
	_, found := r.topics.ForEach(pk.TopicName, func(sub *session.Session) {
		if sub.Deliver(out) {
			delivered++
		} else {
			dropped++
		}
	})
	metrics.MessagesDelivered.Add(float64(delivered))
	if dropped > 0 {
		metrics.MessagesDropped.Add(float64(dropped))
		log.Printf("[WARN] Dropped %d copies of a message on %s: subscriber queue full or closed", dropped, pk.TopicName)
	}
	if !found {
		log.Printf("[DEBUG] No subscribers for %s, message from %s dropped", pk.TopicName, sess.ClientID())
	}
}

// Unroute drops sess from every topic and returns the topics it left.
func (r *Router) Unroute(sess *session.Session) []string {
	return r.topics.RemoveAllSubscriptions(sess.ID())
}

// forwardCopy builds the at-most-once PUBLISH sent to subscribers. MQTT 5
// user properties and content type travel with the message.
func forwardCopy(pk *packets.Packet) packets.Packet {
	out := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
	}
	out.Properties.ContentType = pk.Properties.ContentType
	out.Properties.PayloadFormat = pk.Properties.PayloadFormat
	out.Properties.PayloadFormatFlag = pk.Properties.PayloadFormatFlag
	if len(pk.Properties.User) > 0 {
		out.Properties.User = append([]packets.UserProperty(nil), pk.Properties.User...)
	}
	return out
}
