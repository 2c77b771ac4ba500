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

// MaxMessageID is the largest identifier handed out before wrapping.
const MaxMessageID = 32767

// NextMessageID returns the next message identifier of this connection.
// Identifiers run 1..MaxMessageID and then start again at 1; 0 is never
// returned because it is not a valid packet identifier.
func (s *Session) NextMessageID() uint16 {
	for {
		v := s.messageID.Load()
		next := v + 1
		if next > MaxMessageID {
			next = 1
		}
		if s.messageID.CompareAndSwap(v, next) {
			return uint16(next)
		}
	}
}
