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

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiterBurst(t *testing.T) {
	l := NewIPLimiter(0.001, 2, time.Minute)
	defer l.Stop()

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5000}

	assert.True(t, l.Allow(a))
	assert.True(t, l.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6000}), "ports share the bucket")
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b), "other IPs have their own bucket")
	assert.Equal(t, 2, l.Len())
}

func TestIPLimiterAllowsUnknownAddr(t *testing.T) {
	l := NewIPLimiter(0.001, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(nil))
	pipeA, pipeB := net.Pipe()
	defer pipeA.Close()
	defer pipeB.Close()
	assert.True(t, l.Allow(pipeA.RemoteAddr()))
	assert.True(t, l.Allow(pipeA.RemoteAddr()))
}

func TestIPLimiterRemovesStaleEntries(t *testing.T) {
	l := NewIPLimiter(1, 1, time.Minute)
	defer l.Stop()

	l.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")})
	l.removeStale(time.Now().Add(time.Second))
	assert.Zero(t, l.Len())
	l.Stop()
}
