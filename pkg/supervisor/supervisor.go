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

// Package supervisor runs actors in their own goroutines, recovers their
// panics and restarts them according to a per-child strategy.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/pushmq/pkg/actor"
	"github.com/turtacn/pushmq/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only when it ends with an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Spec describes one supervised child.
type Spec struct {
	// ID identifies the child in logs and metrics.
	ID string
	// Actor is the process to run.
	Actor actor.Actor
	// Restart selects what happens when the actor returns.
	Restart RestartStrategy
	// Mailbox is handed to the actor on every start.
	Mailbox *actor.Mailbox
	// OnExit, if set, is called once when the child stops for good, with the
	// error of its last run.
	OnExit func(id string, err error)
	// MaxRestarts caps the restarts allowed within RestartWindow. Past the
	// cap the child stays down. Zero means no cap.
	MaxRestarts int
	// RestartWindow defaults to one minute when MaxRestarts is set.
	RestartWindow time.Duration
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	// RestartDelay is the pause before a restart.
	RestartDelay time.Duration
}

// NewOneForOneSupervisor returns a supervisor with a one second restart delay.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{RestartDelay: time.Second}
}

// Start supervises every spec. It returns an error when specs is empty.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches spec in a new goroutine and returns immediately.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	go s.monitorChild(childCtx, cancel, spec)
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	var err error
	defer func() {
		if spec.OnExit != nil {
			spec.OnExit(spec.ID, err)
		}
	}()

	window := spec.RestartWindow
	if window <= 0 {
		window = time.Minute
	}
	var restarts []time.Time

	for {
		err = s.runOnce(ctx, spec)
		if err != nil {
			log.Printf("[WARN] Actor %s terminated: %v", spec.ID, err)
		} else {
			log.Printf("[DEBUG] Actor %s terminated normally", spec.ID)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if !shouldRestart(spec.Restart, err) {
			return
		}
		if spec.MaxRestarts > 0 {
			restarts = recent(restarts, time.Now().Add(-window))
			if len(restarts) >= spec.MaxRestarts {
				log.Printf("[ERROR] Actor %s restarted %d times within %v, giving up", spec.ID, len(restarts), window)
				return
			}
			restarts = append(restarts, time.Now())
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("[INFO] Restarting actor %s (%s)", spec.ID, spec.Restart)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RestartDelay):
		}
	}
}

func shouldRestart(strategy RestartStrategy, err error) bool {
	switch strategy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}

// recent drops the restart times before cutoff.
func recent(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// runOnce starts the actor and converts a panic into an error.
func (s *OneForOneSupervisor) runOnce(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
