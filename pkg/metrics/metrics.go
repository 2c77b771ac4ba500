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

// Package metrics exposes the broker's Prometheus instruments.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted TCP connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushmq_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// ConnectionsActive tracks the size of the global connection registry.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushmq_connections_active",
		Help: "The number of currently connected sessions.",
	})

	// SessionsAuthenticated tracks the size of the authenticated registry.
	SessionsAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushmq_sessions_authenticated",
		Help: "The number of sessions that completed CONNECT authentication.",
	})

	// ConnectionsRejected counts connections refused at accept time.
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_connections_rejected_total",
		Help: "Connections refused before any packet was read.",
	}, []string{"reason"})

	// AuthFailuresTotal counts CONNECT packets that were refused.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_auth_failures_total",
		Help: "CONNECT packets rejected by the authentication gate.",
	}, []string{"reason"})

	// DisconnectsTotal counts evictions by close reason.
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_disconnects_total",
		Help: "Connections closed, partitioned by reason.",
	}, []string{"reason"})

	// PacketsReceived counts decoded inbound packets by type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_packets_received_total",
		Help: "Inbound control packets, partitioned by packet type.",
	}, []string{"type"})

	// MessagesPublished counts PUBLISH packets accepted from clients.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushmq_messages_published_total",
		Help: "PUBLISH packets accepted for routing.",
	})

	// MessagesDelivered counts PUBLISH copies queued for subscribers.
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushmq_messages_delivered_total",
		Help: "PUBLISH copies queued for delivery to subscribers.",
	})

	// MessagesDropped counts PUBLISH copies dropped because a subscriber was too slow.
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pushmq_messages_dropped_total",
		Help: "PUBLISH copies dropped because the subscriber's outbound queue was full.",
	})

	// AccessDenied counts connections and topics refused by the blacklist.
	AccessDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_access_denied_total",
		Help: "Connections and topic operations refused by the blacklist, partitioned by entry type.",
	}, []string{"type"})

	// NotificationsDropped counts notifications that never reached the sink.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_notifications_dropped_total",
		Help: "Lifecycle notifications dropped, partitioned by reason.",
	}, []string{"reason"})

	// SupervisorRestartsTotal counts restarts of supervised actors.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushmq_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	}, []string{"actor_id"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewMux returns a mux serving /metrics plus whatever routes registers.
func NewMux(routes ...func(*http.ServeMux)) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	for _, register := range routes {
		register(mux)
	}
	return mux
}

// Serve blocks serving NewMux(routes...) on addr until ctx is done.
func Serve(ctx context.Context, addr string, routes ...func(*http.ServeMux)) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(routes...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] Metrics server shutdown: %v", err)
		}
	})
	defer stop()

	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
