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

// package main is the entrypoint for the pushmq broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turtacn/pushmq/pkg/admin"
	"github.com/turtacn/pushmq/pkg/auth"
	"github.com/turtacn/pushmq/pkg/blacklist"
	"github.com/turtacn/pushmq/pkg/broker"
	"github.com/turtacn/pushmq/pkg/config"
	"github.com/turtacn/pushmq/pkg/metrics"
	"github.com/turtacn/pushmq/pkg/monitor"
	"github.com/turtacn/pushmq/pkg/notify"
	"github.com/turtacn/pushmq/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Println("[INFO] Broker stopped")
}

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// run starts every component described by cfg and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config) error {
	log.Printf("[INFO] Starting pushmq %s node %s", version, cfg.Broker.NodeID)

	authChain := auth.NewAuthChain()
	if err := cfg.ConfigureAuth(authChain); err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}
	defer func() {
		if err := authChain.Close(); err != nil {
			log.Printf("[WARN] Closing authenticators: %v", err)
		}
	}()

	sink, closeSink, err := newNotifier(cfg.Broker.Notify)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink.Close(); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}()

	opts := broker.Options{
		NodeID:         cfg.Broker.NodeID,
		IdleTimeout:    cfg.Broker.IdleTimeoutDuration(),
		WriteTimeout:   cfg.Broker.WriteTimeoutDuration(),
		WorkerPoolSize: cfg.Broker.PoolSize(),
		MailboxSize:    cfg.Broker.MailboxSize,
		Authenticator:  broker.AuthenticatorFunc(authChain.Allow),
		Notifier:       sink,
	}
	if rl := cfg.Broker.RateLimit; rl.Enabled {
		limiter := ratelimit.NewIPLimiter(rl.Rate, rl.Burst, time.Minute)
		defer limiter.Stop()
		opts.Limiter = limiter
		log.Printf("[INFO] Connection rate limit: %.2f/s per IP, burst %d", rl.Rate, rl.Burst)
	}

	var bans *blacklist.Manager
	if bl := cfg.Broker.Blacklist; bl.Enabled {
		bans = blacklist.NewManager()
		if err := cfg.ConfigureBlacklist(bans); err != nil {
			return fmt.Errorf("configure blacklist: %w", err)
		}
		opts.Policy = bans
		go bans.RunCleanup(ctx, bl.CleanupIntervalDuration())
		log.Printf("[INFO] Blacklist enabled with %d entries", bans.Len())
	}

	b := broker.New(opts)

	if cfg.Broker.MetricsPort != "" {
		routes := httpRoutes(ctx, cfg, b, bans, authChain, sink)
		go func() {
			if err := metrics.Serve(ctx, cfg.Broker.MetricsPort, routes...); err != nil {
				log.Printf("[ERROR] Metrics server failed: %v", err)
			}
		}()
	}

	return b.StartServer(ctx, cfg.Broker.MQTTPort)
}

// httpRoutes collects the management endpoints mounted next to /metrics.
func httpRoutes(ctx context.Context, cfg *config.Config, b *broker.Broker, bans *blacklist.Manager,
	authChain *auth.AuthChain, sink notify.Sink) []func(*http.ServeMux) {
	var routes []func(*http.ServeMux)

	if cfg.Broker.Admin.Enabled {
		routes = append(routes, admin.NewAPIServer(b, bans).RegisterRoutes)
	}

	if hc := cfg.Broker.Health; hc.Enabled {
		checker := monitor.NewHealthChecker(cfg.Broker.NodeID, version)
		if cfg.Broker.Auth.Enabled && cfg.Broker.Auth.Postgres.Enabled {
			checker.RegisterCheck("auth", authChain.Ping, true)
		}
		if n, ok := sink.(*notify.Notifier); ok {
			checker.RegisterCheck("notify", monitor.BreakerCheck(n.State), false)
		}
		go checker.Run(ctx, hc.IntervalDuration())

		stats := monitor.StatsFunc(func() interface{} { return b.Stats() })
		routes = append(routes, monitor.NewHealthServer(checker, stats).RegisterRoutes)
	}
	return routes
}

// newNotifier builds the notification sink and whatever must be closed on
// shutdown. Without a webhook URL notifications are only logged.
func newNotifier(cfg config.NotifyConfig) (notify.Sink, io.Closer, error) {
	if !cfg.Enabled {
		return notify.Discard, nopCloser{}, nil
	}

	var sender notify.Sender = notify.LogSender{}
	if cfg.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.WebhookURL)
	}
	n, err := notify.NewNotifier(cfg.NotifierConfig(), sender)
	if err != nil {
		return nil, nil, fmt.Errorf("start notifier: %w", err)
	}
	return n, n, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
