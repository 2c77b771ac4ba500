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

// Package config loads the broker configuration from YAML or JSON and turns
// it into the runtime settings of the broker, the authentication chain and
// the notifier.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/turtacn/pushmq/pkg/auth"
	"github.com/turtacn/pushmq/pkg/blacklist"
	"github.com/turtacn/pushmq/pkg/notify"
	"gopkg.in/yaml.v2"
)

// UserConfig represents a user configuration entry
type UserConfig struct {
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// PostgresAuthConfig enables credential lookups in PostgreSQL.
type PostgresAuthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	DSN     string `yaml:"dsn" json:"dsn"`
	Query   string `yaml:"query" json:"query"`
	Timeout int    `yaml:"timeout" json:"timeout"` // seconds
}

// AuthConfig represents the authentication configuration
type AuthConfig struct {
	Enabled  bool               `yaml:"enabled" json:"enabled"`
	Users    []UserConfig       `yaml:"users" json:"users"`
	Postgres PostgresAuthConfig `yaml:"postgres" json:"postgres"`
}

// NotifyConfig configures lifecycle notifications.
type NotifyConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	WebhookURL       string `yaml:"webhook_url" json:"webhook_url"`
	Workers          int    `yaml:"workers" json:"workers"`
	QueueSize        int    `yaml:"queue_size" json:"queue_size"`
	Timeout          int    `yaml:"timeout" json:"timeout"` // seconds
	FailureThreshold uint32 `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     int    `yaml:"reset_timeout" json:"reset_timeout"` // seconds
}

// RateLimitConfig configures per-IP connection throttling.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Rate    float64 `yaml:"rate" json:"rate"`
	Burst   int     `yaml:"burst" json:"burst"`
}

// BlacklistEntryConfig is a ban loaded at startup.
type BlacklistEntryConfig struct {
	Type    string `yaml:"type" json:"type"`
	Value   string `yaml:"value,omitempty" json:"value,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// BlacklistConfig configures the CONNECT and topic access policy.
type BlacklistConfig struct {
	Enabled         bool                   `yaml:"enabled" json:"enabled"`
	CleanupInterval int                    `yaml:"cleanup_interval" json:"cleanup_interval"` // seconds
	Entries         []BlacklistEntryConfig `yaml:"entries,omitempty" json:"entries,omitempty"`
}

// AdminConfig toggles the REST management API on the metrics listener.
type AdminConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// HealthConfig toggles the health probes on the metrics listener.
type HealthConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Interval int  `yaml:"interval" json:"interval"` // seconds
}

// BrokerConfig represents the overall broker configuration
type BrokerConfig struct {
	NodeID         string          `yaml:"node_id" json:"node_id"`
	MQTTPort       string          `yaml:"mqtt_port" json:"mqtt_port"`
	MetricsPort    string          `yaml:"metrics_port" json:"metrics_port"`
	IdleTimeout    int             `yaml:"idle_timeout" json:"idle_timeout"`   // seconds
	WriteTimeout   int             `yaml:"write_timeout" json:"write_timeout"` // seconds
	WorkerPoolSize int             `yaml:"worker_pool_size" json:"worker_pool_size"`
	MailboxSize    int             `yaml:"mailbox_size" json:"mailbox_size"`
	Auth           AuthConfig      `yaml:"auth" json:"auth"`
	Notify         NotifyConfig    `yaml:"notify" json:"notify"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Blacklist      BlacklistConfig `yaml:"blacklist" json:"blacklist"`
	Admin          AdminConfig     `yaml:"admin" json:"admin"`
	Health         HealthConfig    `yaml:"health" json:"health"`
}

type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:       "pushmq-node",
			MQTTPort:     ":1883",
			MetricsPort:  ":8082",
			IdleTimeout:  45,
			WriteTimeout: 5,
			MailboxSize:  256,
			Auth: AuthConfig{
				Enabled: true,
				Users: []UserConfig{
					{Username: "admin", Password: "admin123", Algorithm: "bcrypt", Enabled: true},
					{Username: "device", Password: "device123", Algorithm: "sha256", Enabled: true},
					{Username: "test", Password: "test", Algorithm: "plain", Enabled: true},
				},
				Postgres: PostgresAuthConfig{
					Query:   auth.DefaultPostgresQuery,
					Timeout: 3,
				},
			},
			Notify: NotifyConfig{
				Workers:          2,
				QueueSize:        128,
				Timeout:          5,
				FailureThreshold: 5,
				ResetTimeout:     30,
			},
			RateLimit: RateLimitConfig{
				Rate:  10,
				Burst: 20,
			},
			Blacklist: BlacklistConfig{
				CleanupInterval: 60,
			},
			Admin: AdminConfig{Enabled: true},
			Health: HealthConfig{
				Enabled:  true,
				Interval: 30,
			},
		},
	}
}

// LoadConfig reads configPath, layering it over DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig writes config to configPath in the format its extension names.
func SaveConfig(config *Config, configPath string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

func validateConfig(config *Config) error {
	b := config.Broker
	if b.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if b.MQTTPort == "" {
		return fmt.Errorf("mqtt_port cannot be empty")
	}
	if b.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %d", b.IdleTimeout)
	}
	if b.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %d", b.WriteTimeout)
	}
	if b.WorkerPoolSize < 0 {
		return fmt.Errorf("worker_pool_size cannot be negative")
	}
	if b.MailboxSize < 0 {
		return fmt.Errorf("mailbox_size cannot be negative")
	}

	usernames := make(map[string]bool)
	for i, user := range b.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("user %d: username cannot be empty", i)
		}
		if usernames[user.Username] {
			return fmt.Errorf("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true

		if user.Password == "" {
			return fmt.Errorf("user %s: password cannot be empty", user.Username)
		}
		if err := checkAlgorithm(user.Algorithm); err != nil {
			return fmt.Errorf("user %s: %w", user.Username, err)
		}
	}

	if b.Auth.Postgres.Enabled && b.Auth.Postgres.DSN == "" {
		return fmt.Errorf("auth.postgres.dsn is required when postgres auth is enabled")
	}
	if b.RateLimit.Enabled && (b.RateLimit.Rate <= 0 || b.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rate and rate_limit.burst must be positive")
	}
	if b.Blacklist.Enabled {
		if b.Blacklist.CleanupInterval <= 0 {
			return fmt.Errorf("blacklist.cleanup_interval must be positive")
		}
		if err := config.ConfigureBlacklist(blacklist.NewManager()); err != nil {
			return err
		}
	}
	if b.Health.Enabled && b.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	return nil
}

// CleanupIntervalDuration returns how often expired bans are purged.
func (b BlacklistConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(b.CleanupInterval) * time.Second
}

// IntervalDuration returns the period of the background health checks.
func (h HealthConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// IdleTimeoutDuration returns the idle window as a time.Duration.
func (b BrokerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(b.IdleTimeout) * time.Second
}

// WriteTimeoutDuration returns the per-write deadline as a time.Duration.
func (b BrokerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(b.WriteTimeout) * time.Second
}

// PoolSize returns the dispatch pool size, defaulting to twice the number of CPUs.
func (b BrokerConfig) PoolSize() int {
	if b.WorkerPoolSize > 0 {
		return b.WorkerPoolSize
	}
	return runtime.NumCPU() * 2
}

// NotifierConfig converts the notify section into notify.Config.
func (n NotifyConfig) NotifierConfig() notify.Config {
	return notify.Config{
		Workers:          n.Workers,
		QueueSize:        n.QueueSize,
		Timeout:          time.Duration(n.Timeout) * time.Second,
		FailureThreshold: n.FailureThreshold,
		ResetTimeout:     time.Duration(n.ResetTimeout) * time.Second,
	}
}

// ConfigureAuth rebuilds authChain from the configuration: configured users
// first, then PostgreSQL when enabled.
func (c *Config) ConfigureAuth(authChain *auth.AuthChain) error {
	authChain.Clear()

	if !c.Broker.Auth.Enabled {
		authChain.SetEnabled(false)
		log.Println("[INFO] Authentication disabled by configuration")
		return nil
	}
	authChain.SetEnabled(true)

	memAuth := auth.NewMemoryAuthenticator()
	for _, userConfig := range c.Broker.Auth.Users {
		if err := memAuth.AddUser(userConfig.Username, userConfig.Password, auth.HashAlgorithm(userConfig.Algorithm), userConfig.Enabled); err != nil {
			return fmt.Errorf("failed to add user %s: %w", userConfig.Username, err)
		}
	}
	authChain.AddAuthenticator(memAuth)
	log.Printf("[INFO] Authentication configured with %d users", len(c.Broker.Auth.Users))

	if pg := c.Broker.Auth.Postgres; pg.Enabled {
		pgAuth, err := auth.NewPostgresAuthenticator(auth.PostgresConfig{
			DSN:     pg.DSN,
			Query:   pg.Query,
			Timeout: time.Duration(pg.Timeout) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to configure postgres authentication: %w", err)
		}
		authChain.AddAuthenticator(pgAuth)
		log.Println("[INFO] PostgreSQL authentication enabled")
	}

	return nil
}

// ConfigureBlacklist loads the configured bans into m.
func (c *Config) ConfigureBlacklist(m *blacklist.Manager) error {
	for i, e := range c.Broker.Blacklist.Entries {
		entry := &blacklist.Entry{
			Type:    blacklist.Type(e.Type),
			Value:   e.Value,
			Pattern: e.Pattern,
			Reason:  e.Reason,
		}
		if err := m.AddEntry(entry); err != nil {
			return fmt.Errorf("blacklist entry %d: %w", i, err)
		}
	}
	return nil
}

// AddUser adds a new user to the configuration
func (c *Config) AddUser(username, password, algorithm string, enabled bool) error {
	if c.findUser(username) != nil {
		return fmt.Errorf("user %s already exists", username)
	}
	if err := checkAlgorithm(algorithm); err != nil {
		return err
	}

	c.Broker.Auth.Users = append(c.Broker.Auth.Users, UserConfig{
		Username:  username,
		Password:  password,
		Algorithm: algorithm,
		Enabled:   enabled,
	})
	return nil
}

// UpdateUser changes a configured user. Empty password or algorithm keep the
// current value.
func (c *Config) UpdateUser(username, password, algorithm string, enabled bool) error {
	u := c.findUser(username)
	if u == nil {
		return fmt.Errorf("user %s not found", username)
	}
	if algorithm != "" {
		if err := checkAlgorithm(algorithm); err != nil {
			return err
		}
		u.Algorithm = algorithm
	}
	if password != "" {
		u.Password = password
	}
	u.Enabled = enabled
	return nil
}

// RemoveUser deletes a user from the configuration.
func (c *Config) RemoveUser(username string) error {
	users := c.Broker.Auth.Users
	for i := range users {
		if users[i].Username == username {
			c.Broker.Auth.Users = append(users[:i], users[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", username)
}

// ListUsers returns the configured users.
func (c *Config) ListUsers() []UserConfig {
	return c.Broker.Auth.Users
}

func (c *Config) findUser(username string) *UserConfig {
	for i := range c.Broker.Auth.Users {
		if c.Broker.Auth.Users[i].Username == username {
			return &c.Broker.Auth.Users[i]
		}
	}
	return nil
}

func checkAlgorithm(algorithm string) error {
	switch algorithm {
	case "plain", "sha256", "bcrypt":
		return nil
	}
	return fmt.Errorf("unsupported algorithm: %s (supported: plain, sha256, bcrypt)", algorithm)
}
