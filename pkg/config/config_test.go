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

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pushmq/pkg/auth"
	"github.com/turtacn/pushmq/pkg/blacklist"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "pushmq-node", cfg.Broker.NodeID)
	assert.Equal(t, ":1883", cfg.Broker.MQTTPort)
	assert.Equal(t, ":8082", cfg.Broker.MetricsPort)
	assert.Equal(t, 45, cfg.Broker.IdleTimeout)
	assert.Equal(t, 5, cfg.Broker.WriteTimeout)
	assert.Equal(t, 0, cfg.Broker.WorkerPoolSize)

	assert.True(t, cfg.Broker.Auth.Enabled)
	assert.Len(t, cfg.Broker.Auth.Users, 3)
	assert.False(t, cfg.Broker.Auth.Postgres.Enabled)
	assert.Equal(t, auth.DefaultPostgresQuery, cfg.Broker.Auth.Postgres.Query)

	admin := findUser(cfg.Broker.Auth.Users, "admin")
	require.NotNil(t, admin)
	assert.Equal(t, "bcrypt", admin.Algorithm)
	assert.True(t, admin.Enabled)

	assert.False(t, cfg.Broker.Notify.Enabled)
	assert.False(t, cfg.Broker.RateLimit.Enabled)

	require.NoError(t, validateConfig(cfg))
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
broker:
  node_id: test-node
  mqtt_port: ":1884"
  metrics_port: ":8083"
  idle_timeout: 10
  worker_pool_size: 4
  auth:
    enabled: true
    users:
    - username: testuser
      password: testpass
      algorithm: bcrypt
      enabled: true
    - username: disabled_user
      password: disabled_pass
      algorithm: sha256
      enabled: false
  notify:
    enabled: true
    webhook_url: http://localhost:9999/hook
  rate_limit:
    enabled: true
    rate: 2.5
    burst: 5
`
	tmpFile := createTempFile(t, "config.yaml", yamlContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.Broker.NodeID)
	assert.Equal(t, ":1884", cfg.Broker.MQTTPort)
	assert.Equal(t, ":8083", cfg.Broker.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Broker.IdleTimeoutDuration())
	assert.Equal(t, 4, cfg.Broker.PoolSize())
	assert.Len(t, cfg.Broker.Auth.Users, 2)

	disabled := findUser(cfg.Broker.Auth.Users, "disabled_user")
	require.NotNil(t, disabled)
	assert.False(t, disabled.Enabled)

	// omitted keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Broker.WriteTimeoutDuration())
	assert.Equal(t, 2, cfg.Broker.Notify.Workers)
	assert.Equal(t, "http://localhost:9999/hook", cfg.Broker.Notify.WebhookURL)
	assert.Equal(t, 2.5, cfg.Broker.RateLimit.Rate)
	assert.Equal(t, 5, cfg.Broker.RateLimit.Burst)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "broker": {
    "node_id": "json-node",
    "mqtt_port": ":1885",
    "idle_timeout": 30,
    "auth": {
      "enabled": false,
      "users": []
    }
  }
}`
	tmpFile := createTempFile(t, "config.json", jsonContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "json-node", cfg.Broker.NodeID)
	assert.Equal(t, ":1885", cfg.Broker.MQTTPort)
	assert.Equal(t, 30, cfg.Broker.IdleTimeout)
	assert.False(t, cfg.Broker.Auth.Enabled)
	assert.Empty(t, cfg.Broker.Auth.Users)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigInvalid(t *testing.T) {
	testCases := []struct {
		name     string
		filename string
		content  string
		errText  string
	}{
		{"malformed yaml", "bad.yaml", "broker: [", "failed to parse"},
		{"unsupported extension", "config.toml", "x = 1", "unsupported config file format"},
		{"zero idle timeout", "idle.yaml", "broker:\n  idle_timeout: 0\n", "idle_timeout"},
		{"negative pool", "pool.yaml", "broker:\n  worker_pool_size: -1\n", "worker_pool_size"},
		{"bad algorithm", "algo.yaml", "broker:\n  auth:\n    users:\n    - {username: a, password: b, algorithm: md5, enabled: true}\n", "unsupported algorithm"},
		{"duplicate user", "dup.yaml", "broker:\n  auth:\n    users:\n    - {username: a, password: b, algorithm: plain}\n    - {username: a, password: c, algorithm: plain}\n", "duplicate username"},
		{"postgres without dsn", "pg.yaml", "broker:\n  auth:\n    postgres:\n      enabled: true\n", "dsn"},
		{"rate limit without rate", "rl.yaml", "broker:\n  rate_limit:\n    enabled: true\n    rate: 0\n", "rate_limit"},
		{"blacklist bad type", "bl.yaml", "broker:\n  blacklist:\n    enabled: true\n    entries:\n    - {type: planet, value: x}\n", "blacklist entry 0"},
		{"blacklist bad pattern", "blp.yaml", "broker:\n  blacklist:\n    enabled: true\n    entries:\n    - {type: topic, pattern: \"(\"}\n", "invalid pattern"},
		{"blacklist zero cleanup", "blc.yaml", "broker:\n  blacklist:\n    enabled: true\n    cleanup_interval: 0\n", "cleanup_interval"},
		{"health zero interval", "health.yaml", "broker:\n  health:\n    interval: 0\n", "health.interval"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(createTempFile(t, tc.filename, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errText)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, name := range []string{"saved.yaml", "saved.yml", "saved.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Broker.NodeID = "saved-node"
			cfg.Broker.Notify.WebhookURL = "http://example.invalid/hook"

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}

	err := SaveConfig(DefaultConfig(), filepath.Join(t.TempDir(), "config.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestConfigureAuth(t *testing.T) {
	cfg := &Config{
		Broker: BrokerConfig{
			Auth: AuthConfig{
				Enabled: true,
				Users: []UserConfig{
					{Username: "testuser1", Password: "testpass1", Algorithm: "plain", Enabled: true},
					{Username: "testuser2", Password: "testpass2", Algorithm: "sha256", Enabled: true},
					{Username: "disabled_user", Password: "disabled_pass", Algorithm: "bcrypt", Enabled: false},
				},
			},
		},
	}

	authChain := auth.NewAuthChain()
	require.NoError(t, cfg.ConfigureAuth(authChain))

	assert.Equal(t, 1, authChain.Count())
	assert.Equal(t, auth.AuthSuccess, authChain.Authenticate("testuser1", "testpass1"))
	assert.Equal(t, auth.AuthSuccess, authChain.Authenticate("testuser2", "testpass2"))
	assert.Equal(t, auth.AuthFailure, authChain.Authenticate("disabled_user", "disabled_pass"))
	assert.Equal(t, auth.AuthFailure, authChain.Authenticate("nonexistent", "password"))

	assert.True(t, authChain.Allow("testuser1", "testpass1"))
	assert.False(t, authChain.Allow("testuser1", "wrong"))
}

func TestConfigureAuthReplacesPreviousChain(t *testing.T) {
	cfg := DefaultConfig()
	authChain := auth.NewAuthChain()
	require.NoError(t, cfg.ConfigureAuth(authChain))
	require.NoError(t, cfg.ConfigureAuth(authChain))
	assert.Equal(t, 1, authChain.Count())
}

func TestConfigureAuthDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Auth.Enabled = false

	authChain := auth.NewAuthChain()
	require.NoError(t, cfg.ConfigureAuth(authChain))

	assert.False(t, authChain.IsEnabled())
	assert.Equal(t, 0, authChain.Count())
	assert.True(t, authChain.Allow("anyone", "anything"))
}

func TestConfigureAuthPostgres(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Auth.Users = nil
	cfg.Broker.Auth.Postgres = PostgresAuthConfig{
		Enabled: true,
		DSN:     "postgres://pushmq@127.0.0.1:1/pushmq?sslmode=disable&connect_timeout=1",
		Timeout: 1,
	}

	authChain := auth.NewAuthChain()
	require.NoError(t, cfg.ConfigureAuth(authChain))
	assert.Equal(t, 2, authChain.Count())

	// unreachable database falls through to the default failure
	assert.False(t, authChain.Allow("device", "secret"))
}

func TestConfigureBlacklist(t *testing.T) {
	content := `
broker:
  blacklist:
    enabled: true
    entries:
    - type: clientid
      value: rogue
      reason: abuse
    - type: ipaddress
      value: 10.0.0.0/8
    - type: topic
      pattern: "^admin/"
`
	cfg, err := LoadConfig(createTempFile(t, "blacklist.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Broker.Blacklist.CleanupIntervalDuration())

	m := blacklist.NewManager()
	require.NoError(t, cfg.ConfigureBlacklist(m))
	assert.Equal(t, 3, m.Len())
	assert.False(t, m.AllowConnect("rogue", "u", "192.168.1.1"))
	assert.False(t, m.AllowConnect("c", "u", "10.1.2.3"))
	assert.True(t, m.AllowConnect("c", "u", "192.168.1.1"))
	assert.False(t, m.AllowTopic("admin/reset"))
	assert.True(t, m.AllowTopic("room/1"))

	assert.Error(t, cfg.ConfigureBlacklist(m), "loading the same bans twice conflicts")
}

func TestHealthAndAdminDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Broker.Admin.Enabled)
	assert.True(t, cfg.Broker.Health.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Broker.Health.IntervalDuration())
	assert.False(t, cfg.Broker.Blacklist.Enabled)
}

func TestPoolSizeDefault(t *testing.T) {
	assert.Equal(t, runtime.NumCPU()*2, DefaultConfig().Broker.PoolSize())
}

func TestNotifierConfig(t *testing.T) {
	nc := DefaultConfig().Broker.Notify.NotifierConfig()
	assert.Equal(t, 2, nc.Workers)
	assert.Equal(t, 128, nc.QueueSize)
	assert.Equal(t, 5*time.Second, nc.Timeout)
	assert.Equal(t, uint32(5), nc.FailureThreshold)
	assert.Equal(t, 30*time.Second, nc.ResetTimeout)
}

func TestUserManagement(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.AddUser("newuser", "newpass", "sha256", true))
	assert.Error(t, cfg.AddUser("newuser", "again", "plain", true))
	assert.Error(t, cfg.AddUser("other", "pass", "md5", true))
	assert.Len(t, cfg.ListUsers(), 4)

	require.NoError(t, cfg.UpdateUser("newuser", "", "bcrypt", false))
	u := findUser(cfg.ListUsers(), "newuser")
	require.NotNil(t, u)
	assert.Equal(t, "newpass", u.Password)
	assert.Equal(t, "bcrypt", u.Algorithm)
	assert.False(t, u.Enabled)
	assert.Error(t, cfg.UpdateUser("newuser", "", "md5", true))
	assert.Error(t, cfg.UpdateUser("ghost", "x", "", true))

	require.NoError(t, cfg.RemoveUser("newuser"))
	assert.Nil(t, findUser(cfg.ListUsers(), "newuser"))
	assert.Error(t, cfg.RemoveUser("newuser"))
}

func createTempFile(t *testing.T, filename, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0o644))
	return tmpFile
}

func findUser(users []UserConfig, username string) *UserConfig {
	for i := range users {
		if users[i].Username == username {
			return &users[i]
		}
	}
	return nil
}
