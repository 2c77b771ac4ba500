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

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DefaultPostgresQuery selects one credential row by username. The columns
// must be, in order: password hash, algorithm, salt, enabled.
const DefaultPostgresQuery = "SELECT password_hash, algorithm, salt, enabled FROM mqtt_users WHERE username = $1"

// PostgresConfig configures a PostgresAuthenticator.
type PostgresConfig struct {
	DSN     string
	Query   string
	Timeout time.Duration
}

// PostgresAuthenticator looks device credentials up in a PostgreSQL table.
type PostgresAuthenticator struct {
	db      *sql.DB
	query   string
	timeout time.Duration
	enabled atomic.Bool
}

// NewPostgresAuthenticator prepares a connection pool for cfg.DSN. The pool
// connects lazily, so an unreachable server surfaces as AuthError later.
func NewPostgresAuthenticator(cfg PostgresConfig) (*PostgresAuthenticator, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return newPostgresAuthenticator(db, cfg), nil
}

func newPostgresAuthenticator(db *sql.DB, cfg PostgresConfig) *PostgresAuthenticator {
	if cfg.Query == "" {
		cfg.Query = DefaultPostgresQuery
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	pa := &PostgresAuthenticator{db: db, query: cfg.Query, timeout: cfg.Timeout}
	pa.enabled.Store(true)
	return pa
}

func (pa *PostgresAuthenticator) Name() string { return "postgres" }

func (pa *PostgresAuthenticator) Enabled() bool { return pa.enabled.Load() }

func (pa *PostgresAuthenticator) SetEnabled(enabled bool) { pa.enabled.Store(enabled) }

// Authenticate ignores users missing from the table and reports query
// failures as AuthError so the chain can fall through.
func (pa *PostgresAuthenticator) Authenticate(username, password string) AuthResult {
	if username == "" {
		return AuthIgnore
	}

	ctx, cancel := context.WithTimeout(context.Background(), pa.timeout)
	defer cancel()

	var (
		hash, algorithm string
		salt            sql.NullString
		enabled         bool
	)
	err := pa.db.QueryRowContext(ctx, pa.query, username).Scan(&hash, &algorithm, &salt, &enabled)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return AuthIgnore
	case err != nil:
		log.Printf("[ERROR] Postgres credential lookup for %s failed: %v", username, err)
		return AuthError
	}

	if !enabled {
		return AuthFailure
	}
	if verifyPassword(password, hash, salt.String, HashAlgorithm(algorithm)) {
		return AuthSuccess
	}
	return AuthFailure
}

// Ping verifies the database is reachable.
func (pa *PostgresAuthenticator) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pa.timeout)
	defer cancel()
	return pa.db.PingContext(ctx)
}

// Close releases the connection pool.
func (pa *PostgresAuthenticator) Close() error {
	return pa.db.Close()
}
