// Package database is the durable tier: Postgres rows for agents, calls
// and assignments, fed by write-through from the fast tier. It is
// authoritative across restarts and deliberately absent from the
// dispatch hot path.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// Config holds Postgres connection configuration.
type Config struct {
	// URL is a postgres:// connection string.
	URL string
	// MaxConns caps the pool size (default 20).
	MaxConns int32
}

// Client wraps the connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient connects, verifies the connection and bootstraps the schema.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 20
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	c := &Client{pool: pool}
	if err := c.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return c, nil
}

func (c *Client) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			agent_type VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'OFFLINE',
			last_call_end_time TIMESTAMPTZ,
			current_call_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			phone_number VARCHAR(50) NOT NULL,
			call_type VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			assigned_agent_id TEXT,
			qualification_result VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL,
			assigned_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			assignment_time_ms DOUBLE PRECISION,
			expected_duration_seconds DOUBLE PRECISION,
			actual_duration_seconds DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			activated_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the database connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
