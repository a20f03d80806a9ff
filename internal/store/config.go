// Package store is the Postgres-backed repository for every mirage entity:
// dataset items, generation specs, experiments, runs, provider calls, metric
// results, tasks, and ratings. Every mutating method commits or rolls back
// atomically, and the uniqueness invariants from the data model are enforced
// by the schema's UNIQUE constraints, never re-implemented in Go: a method
// that hits one surfaces a merr.Conflict, not a generic error.
package store

import (
	"strings"
	"time"

	"github.com/mirage-run/mirage/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// Config holds PostgreSQL connection configuration with production-ready
// defaults, loaded from environment variables.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig loads store configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return errDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a copy of the configured database URL with any
// password redacted, safe to include in logs.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 {
		return c.databaseURL
	}

	username := userInfo[:colon]
	if userInfo[colon+1:] == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAt:]

	return scheme + "://" + username + ":***" + hostAndRest
}
