// Package database manages PostgreSQL connections for forge network
// services: a primary for writes and optional round-robin read replicas.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration
type Config struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultConfig returns sensible pool defaults
func DefaultConfig(url string) Config {
	return Config{
		PrimaryURL:  url,
		MaxConns:    20,
		MinConns:    2,
		Timeout:     5 * time.Second,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}
}

// ConnectionManager manages the primary and read replica connections
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // Atomic counter for round-robin selection
	config   Config
}

// NewConnectionManager opens and verifies the configured connections.
// Replicas are optional; a replica that fails to connect is skipped.
func NewConnectionManager(config Config) (*ConnectionManager, error) {
	cm := &ConnectionManager{config: config}

	primary, err := open(config, config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	cm.primary = primary

	for _, replicaURL := range config.ReplicaURLs {
		replicaMaxConns := config.MaxConns / 2
		if replicaMaxConns < 2 {
			replicaMaxConns = 2
		}
		replica, err := open(config, replicaURL, replicaMaxConns)
		if err != nil {
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	return cm, nil
}

func open(config Config, url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection, falling back
// to the primary if no replicas are available
func (cm *ConnectionManager) Replica() *sql.DB {
	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// HealthCheck checks the health of the primary and all replicas
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	for i, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			return fmt.Errorf("replica %d unhealthy: %w", i, err)
		}
	}
	return nil
}

// Close closes all connections
func (cm *ConnectionManager) Close() error {
	var firstErr error
	if err := cm.primary.Close(); err != nil {
		firstErr = err
	}
	for _, replica := range cm.replicas {
		if err := replica.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
