// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Compliance result methods require businessID; rule partitions are global.
type Repository interface {
	// Rule partition operations
	ReplacePartitions(ctx context.Context, p *Partitions) error
	LoadPartitions(ctx context.Context) (*Partitions, error)

	// Compliance result operations
	SaveComplianceResults(ctx context.Context, businessID string, results []*ComplianceResult) error
	ListComplianceResults(ctx context.Context, businessID string) ([]*ComplianceResult, error)
	UpdateComplianceStatus(ctx context.Context, businessID string, ruleID string, status ComplianceStatus, notes string) (*ComplianceResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
