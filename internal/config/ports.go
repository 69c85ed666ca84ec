// Package config provides configuration management for crossyield.
// This file centralizes default port constants so that config defaults,
// compose files, and docs stay consistent.
package config

// Service ports
const (
	// APIPort is the default port for the read-only status API.
	APIPort = 9090
)

// Infrastructure Service Ports
const (
	// VaultPort is the default port for HashiCorp Vault.
	VaultPort = 8200

	// PostgresPort is the default port for PostgreSQL.
	PostgresPort = 5432

	// RedisPort is the default port for Redis.
	RedisPort = 6379

	// NATSPort is the default port for NATS messaging.
	NATSPort = 4222
)
