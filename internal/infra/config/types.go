package config

import "strings"

// Environment identifies the runtime environment where strategos operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Valid reports whether the environment is recognised.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvProd:
		return true
	default:
		return false
	}
}

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	// StorageMemory keeps all state in process memory.
	StorageMemory StorageBackend = "memory"
	// StoragePostgres persists state in PostgreSQL.
	StoragePostgres StorageBackend = "postgres"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
