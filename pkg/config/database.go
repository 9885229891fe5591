package config

import "fmt"

// DatabaseDriver identifies the SQL backend.
type DatabaseDriver string

const (
	DriverSQLite   DatabaseDriver = "sqlite"
	DriverPostgres DatabaseDriver = "postgres"
)

// DatabaseConfig configures the SQL database backing the history, usage,
// memory-history and credential stores.
type DatabaseConfig struct {
	Driver DatabaseDriver `yaml:"driver,omitempty"`
	// Path is the database file for sqlite. ":memory:" is permitted.
	Path string `yaml:"path,omitempty"`
	// DSN is the connection string for postgres.
	DSN string `yaml:"dsn,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.Driver == DriverSQLite && c.Path == "" {
		c.Path = "nimbus.db"
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported driver %q (sqlite, postgres)", c.Driver)
	}
	return nil
}

// VectorStoreProvider identifies the vector store backend.
type VectorStoreProvider string

const (
	VectorStoreChromem VectorStoreProvider = "chromem"
	VectorStoreQdrant  VectorStoreProvider = "qdrant"
)

// VectorStoreConfig configures the vector store shared by retrieval and
// memory. The chromem provider is embedded and needs no external service.
type VectorStoreConfig struct {
	Provider VectorStoreProvider `yaml:"provider,omitempty"`
	// Host and Port apply to qdrant.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	// Persist is an optional on-disk directory for chromem.
	Persist string `yaml:"persist,omitempty"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = VectorStoreChromem
	}
	if c.Provider == VectorStoreQdrant {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Provider {
	case VectorStoreChromem:
	case VectorStoreQdrant:
		if c.Host == "" {
			return fmt.Errorf("host is required for qdrant")
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("invalid port %d", c.Port)
		}
	default:
		return fmt.Errorf("unsupported provider %q (chromem, qdrant)", c.Provider)
	}
	return nil
}
