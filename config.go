package fieldsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects the mutation store implementation.
type StorageBackend string

const (
	// StorageMemory keeps the queue in memory with a durable JSON snapshot.
	StorageMemory StorageBackend = "memory"
	// StorageSQLite keeps the queue in a SQLite database.
	StorageSQLite StorageBackend = "sqlite"
)

// Config is the top-level engine configuration, loadable from YAML.
type Config struct {
	// Storage selects the mutation store backend. Default: memory.
	Storage StorageBackend `json:"storage" yaml:"storage"`

	// MemoryStore configures the memory backend.
	MemoryStore MemoryStoreConfig `json:"memory_store" yaml:"memory_store"`

	// SQLiteStore configures the sqlite backend.
	SQLiteStore SQLiteStoreConfig `json:"sqlite_store" yaml:"sqlite_store"`

	// Encryption configures at-rest encryption of the memory backend's
	// snapshot.
	Encryption EncryptionConfig `json:"encryption" yaml:"encryption"`

	// Remote configures the HTTP client for the remote data service.
	Remote HTTPRemoteConfig `json:"remote" yaml:"remote"`

	// Bandwidth configures network probing.
	Bandwidth BandwidthDetectorConfig `json:"bandwidth" yaml:"bandwidth"`

	// Conflicts configures conflict resolution policy.
	Conflicts ConflictResolverConfig `json:"conflicts" yaml:"conflicts"`

	// Orchestrator configures cycle scheduling and retry bounds.
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`

	// Telemetry configures the optional S3 analytics sink. An empty bucket
	// disables telemetry.
	Telemetry S3TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// HTTP configures the optional local control API.
	HTTP HTTPConfig `json:"http" yaml:"http"`
}

// HTTPConfig configures the local control API server.
type HTTPConfig struct {
	// Enabled starts the control API listener.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddr is the listen address. Default: 127.0.0.1:8475.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Storage:      StorageMemory,
		SQLiteStore:  DefaultSQLiteStoreConfig(),
		Remote:       DefaultHTTPRemoteConfig(),
		Bandwidth:    DefaultBandwidthDetectorConfig(),
		Conflicts:    DefaultConflictResolverConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		HTTP: HTTPConfig{
			ListenAddr:   "127.0.0.1:8475",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for any
// omitted section.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageSQLite, "":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.Storage == StorageSQLite && c.SQLiteStore.Path == "" {
		return fmt.Errorf("sqlite storage requires a database path")
	}
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote endpoint is required")
	}
	if c.Encryption.Enabled && len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return fmt.Errorf("encryption enabled without a key or key password")
	}
	return nil
}
