// Package config loads and validates the server configuration from a YAML
// file and LAMINA_-prefixed environment variables via viper.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/storage"
)

// Backend names accepted for storage.backend.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendDatabase   = "database"
)

// TLSConfig holds TLS configuration for the S3 listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	BindAddress     string        `mapstructure:"bind_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "filesystem" or "database".
	Backend string `mapstructure:"backend"`

	// DataRoot is the directory the filesystem backend stores buckets
	// under. Required when Backend is "filesystem".
	DataRoot string `mapstructure:"data_root"`

	// ConnectionString is the SQLite DSN for the database backend.
	// Required when Backend is "database".
	ConnectionString string `mapstructure:"connection_string"`

	// MinPartSize is the minimum size in bytes for non-final multipart
	// parts. Zero disables the check.
	MinPartSize int64 `mapstructure:"min_part_size"`
}

// PermissionConfig grants a set of actions on buckets matching a pattern.
type PermissionConfig struct {
	// Bucket is "*" for all buckets, "prefix*" for a prefix match, or an
	// exact bucket name.
	Bucket  string   `mapstructure:"bucket"`
	Actions []string `mapstructure:"actions"`
}

// UserConfig holds one S3 credential pair and its bucket grants.
type UserConfig struct {
	AccessKeyID     string             `mapstructure:"access_key_id"`
	SecretAccessKey string             `mapstructure:"secret_access_key"`
	DisplayName     string             `mapstructure:"display_name"`
	Permissions     []PermissionConfig `mapstructure:"permissions"`
}

// AuthConfig holds SigV4 authentication configuration. With Enabled false,
// or with no users configured, every request is accepted unauthenticated.
type AuthConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Region  string       `mapstructure:"region"`
	Users   []UserConfig `mapstructure:"users"`
}

// BucketsConfig holds defaults applied to newly created buckets.
type BucketsConfig struct {
	DefaultType         string `mapstructure:"default_type"`
	DefaultStorageClass string `mapstructure:"default_storage_class"`
}

// CacheConfig holds the metadata cache configuration. MaxSizeBytes zero
// disables the cache.
type CacheConfig struct {
	MaxSizeBytes int64 `mapstructure:"max_size_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitoringConfig holds the Prometheus metrics endpoint configuration.
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Buckets    BucketsConfig    `mapstructure:"buckets"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// InitConfig initializes the configuration system
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".lamina" (without extension)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".lamina")
	}

	// Environment variable configuration
	viper.SetEnvPrefix("LAMINA")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.bind_address", "0.0.0.0:8080")
	viper.SetDefault("server.read_timeout", 0)
	viper.SetDefault("server.write_timeout", 0)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)
	viper.SetDefault("server.tls.enabled", false)

	// Storage defaults
	viper.SetDefault("storage.backend", BackendMemory)
	viper.SetDefault("storage.min_part_size", 0)

	// Auth defaults
	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.region", "us-east-1")

	// Bucket defaults
	viper.SetDefault("buckets.default_type", string(storage.BucketTypeGeneralPurpose))
	viper.SetDefault("buckets.default_storage_class", "STANDARD")

	// Cache defaults (64MB metadata cache)
	viper.SetDefault("cache.max_size_bytes", 64*1024*1024)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.BindAddress == "" {
		return fmt.Errorf("server.bind_address is required")
	}

	// Validate TLS configuration
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}

		// Check if certificate files exist
		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.Server.TLS.KeyFile)
		}
	}

	// Validate storage configuration
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendFilesystem:
		if cfg.Storage.DataRoot == "" {
			return fmt.Errorf("storage.data_root is required for the filesystem backend")
		}
	case BackendDatabase:
		if cfg.Storage.ConnectionString == "" {
			return fmt.Errorf("storage.connection_string is required for the database backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (must be %q, %q or %q)",
			cfg.Storage.Backend, BackendMemory, BackendFilesystem, BackendDatabase)
	}
	if cfg.Storage.MinPartSize < 0 {
		return fmt.Errorf("storage.min_part_size must not be negative")
	}

	// Validate bucket defaults
	if _, ok := storage.ParseBucketType(cfg.Buckets.DefaultType); !ok {
		return fmt.Errorf("unknown buckets.default_type %q (must be %q or %q)",
			cfg.Buckets.DefaultType, storage.BucketTypeGeneralPurpose, storage.BucketTypeDirectory)
	}

	// Validate configured users
	if err := validateUsers(cfg); err != nil {
		return err
	}

	if cfg.Cache.MaxSizeBytes < 0 {
		return fmt.Errorf("cache.max_size_bytes must not be negative")
	}

	return nil
}

// validateUsers validates the auth.users section
func validateUsers(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		if u.AccessKeyID == "" {
			return fmt.Errorf("auth.users[%d].access_key_id is required", i)
		}
		if u.SecretAccessKey == "" {
			return fmt.Errorf("auth.users[%d].secret_access_key is required", i)
		}
		if seen[u.AccessKeyID] {
			return fmt.Errorf("duplicate access_key_id %q in auth.users", u.AccessKeyID)
		}
		seen[u.AccessKeyID] = true
		for j, p := range u.Permissions {
			if p.Bucket == "" {
				return fmt.Errorf("auth.users[%d].permissions[%d].bucket is required", i, j)
			}
			for _, action := range p.Actions {
				switch auth.Permission(action) {
				case auth.PermissionList, auth.PermissionRead, auth.PermissionWrite, auth.PermissionDelete:
				default:
					return fmt.Errorf("auth.users[%d].permissions[%d] has unknown action %q", i, j, action)
				}
			}
		}
	}
	return nil
}

// Users converts the auth.users section into credential store users. It
// returns nil when authentication is disabled, which puts the server into
// open mode.
func (c *Config) Users() []auth.User {
	if !c.Auth.Enabled || len(c.Auth.Users) == 0 {
		return nil
	}
	users := make([]auth.User, 0, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		user := auth.User{
			AccessKeyID:     u.AccessKeyID,
			SecretAccessKey: u.SecretAccessKey,
			DisplayName:     u.DisplayName,
		}
		for _, p := range u.Permissions {
			perms := make([]auth.Permission, 0, len(p.Actions))
			for _, action := range p.Actions {
				perms = append(perms, auth.Permission(action))
			}
			user.Permissions = append(user.Permissions, auth.BucketPermission{
				BucketPattern: p.Bucket,
				Permissions:   perms,
			})
		}
		users = append(users, user)
	}
	return users
}
