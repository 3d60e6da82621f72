// Package config provides the hub's environment-variable configuration
// loading and validation utilities: a generic EnvConfig/Validator
// pattern down to the surface the hub actually needs: storage path,
// memory cache size, auto-commit buffer size and period, compression,
// read-only flag, database number, REST bind address, and API key.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"os"
)

// EnvConfig loads values from environment variables under an optional
// prefix, e.g. NewEnvConfig("HUB").GetString("STORAGE_PATH", ...) reads
// HUB_STORAGE_PATH.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetInt64 retrieves a 64-bit integer value from environment, e.g. a
// byte-size threshold, with optional default.
func (ec *EnvConfig) GetInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(ec.buildKey(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// StoreConfig is the embedded-engine surface: storage path, memory
// cache size (bytes), auto-commit buffer size (bytes), auto-commit
// period (a Go duration string such as "5s"), compression on/off,
// read-only flag, and database number (registration key).
type StoreConfig struct {
	StoragePath           string
	MemoryCacheBytes      int64
	AutoCommitBufferBytes int64
	AutoCommitPeriod      time.Duration
	Compression           bool
	ReadOnly              bool
	DatabaseNumber        int
	ExternalIDSalt        string
}

// LoadStoreConfig loads StoreConfig from environment under prefix.
func LoadStoreConfig(prefix string) StoreConfig {
	env := NewEnvConfig(prefix)
	return StoreConfig{
		StoragePath:           env.GetString("STORAGE_PATH", "./hub.db"),
		MemoryCacheBytes:      env.GetInt64("CACHE_BYTES", 64<<20),
		AutoCommitBufferBytes: env.GetInt64("AUTOCOMMIT_BUFFER_BYTES", 4<<20),
		AutoCommitPeriod:      env.GetDuration("AUTOCOMMIT_PERIOD", 5*time.Second),
		Compression:           env.GetBool("COMPRESSION", false),
		ReadOnly:              env.GetBool("READ_ONLY", false),
		DatabaseNumber:        env.GetInt("DATABASE_NUMBER", 0),
		ExternalIDSalt:        env.GetString("ID_SALT", "obshub-default-salt"),
	}
}

// ServerConfig contains the REST server's bind address and API key.
type ServerConfig struct {
	BindAddress string
	APIKey      string
	Debug       bool
}

// LoadServerConfig loads ServerConfig from environment under prefix.
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		BindAddress: env.GetString("BIND_ADDRESS", ":8282"),
		APIKey:      env.GetString("API_KEY", ""),
		Debug:       env.GetBool("DEBUG", false),
	}
}

// ServiceConfig carries ambient logging configuration.
type ServiceConfig struct {
	LogLevel  string
	LogFormat string
}

// LoadServiceConfig loads ServiceConfig from environment under prefix.
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "text"),
	}
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt64 validates that an int64 field is positive.
func (v *Validator) RequirePositiveInt64(field string, value int64) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// IsValid reports whether no validation errors were recorded.
func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

// Validate returns an error summarizing all recorded problems, or nil.
func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}
