package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the vault daemon configuration
type Config struct {
	// DevMode relaxes transport requirements for local development
	DevMode bool `yaml:"dev_mode"`

	// SubjectID is the verified subject this daemon serves. The control
	// plane authenticates the principal before starting the daemon, the
	// same way it decides which envelopes the store holds.
	SubjectID string `yaml:"subject_id"`

	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Authority configuration
	Authority AuthorityConfig `yaml:"authority"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// StoreConfig holds durable store settings
type StoreConfig struct {
	Path    string `yaml:"path"`
	KeyFile string `yaml:"key_file"`
}

// AuthorityConfig holds consent authority settings
type AuthorityConfig struct {
	SecretFile       string `yaml:"secret_file"`
	MasterTTLMinutes int    `yaml:"master_ttl_minutes"`
	ScopedTTLMinutes int    `yaml:"scoped_ttl_minutes"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2000,
			MaxReconnects: 10,
		},
		Store: StoreConfig{
			Path: "haven.db",
		},
		Authority: AuthorityConfig{
			MasterTTLMinutes: 15,
			ScopedTTLMinutes: 60,
		},
	}
}

// LoadConfig loads configuration from a YAML file, merged over defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// loadKeyFile reads a base64-encoded 32-byte key from a file
func loadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
