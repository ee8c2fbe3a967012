package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/vettid-dev/appclient/transport"
	"github.com/mesmerverse/vettid-dev/appclient/vault"
)

// Config holds the app client configuration.
type Config struct {
	// NATS connection settings
	NATS transport.Config `yaml:"nats"`

	// Vault protocol settings
	Vault VaultConfig `yaml:"vault"`

	// Store settings
	Store StoreConfig `yaml:"store"`

	// Device identity
	Device DeviceConfig `yaml:"device"`
}

// VaultConfig holds the vault protocol settings.
type VaultConfig struct {
	OwnerSpace string `yaml:"owner_space"`

	// EnclavePublicKey is the base64 X25519 enrollment key, only needed
	// for pin-setup.
	EnclavePublicKey string `yaml:"enclave_public_key"`

	PINMinLen        int `yaml:"pin_min_len"`
	PINMaxLen        int `yaml:"pin_max_len"`
	MaxAttempts      int `yaml:"max_attempts"`
	RetryBackoffMS   int `yaml:"retry_backoff_ms"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

// StoreConfig holds the encrypted store settings.
type StoreConfig struct {
	Path string `yaml:"path"`

	// DeviceKeyFile holds the base64 32-byte store key. On a phone this
	// key lives in the platform keystore; here it is a file.
	DeviceKeyFile string `yaml:"device_key_file"`
}

// DeviceConfig identifies this installation to the vault.
type DeviceConfig struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	AppVersion string `yaml:"app_version"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultAppConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultAppConfig returns the default configuration.
func DefaultAppConfig() *Config {
	return &Config{
		NATS: transport.DefaultConfig(),
		Vault: VaultConfig{
			PINMinLen:        4,
			PINMaxLen:        8,
			MaxAttempts:      3,
			RetryBackoffMS:   2000,
			RequestTimeoutMS: 30000,
		},
		Store: StoreConfig{
			Path: "appclient.db",
		},
		Device: DeviceConfig{
			Type:       "cli",
			AppVersion: Version,
		},
	}
}

// clientConfig converts the YAML settings into a vault client config.
func (v VaultConfig) clientConfig() (vault.Config, error) {
	cfg := vault.DefaultConfig(v.OwnerSpace)
	if v.PINMinLen > 0 {
		cfg.PINMinLen = v.PINMinLen
	}
	if v.PINMaxLen > 0 {
		cfg.PINMaxLen = v.PINMaxLen
	}
	if v.MaxAttempts > 0 {
		cfg.MaxAttempts = v.MaxAttempts
	}
	if v.RetryBackoffMS > 0 {
		cfg.RetryBackoff = time.Duration(v.RetryBackoffMS) * time.Millisecond
	}
	if v.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(v.RequestTimeoutMS) * time.Millisecond
	}
	if v.EnclavePublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v.EnclavePublicKey))
		if err != nil {
			return cfg, fmt.Errorf("invalid enclave public key: %w", err)
		}
		cfg.EnclavePublicKey = key
	}
	return cfg, nil
}

// loadDeviceKey reads the base64 32-byte store key from the configured
// file.
func (s StoreConfig) loadDeviceKey() ([]byte, error) {
	if s.DeviceKeyFile == "" {
		return nil, fmt.Errorf("store.device_key_file is not configured")
	}
	data, err := os.ReadFile(s.DeviceKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read device key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid device key encoding: %w", err)
	}
	return key, nil
}
