// Package config loads and validates all runtime configuration from the
// environment, with production defaults per component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object assembled at boot.
type Config struct {
	Server    *ServerConfig
	Cron      *CronConfig
	RateLimit *RateLimitConfig
	Promotion *PromotionConfig
	Policy    *PolicyConfig
	Secrets   *SecretsConfig
}

// Load assembles the full configuration from the environment.
func Load() (*Config, error) {
	server, err := LoadServerConfig()
	if err != nil {
		return nil, err
	}
	cron, err := LoadCronConfig()
	if err != nil {
		return nil, err
	}
	rl, err := LoadRateLimitConfig()
	if err != nil {
		return nil, err
	}
	promotion, err := LoadPromotionConfig()
	if err != nil {
		return nil, err
	}
	policy := LoadPolicyConfig()
	secrets, err := LoadSecretsConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Cron:      cron,
		RateLimit: rl,
		Promotion: promotion,
		Policy:    policy,
		Secrets:   secrets,
	}, nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string
	GinMode         string
	ShutdownTimeout time.Duration
}

// LoadServerConfig reads server settings from the environment.
func LoadServerConfig() (*ServerConfig, error) {
	shutdown, err := time.ParseDuration(envOrDefault("HTTP_SHUTDOWN_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_SHUTDOWN_TIMEOUT: %w", err)
	}
	return &ServerConfig{
		Port:            envOrDefault("HTTP_PORT", "8080"),
		GinMode:         envOrDefault("GIN_MODE", "release"),
		ShutdownTimeout: shutdown,
	}, nil
}

// PolicyConfig holds policy gate switches.
type PolicyConfig struct {
	KillSwitch bool
	ShadowMode bool
}

// LoadPolicyConfig reads policy switches from the environment.
func LoadPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		KillSwitch: envBool("POLICY_KILL_SWITCH", false),
		ShadowMode: envBool("POLICY_SHADOW_MODE", false),
	}
}

// SecretsConfig holds the encryption-at-rest key.
type SecretsConfig struct {
	// MasterKey is the AES-256-GCM key (hex, 32 bytes decoded). Empty
	// disables the secrets endpoints.
	MasterKey string
}

// LoadSecretsConfig reads SECRETS_MASTER_KEY.
func LoadSecretsConfig() (*SecretsConfig, error) {
	key := os.Getenv("SECRETS_MASTER_KEY")
	if key != "" && len(key) != 64 {
		return nil, fmt.Errorf("SECRETS_MASTER_KEY must be 64 hex chars (32 bytes)")
	}
	return &SecretsConfig{MasterKey: key}, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func envMillis(key string, defaultMs int) time.Duration {
	return time.Duration(envInt(key, defaultMs)) * time.Millisecond
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
