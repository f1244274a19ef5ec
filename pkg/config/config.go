package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Vault    VaultConfig    `json:"vault"`
	Identity IdentityConfig `json:"identity"`
	Sweep    SweepConfig    `json:"sweep"`
	Search   SearchConfig   `json:"search"`
	mu       sync.RWMutex
}

type VaultConfig struct {
	Workspace string `json:"workspace" env:"AGENTVAULT_WORKSPACE"`
}

// IdentityConfig names the caller and points at their key material.
// Keys are hex-encoded 32-byte Curve25519 keys; the private key file
// should be mode 0600.
type IdentityConfig struct {
	Caller         string `json:"caller" env:"AGENTVAULT_CALLER"`
	PublicKeyFile  string `json:"public_key_file" env:"AGENTVAULT_PUBLIC_KEY_FILE"`
	PrivateKeyFile string `json:"private_key_file" env:"AGENTVAULT_PRIVATE_KEY_FILE"`
}

type SweepConfig struct {
	Schedule     string `json:"schedule" env:"AGENTVAULT_SWEEP_SCHEDULE"` // cron expression; empty disables
	Strategy     string `json:"strategy" env:"AGENTVAULT_SWEEP_STRATEGY"`
	MaxCount     int64  `json:"max_count" env:"AGENTVAULT_SWEEP_MAX_COUNT"`
	MaxSize      int64  `json:"max_size" env:"AGENTVAULT_SWEEP_MAX_SIZE"`
	Limit        int    `json:"limit" env:"AGENTVAULT_SWEEP_LIMIT"`
	WorkerPollMS int    `json:"worker_poll_ms" env:"AGENTVAULT_SWEEP_WORKER_POLL_MS"`
}

type SearchConfig struct {
	CacheSizeBytes int64 `json:"cache_size_bytes" env:"AGENTVAULT_SEARCH_CACHE_SIZE_BYTES"`
	DefaultLimit   int   `json:"default_limit" env:"AGENTVAULT_SEARCH_DEFAULT_LIMIT"`
}

func DefaultConfig() *Config {
	return &Config{
		Vault: VaultConfig{
			Workspace: "~/.agentvault",
		},
		Sweep: SweepConfig{
			Strategy:     "summarize",
			MaxCount:     10000,
			MaxSize:      64 << 20,
			Limit:        50,
			WorkerPollMS: 30000,
		},
		Search: SearchConfig{
			CacheSizeBytes: 32 << 20,
			DefaultLimit:   20,
		},
	}
}

// LoadConfig reads path, layering file values over defaults and
// AGENTVAULT_* environment variables over both. A missing file is not
// an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Vault.Workspace)
}

func (c *Config) WorkerPoll() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Sweep.WorkerPollMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sweep.WorkerPollMS) * time.Millisecond
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
