// Package config loads the journal vault settings from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"private-journal/go-backend/internal/kdf"

	"gopkg.in/yaml.v3"
)

const envPrefix = "JOURNAL_"

type Config struct {
	Crypto    CryptoConfig
	Migration MigrationConfig
	Unlock    UnlockConfig
	Storage   StorageConfig
	Log       LogConfig
}

type CryptoConfig struct {
	// CurrentVersion is the envelope version new records are sealed at.
	CurrentVersion int
	PBKDF2         kdf.Params
	Argon2id       kdf.Params
	// Fallback seals current-version envelopes with PBKDF2 where Argon2id
	// must not be used (e.g. memory constrained hosts).
	Fallback bool
}

type MigrationConfig struct {
	Workers int
}

type UnlockConfig struct {
	RatePerSecond float64
	Burst         int
	IdleTTL       time.Duration
}

type StorageConfig struct {
	// Driver is one of sqlite, file, memory.
	Driver string
	Path   string
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		Crypto: CryptoConfig{
			CurrentVersion: kdf.VersionArgon,
			PBKDF2:         kdf.Params{Iterations: 600_000, Hash: "sha256"},
			Argon2id:       kdf.Params{Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4},
		},
		Migration: MigrationConfig{Workers: 4},
		Unlock: UnlockConfig{
			RatePerSecond: 0.2,
			Burst:         5,
			IdleTTL:       15 * time.Minute,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "data/journal.db"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// FileConfig mirrors the YAML layout. Pointer and zero fields mean "keep default".
type FileConfig struct {
	Crypto struct {
		CurrentVersion *int        `yaml:"currentVersion"`
		PBKDF2         *kdf.Params `yaml:"pbkdf2"`
		Argon2id       *kdf.Params `yaml:"argon2id"`
		Fallback       *bool       `yaml:"fallback"`
	} `yaml:"crypto"`
	Migration struct {
		Workers int `yaml:"workers"`
	} `yaml:"migration"`
	Unlock struct {
		RatePerSecond float64       `yaml:"ratePerSecond"`
		Burst         int           `yaml:"burst"`
		IdleTTL       time.Duration `yaml:"idleTTL"`
	} `yaml:"unlock"`
	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadFromPath reads configPath, or the first default candidate that exists,
// merges it over Default and applies env overrides. An explicit path that
// cannot be read is an error; missing default candidates are not.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{
			"go-backend/configs/journal.yaml",
			"configs/journal.yaml",
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src FileConfig) {
	if src.Crypto.CurrentVersion != nil {
		dst.Crypto.CurrentVersion = *src.Crypto.CurrentVersion
	}
	if src.Crypto.PBKDF2 != nil {
		dst.Crypto.PBKDF2 = *src.Crypto.PBKDF2
	}
	if src.Crypto.Argon2id != nil {
		dst.Crypto.Argon2id = *src.Crypto.Argon2id
	}
	if src.Crypto.Fallback != nil {
		dst.Crypto.Fallback = *src.Crypto.Fallback
	}
	if src.Migration.Workers != 0 {
		dst.Migration.Workers = src.Migration.Workers
	}
	if src.Unlock.RatePerSecond != 0 {
		dst.Unlock.RatePerSecond = src.Unlock.RatePerSecond
	}
	if src.Unlock.Burst != 0 {
		dst.Unlock.Burst = src.Unlock.Burst
	}
	if src.Unlock.IdleTTL != 0 {
		dst.Unlock.IdleTTL = src.Unlock.IdleTTL
	}
	if src.Storage.Driver != "" {
		dst.Storage.Driver = src.Storage.Driver
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

// ApplyEnvOverrides applies JOURNAL_* variables. Unparsable values are errors.
func ApplyEnvOverrides(cfg *Config) error {
	if v := env("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := env("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := env("KDF_FALLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sKDF_FALLBACK: %w", envPrefix, err)
		}
		cfg.Crypto.Fallback = b
	}
	if v := env("MIGRATION_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMIGRATION_WORKERS: %w", envPrefix, err)
		}
		cfg.Migration.Workers = n
	}
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Migration.Workers < 1 || c.Migration.Workers > 64 {
		return fmt.Errorf("migration.workers must be in 1..64, got %d", c.Migration.Workers)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	_, err := c.Registry()
	return err
}

// Registry builds the KDF profiles: the fixed legacy version 0, PBKDF2 at
// version 1 and Argon2id at version 2, with CurrentVersion sealing new data.
func (c Config) Registry() (*kdf.Registry, error) {
	r, err := kdf.NewRegistry(c.Crypto.CurrentVersion,
		kdf.Profile{Version: kdf.VersionLegacy, Algorithm: kdf.PBKDF2, Params: kdf.LegacyParams()},
		kdf.Profile{Version: kdf.VersionPBKDF2, Algorithm: kdf.PBKDF2, Params: c.Crypto.PBKDF2},
		kdf.Profile{
			Version:   kdf.VersionArgon,
			Algorithm: kdf.Argon2id,
			Params:    c.Crypto.Argon2id,
			Allowed:   []kdf.Algorithm{kdf.Argon2id, kdf.PBKDF2},
		},
	)
	if err != nil {
		return nil, err
	}
	if c.Crypto.Fallback && c.Crypto.CurrentVersion == kdf.VersionArgon {
		return r.WithFallback(kdf.PBKDF2, c.Crypto.PBKDF2)
	}
	return r, nil
}
