package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Conflict resolution policies for files changed on both sides.
const (
	ConflictNewest = "newest"
	ConflictLocal  = "local"
	ConflictRemote = "remote"
)

// Config holds all environment-based configuration for drive-sync.
type Config struct {
	// Local vault directory to mirror. Required.
	VaultDir string `env:"VAULT_DIR"`

	// Workspace directory for sync bookkeeping (local metadata cache,
	// state database, recorded edit history). Defaults to
	// <vault>/.drive-sync when empty.
	WorkspaceDir string `env:"WORKSPACE_DIR"`

	// Drive API origin. Overridable for tests and proxies.
	DriveOrigin string `env:"DRIVE_ORIGIN" envDefault:"https://www.googleapis.com"`

	// Token refresh proxy origin. Must be HTTPS; the session guard
	// rejects anything else.
	TokenProxyOrigin string `env:"TOKEN_PROXY_ORIGIN"`

	// Password used to unwrap the at-rest encrypted refresh token.
	TokenPassword string `env:"TOKEN_PASSWORD"`

	// Name of the folder under the Drive root that holds the mirrored
	// vault. Created on first sync if absent.
	DriveRootFolder string `env:"DRIVE_ROOT_FOLDER" envDefault:"vault"`

	// ConflictPolicy decides the winner when a file changed on both
	// sides: "newest" (by modified time), "local", or "remote". The
	// losing version is always backed up first.
	ConflictPolicy string `env:"CONFLICT_POLICY" envDefault:"newest"`

	// SyncInterval between reconciliation passes. Zero means run a
	// single pass and exit.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"0"`

	// Watch enables the filesystem watcher that marks files dirty
	// between passes. Only meaningful with a non-zero SyncInterval.
	Watch bool `env:"WATCH" envDefault:"true"`

	// RecordHistory enables recording a unified diff for every pushed
	// text file into the workspace history log.
	RecordHistory bool `env:"RECORD_HISTORY" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve directories to absolute paths at startup. Downstream path
	// traversal checks rely on string prefix comparison, which only works
	// reliably with absolute paths.
	absVault, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault dir to absolute path: %w", err)
	}

	cfg.VaultDir = absVault

	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.VaultDir, ".drive-sync")
	} else {
		absWS, err := filepath.Abs(cfg.WorkspaceDir)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace dir to absolute path: %w", err)
		}

		cfg.WorkspaceDir = absWS
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("VAULT_DIR is required")
	}

	if c.TokenProxyOrigin == "" {
		return fmt.Errorf("TOKEN_PROXY_ORIGIN is required")
	}

	u, err := url.Parse(c.TokenProxyOrigin)
	if err != nil {
		return fmt.Errorf("parsing TOKEN_PROXY_ORIGIN: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("TOKEN_PROXY_ORIGIN must be https, got %q", c.TokenProxyOrigin)
	}

	if c.TokenPassword == "" {
		return fmt.Errorf("TOKEN_PASSWORD is required")
	}

	switch c.ConflictPolicy {
	case ConflictNewest, ConflictLocal, ConflictRemote:
	default:
		return fmt.Errorf("CONFLICT_POLICY must be one of newest, local, remote; got %q", c.ConflictPolicy)
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
