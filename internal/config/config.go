// Package config loads the console's environment-provided settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
)

// Backend names the nested execution environment.
type Backend string

const (
	BackendLocal  Backend = "local"  // /bin/sh on the host
	BackendWSL    Backend = "wsl"    // a WSL distribution
	BackendDocker Backend = "docker" // a long-running container
)

// Config holds every environment-provided setting.
type Config struct {
	Addr string `env:"CONSOLE_ADDR,default=127.0.0.1:8080"`

	// Managed CLI
	CLIDir            string `env:"MOO_CLI_DIR,default=/opt/moo"`
	CLIBinary         string `env:"MOO_CLI_BINARY,default=moo"`
	ElevationPassword string `env:"MOO_ELEVATION_PASSWORD"`
	CredentialFlags   string `env:"MOO_CREDENTIAL_FLAGS,default=long"` // "long" or "short"

	IdleTimeout   time.Duration `env:"CONSOLE_IDLE_TIMEOUT,default=1h"`
	ExecTimeout   time.Duration `env:"CONSOLE_EXEC_TIMEOUT,default=5m"`
	MaxConcurrent int64         `env:"CONSOLE_MAX_CONCURRENT,default=8"`

	// Nested execution environment. With NestedShell off the CLI runs
	// through /bin/sh on the host.
	NestedShell     bool   `env:"CONSOLE_NESTED_SHELL,default=false"`
	NestedBackend   string `env:"CONSOLE_NESTED_BACKEND,default=wsl"`
	NestedDistro    string `env:"CONSOLE_NESTED_DISTRO,default=Ubuntu"`
	NestedContainer string `env:"CONSOLE_NESTED_CONTAINER"`
	NestedUser      string `env:"CONSOLE_NESTED_USER"`

	ScratchDir string `env:"CONSOLE_SCRATCH_DIR"`
	UsersFile  string `env:"CONSOLE_USERS_FILE,default=/etc/mooconsole/users.yaml"`
	PolicyFile string `env:"CONSOLE_POLICY_FILE"`
	AuditLog   string `env:"CONSOLE_AUDIT_LOG"`

	CookieSecure       bool    `env:"CONSOLE_COOKIE_SECURE,default=false"`
	LoginRatePerMin    float64 `env:"CONSOLE_LOGIN_RATE_PER_MIN,default=10"`
	AppInsightsBaseURL string  `env:"APPINSIGHTS_BASE_URL,default=https://api.applicationinsights.io/v1/apps"`
}

// Load decodes the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "mooconsole")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Backend returns the selected nested execution environment.
func (c Config) Backend() Backend {
	if !c.NestedShell {
		return BackendLocal
	}
	return Backend(c.NestedBackend)
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	if c.CLIDir == "" {
		return fmt.Errorf("MOO_CLI_DIR cannot be empty")
	}
	if c.CLIBinary == "" || filepath.Base(c.CLIBinary) != c.CLIBinary {
		return fmt.Errorf("MOO_CLI_BINARY must be a bare file name, got %q", c.CLIBinary)
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("CONSOLE_EXEC_TIMEOUT must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("CONSOLE_IDLE_TIMEOUT must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("CONSOLE_MAX_CONCURRENT must be positive")
	}
	if c.LoginRatePerMin <= 0 {
		return fmt.Errorf("CONSOLE_LOGIN_RATE_PER_MIN must be positive")
	}
	if c.CredentialFlags != "long" && c.CredentialFlags != "short" {
		return fmt.Errorf("MOO_CREDENTIAL_FLAGS must be long or short, got %q", c.CredentialFlags)
	}

	switch c.Backend() {
	case BackendLocal:
	case BackendWSL:
		if c.NestedDistro == "" {
			return fmt.Errorf("CONSOLE_NESTED_DISTRO is required for the wsl backend")
		}
	case BackendDocker:
		if c.NestedContainer == "" {
			return fmt.Errorf("CONSOLE_NESTED_CONTAINER is required for the docker backend")
		}
	default:
		return fmt.Errorf("unknown CONSOLE_NESTED_BACKEND %q", c.NestedBackend)
	}

	return nil
}
