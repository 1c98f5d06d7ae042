// Package executor runs the managed CLI on behalf of one user, inside that
// user's isolation context, in a nested execution environment: a secondary
// shell (ShellExecutor) or a container (DockerExecutor).
package executor

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"mooconsole/internal/isolation"
)

// DefaultTimeout bounds an invocation when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// DefaultBinary is the managed CLI executable name inside its install directory.
const DefaultBinary = "moo"

var (
	// ErrSessionNotFound is returned when the user has no isolation context.
	ErrSessionNotFound = errors.New("no isolation context for user")
	// ErrCredentialMissing is returned when elevation is requested but no
	// credential is configured. The command is never run unprivileged instead.
	ErrCredentialMissing = errors.New("elevation requested but no credential configured")
	// ErrTimeout is returned when the external process exceeded its bound.
	ErrTimeout = errors.New("command timed out")
)

// Executor is the interface for nested execution environments.
type Executor interface {
	// Execute runs inv synchronously. A non-zero exit status is reported in
	// the Result, not as an error. On ErrTimeout the partial Result is
	// returned alongside the error.
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// Contexts resolves a user identity to its isolation context.
type Contexts interface {
	GetContext(user string) (isolation.Context, bool)
}

// Invocation is a single execution request.
type Invocation struct {
	User       string
	Args       []string
	Elevate    bool
	Timeout    time.Duration // overrides Config.Timeout when positive
	ReceivedAt time.Time
}

// Result is the captured outcome of one invocation.
type Result struct {
	Output     string
	Error      string
	ExitCode   int
	ReceivedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

// QueueDuration is the time between receiving the request and starting the command.
func (r *Result) QueueDuration() time.Duration {
	if r.StartedAt.IsZero() || r.ReceivedAt.IsZero() {
		return 0
	}
	return r.StartedAt.Sub(r.ReceivedAt)
}

// CommandDuration is the time spent in the external process.
func (r *Result) CommandDuration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Config holds the settings shared by every executor.
type Config struct {
	CLIDir              string        // managed CLI install directory, as seen by the nested environment
	CLIBinary           string        // executable name inside CLIDir
	Timeout             time.Duration // default bound for every invocation
	ElevationCredential string        // fed to sudo on stdin when elevation is requested
	HostEnv             []string      // environment passed through the scrubber; defaults to os.Environ()
	Now                 func() time.Time
	Logger              *log.Logger
}

func (c *Config) setDefaults(prefix string) {
	if c.CLIBinary == "" {
		c.CLIBinary = DefaultBinary
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HostEnv == nil {
		c.HostEnv = os.Environ()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, prefix, log.LstdFlags|log.Lmsgprefix)
	}
}

// reclassifyStdout handles managed CLI builds that print their errors to
// stdout. It only applies when the process failed, wrote nothing to stderr
// and something to stdout; every other combination is left alone.
func reclassifyStdout(r *Result) {
	if r.ExitCode != 0 && r.Error == "" && r.Output != "" {
		r.Error = r.Output
		r.Output = ""
	}
}
