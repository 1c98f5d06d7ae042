// Package isolation manages the per-user scratch sandboxes the managed CLI
// runs in. Each authenticated user owns at most one context: a private root
// directory with config and cache subdirectories.
package isolation

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Subdirectories created inside every context root.
const (
	ConfigDirName = "config"
	CacheDirName  = "cache"
)

// DefaultIdleTimeout is how long a context may live before the sweep reclaims it.
const DefaultIdleTimeout = time.Hour

// Manager owns the mapping from user identity to isolation context.
type Manager struct {
	scratchPath string
	mu          sync.RWMutex        // Protects contexts map
	contexts    map[string]*Context // username -> context
	now         func() time.Time
	mkdir       func(path string, perm os.FileMode) error
	remove      func(path string) error
	removeAll   func(path string) error
	logger      *log.Logger
}

// Context is the sandbox bound to a single user.
type Context struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Root      string    `json:"root"`
	ConfigDir string    `json:"config_dir"`
	CacheDir  string    `json:"cache_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds configuration for creating a new Manager.
type Config struct {
	ScratchPath string           // parent directory for all context roots
	Now         func() time.Time // defaults to time.Now
	Logger      *log.Logger
}

// CreateError reports a failed sandbox setup. Any partially created tree
// has already been removed when it is returned.
type CreateError struct {
	User string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create isolation context for %q: %v", e.User, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }
