package isolation

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewManager creates a new isolation manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ScratchPath == "" {
		return nil, fmt.Errorf("scratch path cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[isolation] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		scratchPath: filepath.Clean(cfg.ScratchPath),
		contexts:    make(map[string]*Context),
		now:         cfg.Now,
		mkdir:       os.Mkdir,
		remove:      os.Remove,
		removeAll:   os.RemoveAll,
		logger:      cfg.Logger,
	}

	return m, nil
}

// Start prepares the scratch area and removes context directories left
// behind by a previous process.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.scratchPath, 0700); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	if err := m.CleanOrphans(); err != nil {
		m.logger.Printf("warning: could not clean orphaned contexts: %v", err)
	}

	m.logger.Printf("started (scratch=%s)", m.scratchPath)
	return nil
}

// CreateContext allocates a fresh sandbox for user. If the user already has a
// live context it is returned as is.
func (m *Manager) CreateContext(user string) (Context, error) {
	if err := validateUser(user); err != nil {
		return Context{}, &CreateError{User: user, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.contexts[user]; ok {
		return *existing, nil
	}

	id := uuid.NewString()
	root := filepath.Join(m.scratchPath, id)
	ctx := &Context{
		ID:        id,
		User:      user,
		Root:      root,
		ConfigDir: filepath.Join(root, ConfigDirName),
		CacheDir:  filepath.Join(root, CacheDirName),
		CreatedAt: m.now(),
	}

	for _, dir := range []string{ctx.Root, ctx.ConfigDir, ctx.CacheDir} {
		if err := m.mkdir(dir, 0700); err != nil {
			// Roll back whatever was created so far
			if rmErr := m.removeAll(root); rmErr != nil {
				m.logger.Printf("warning: rollback of %s failed: %v", root, rmErr)
			}
			return Context{}, &CreateError{User: user, Err: fmt.Errorf("create %s: %w", dir, err)}
		}
	}

	m.contexts[user] = ctx

	m.logger.Printf("created context %s for %s at %s", id, user, root)
	return *ctx, nil
}

// GetContext returns the live context for user, if any.
func (m *Manager) GetContext(user string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, ok := m.contexts[user]
	if !ok {
		return Context{}, false
	}
	return *ctx, true
}

// DestroyContext removes the user's context and its directory tree.
// Destroying a context that does not exist is a no-op.
func (m *Manager) DestroyContext(user string) {
	m.destroy(user, "")
}

// destroy removes the context for user. A non-empty id restricts removal to
// that exact context so a sweep cannot reclaim a context created after it
// took its snapshot.
func (m *Manager) destroy(user, id string) {
	m.mu.Lock()
	ctx, ok := m.contexts[user]
	if ok && id != "" && ctx.ID != id {
		ok = false
	}
	if ok {
		delete(m.contexts, user)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	failures := m.removeTree(ctx.Root)
	if failures > 0 {
		m.logger.Printf("destroyed context %s for %s with %d removal failures", ctx.ID, user, failures)
		return
	}
	m.logger.Printf("destroyed context %s for %s", ctx.ID, user)
}

// SweepIdle destroys every context older than threshold and returns the
// users whose contexts were reclaimed.
func (m *Manager) SweepIdle(now time.Time, threshold time.Duration) []string {
	m.mu.RLock()
	expired := make(map[string]string)
	for user, ctx := range m.contexts {
		if now.Sub(ctx.CreatedAt) > threshold {
			expired[user] = ctx.ID
		}
	}
	m.mu.RUnlock()

	users := make([]string, 0, len(expired))
	for user := range expired {
		users = append(users, user)
	}
	sort.Strings(users)

	for _, user := range users {
		m.logger.Printf("reclaiming idle context for %s", user)
		m.destroy(user, expired[user])
	}
	return users
}

// List returns a snapshot of all live contexts ordered by user.
func (m *Manager) List() []Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Context, 0, len(m.contexts))
	for _, ctx := range m.contexts {
		out = append(out, *ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// validateUser rejects identities that could not be used as a map key safely.
func validateUser(user string) error {
	if user == "" {
		return fmt.Errorf("user identity cannot be empty")
	}
	if strings.Contains(user, "\x00") {
		return fmt.Errorf("user identity cannot contain null bytes")
	}
	return nil
}
