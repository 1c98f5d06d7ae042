package isolation

import (
	"fmt"
	"os"
	"path/filepath"
)

// CleanOrphans scans the scratch area and removes any directory that is not
// the root of a live context. Leftovers appear when the process exits
// without a chance to destroy its contexts.
func (m *Manager) CleanOrphans() error {
	m.mu.RLock()
	live := make(map[string]bool, len(m.contexts))
	for _, ctx := range m.contexts {
		live[ctx.Root] = true
	}
	m.mu.RUnlock()

	entries, err := os.ReadDir(m.scratchPath)
	if err != nil {
		return fmt.Errorf("read scratch directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(m.scratchPath, entry.Name())
		if live[path] {
			continue
		}

		m.logger.Printf("removing orphaned context directory: %s", path)
		if m.removeTree(path) == 0 {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Printf("cleaned %d orphaned context directories", removed)
	}

	return nil
}

// removeTree deletes path recursively. Failures are logged and counted but
// never stop the walk, so one stuck file does not keep the rest of the tree
// on disk.
func (m *Manager) removeTree(path string) int {
	if err := m.removeAll(path); err == nil {
		return 0
	}

	return m.removeEach(path)
}

func (m *Manager) removeEach(path string) int {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		m.logger.Printf("warning: stat %s: %v", path, err)
		return 1
	}

	failures := 0
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			m.logger.Printf("warning: read %s: %v", path, err)
			failures++
		}
		for _, entry := range entries {
			failures += m.removeEach(filepath.Join(path, entry.Name()))
		}
	}

	if err := m.remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Printf("warning: remove %s: %v", path, err)
		failures++
	}
	return failures
}
