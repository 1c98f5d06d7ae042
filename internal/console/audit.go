package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxAuditError bounds how much captured stderr lands in one audit line.
const maxAuditError = 512

// AuditEntry is one record of console activity.
type AuditEntry struct {
	Timestamp   string   `json:"timestamp"`
	Operation   string   `json:"operation"` // admin_login, admin_logout, login, logout, execute
	User        string   `json:"user"`
	Args        []string `json:"args,omitempty"`
	Elevate     bool     `json:"elevate,omitempty"`
	Decision    string   `json:"decision"` // "allow", "deny"
	Rule        string   `json:"rule,omitempty"`
	Success     bool     `json:"success"`
	Kind        string   `json:"kind,omitempty"`
	ExitCode    int      `json:"exit_code,omitempty"`
	Duration    float64  `json:"duration_ms,omitempty"`
	CommandTime float64  `json:"command_ms,omitempty"`
	RemoteAddr  string   `json:"remote_addr,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// AuditLogger writes structured audit logs in JSON-lines format.
type AuditLogger struct {
	path   string
	writer io.WriteCloser
	now    func() time.Time
	mu     sync.Mutex
}

// NewAuditLogger creates a new audit logger writing to the specified file.
// If path is empty, audit logging is disabled.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{writer: nopWriteCloser{}, now: time.Now}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &AuditLogger{path: path, writer: file, now: time.Now}, nil
}

// Path returns the log file, empty when auditing is disabled.
func (al *AuditLogger) Path() string {
	return al.path
}

// Log writes an audit entry to the log file.
func (al *AuditLogger) Log(entry AuditEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = al.now().UTC().Format(time.RFC3339Nano)
	}
	if len(entry.Error) > maxAuditError {
		entry.Error = entry.Error[:maxAuditError] + "...(truncated)"
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	data = append(data, '\n')
	if _, err := al.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	return nil
}

// Close closes the audit log file.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.writer.Close()
}

// ReadAuditLog reads audit entries from path, keeping only the newest limit
// entries when limit is positive. Malformed lines are skipped.
func ReadAuditLog(path string, limit int) ([]AuditEntry, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip malformed lines
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read audit log: %w", err)
	}

	return entries, nil
}

// nopWriteCloser is a no-op io.WriteCloser for disabled audit logging.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
