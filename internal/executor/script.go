package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// specialChars are the characters that force an argument to be quoted
// before it is embedded in the invocation script.
const specialChars = "'\"`$\\|&;<>()*?[]{}#~!%=^"

// shellQuote returns s in a form the nested /bin/sh reads back as exactly one
// argument. Plain words are returned unchanged.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !needsQuoting(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}

// scriptSpec describes one invocation script. All paths are as seen from
// inside the nested environment.
type scriptSpec struct {
	Env     []string // KEY=VALUE pairs exported before the command
	Dir     string
	Binary  string
	Args    []string
	Elevate bool
}

// render produces the POSIX shell script for the invocation.
func (s scriptSpec) render() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")

	names := make([]string, 0, len(s.Env))
	for _, kv := range s.Env {
		key, value, _ := strings.Cut(kv, "=")
		names = append(names, key)
		fmt.Fprintf(&b, "export %s=%s\n", key, shellQuote(value))
	}

	fmt.Fprintf(&b, "cd %s || exit 127\n", shellQuote(s.Dir))

	b.WriteString("exec ")
	if s.Elevate {
		// Credential arrives on stdin, prompt suppressed
		fmt.Fprintf(&b, "sudo -S -p '' --preserve-env=%s ", strings.Join(names, ","))
	}
	b.WriteString(shellQuote("./" + s.Binary))
	for _, arg := range s.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	b.WriteByte('\n')

	return b.String()
}

// writeScript materializes content as a fresh executable script inside dir
// and returns its host path.
func writeScript(dir, content string) (string, error) {
	path := filepath.Join(dir, ".invoke-"+uuid.NewString()+".sh")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0700)
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close script: %w", err)
	}

	// Mode passed to OpenFile is subject to umask
	if err := os.Chmod(path, 0700); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("chmod script: %w", err)
	}

	return path, nil
}

// translateWSLPath maps a Windows host path to the path the same file has
// inside a WSL distribution. Paths without a drive letter only get their
// separators normalised.
func translateWSLPath(p string) string {
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		rest := strings.ReplaceAll(p[2:], `\`, "/")
		return "/mnt/" + strings.ToLower(p[:1]) + rest
	}
	return strings.ReplaceAll(p, `\`, "/")
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
