package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// PathStyle selects how host paths are rewritten for the nested shell.
type PathStyle string

const (
	PathStyleNative PathStyle = "native"
	PathStyleWSL    PathStyle = "wsl"
)

// ShellConfig configures a ShellExecutor.
type ShellConfig struct {
	Config

	// Launcher is the argv that starts the nested shell; the script path is
	// appended as the last argument. Defaults to /bin/sh.
	Launcher  []string
	PathStyle PathStyle
}

// ShellExecutor runs the managed CLI through a nested shell. Each call writes
// an invocation script into the user's isolation root and hands it to the
// launcher, e.g. "/bin/sh" on the host or "wsl -d <distro> --exec /bin/sh"
// for a WSL distribution.
type ShellExecutor struct {
	base
	launcher  []string
	translate func(string) string
}

// WSLLauncher returns the launcher argv for a named WSL distribution.
func WSLLauncher(distro string) []string {
	return []string{"wsl", "-d", distro, "--exec", "/bin/sh"}
}

// NewShellExecutor creates a nested shell executor.
func NewShellExecutor(contexts Contexts, cfg ShellConfig) (*ShellExecutor, error) {
	if contexts == nil {
		return nil, fmt.Errorf("contexts cannot be nil")
	}
	if cfg.CLIDir == "" {
		return nil, fmt.Errorf("managed CLI directory cannot be empty")
	}
	cfg.setDefaults("[shell-exec] ")

	launcher := cfg.Launcher
	if len(launcher) == 0 {
		launcher = []string{"/bin/sh"}
	}

	translate := identity
	if cfg.PathStyle == PathStyleWSL {
		translate = translateWSLPath
	}

	return &ShellExecutor{
		base: base{
			cfg:      cfg.Config,
			contexts: contexts,
			locks:    newUserLocks(),
			logger:   cfg.Logger,
		},
		launcher:  launcher,
		translate: translate,
	}, nil
}

// Execute runs the invocation and captures its output.
func (se *ShellExecutor) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	result := &Result{ReceivedAt: inv.ReceivedAt}
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = se.cfg.Now()
	}

	j, err := se.prepare(ctx, inv, se.translate)
	if err != nil {
		return nil, err
	}
	defer j.release()

	execCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	args := append(append([]string{}, se.launcher[1:]...), se.translate(j.script))
	cmd := exec.CommandContext(execCtx, se.launcher[0], args...)
	cmd.Dir = j.isolation.Root
	cmd.Env = mergeEnv(ScrubEnvironment(se.cfg.HostEnv), j.env)
	cmd.Stdin = j.stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcess(cmd)

	se.logger.Printf("exec for %s: %s %v (elevate=%t, timeout=%s)", inv.User, se.cfg.CLIBinary, inv.Args, inv.Elevate, j.timeout)

	result.StartedAt = se.cfg.Now()
	runErr := cmd.Run()
	result.EndedAt = se.cfg.Now()
	result.Output = stdout.String()
	result.Error = stderr.String()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		se.logger.Printf("TIMEOUT: %s %v for %s exceeded %s", se.cfg.CLIBinary, inv.Args, inv.User, j.timeout)
		return result, fmt.Errorf("%w after %s", ErrTimeout, j.timeout)
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("invocation cancelled: %w", ctx.Err())
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run nested shell: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	reclassifyStdout(result)
	return result, nil
}
