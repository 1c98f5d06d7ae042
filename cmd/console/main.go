// Command console serves the operator console for the managed CLI. Each
// signed-in user gets a private isolation context; every CLI invocation runs
// inside it through the configured nested environment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"mooconsole/internal/appinsights"
	"mooconsole/internal/auth"
	"mooconsole/internal/config"
	"mooconsole/internal/console"
	"mooconsole/internal/dispatch"
	"mooconsole/internal/executor"
	"mooconsole/internal/isolation"
	"mooconsole/internal/policy"
	"mooconsole/internal/reload"
	"mooconsole/internal/session"
)

// writeGrace is added on top of the exec timeout so a timed-out command can
// still report its partial output.
const writeGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.UsersFile, "users", cfg.UsersFile, "Path to the console credentials file")
	flag.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "Path to the subcommand policy file (built-in allow-list when empty)")
	flag.StringVar(&cfg.AuditLog, "audit", cfg.AuditLog, "Path to the JSON-lines audit log (disabled when empty)")
	flag.Parse()

	logger := log.New(os.Stdout, "[console] ", log.LstdFlags|log.Lmsgprefix)

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	users, err := auth.LoadFileStore(cfg.UsersFile, nil)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	usersWatcher, err := reload.New(reload.Config{Path: cfg.UsersFile, Reload: users.Reload})
	if err != nil {
		return err
	}
	if err := usersWatcher.Start(ctx); err != nil {
		return err
	}
	defer usersWatcher.Stop()

	rules := policy.NewHolder(nil)
	if cfg.PolicyFile != "" {
		if err := rules.ReloadFrom(cfg.PolicyFile); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		policyWatcher, err := reload.New(reload.Config{
			Path:   cfg.PolicyFile,
			Reload: func() error { return rules.ReloadFrom(cfg.PolicyFile) },
		})
		if err != nil {
			return err
		}
		if err := policyWatcher.Start(ctx); err != nil {
			return err
		}
		defer policyWatcher.Stop()
	}

	contexts, err := isolation.NewManager(isolation.Config{ScratchPath: cfg.ScratchDir})
	if err != nil {
		return err
	}
	if err := contexts.Start(); err != nil {
		return err
	}

	exec, err := newExecutor(ctx, cfg, contexts)
	if err != nil {
		return err
	}

	flags, ok := dispatch.FlagTableByName(cfg.CredentialFlags)
	if !ok {
		return fmt.Errorf("unknown credential flag style %q", cfg.CredentialFlags)
	}

	audit, err := console.NewAuditLogger(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer audit.Close()

	metrics := console.NewMetrics()
	dispatcher, err := dispatch.New(dispatch.Config{
		Executor:      exec,
		Policy:        rules,
		Flags:         flags,
		MaxConcurrent: cfg.MaxConcurrent,
		Observer:      console.NewRecorder(audit, metrics, nil),
	})
	if err != nil {
		return err
	}

	srv, err := console.NewServer(console.Config{
		Addr:            cfg.Addr,
		Authenticator:   users,
		Sessions:        session.NewMemoryStore(nil),
		Contexts:        contexts,
		Dispatcher:      dispatcher,
		Insights:        appinsights.New(appinsights.Config{BaseURL: cfg.AppInsightsBaseURL}),
		Audit:           audit,
		Metrics:         metrics,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.ExecTimeout + writeGrace,
		CookieSecure:    cfg.CookieSecure,
		LoginRatePerMin: cfg.LoginRatePerMin,
		Backend:         string(cfg.Backend()),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Printf("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("backend=%s cli=%s/%s users=%d", cfg.Backend(), cfg.CLIDir, cfg.CLIBinary, users.Len())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	for _, c := range contexts.List() {
		contexts.DestroyContext(c.User)
	}
	return nil
}

func newExecutor(ctx context.Context, cfg config.Config, contexts *isolation.Manager) (executor.Executor, error) {
	base := executor.Config{
		CLIDir:              cfg.CLIDir,
		CLIBinary:           cfg.CLIBinary,
		Timeout:             cfg.ExecTimeout,
		ElevationCredential: cfg.ElevationPassword,
	}

	switch cfg.Backend() {
	case config.BackendWSL:
		return executor.NewShellExecutor(contexts, executor.ShellConfig{
			Config:    base,
			Launcher:  executor.WSLLauncher(cfg.NestedDistro),
			PathStyle: executor.PathStyleWSL,
		})

	case config.BackendDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := cli.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("docker daemon unreachable: %w", err)
		}
		return executor.NewDockerExecutor(cli, contexts, executor.DockerConfig{
			Config:    base,
			Container: cfg.NestedContainer,
			User:      cfg.NestedUser,
		})

	default:
		return executor.NewShellExecutor(contexts, executor.ShellConfig{Config: base})
	}
}
