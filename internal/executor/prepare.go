package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"mooconsole/internal/isolation"
)

// userLocks serialises invocations per user so two requests for the same
// identity never share the isolation root at the same time.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// acquire blocks until the user's lock is free or ctx is done.
func (l *userLocks) acquire(ctx context.Context, user string) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[user]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.locks[user] = ul
	}
	ul.refs++
	l.mu.Unlock()

	forget := func() {
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, user)
		}
		l.mu.Unlock()
	}

	select {
	case ul.ch <- struct{}{}:
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}

	return func() {
		<-ul.ch
		forget()
	}, nil
}

// base carries what the executors share: context resolution, the per-user
// lock and script materialization.
type base struct {
	cfg      Config
	contexts Contexts
	locks    *userLocks
	logger   *log.Logger
}

// job is one materialized invocation. release must be called exactly once.
type job struct {
	isolation isolation.Context
	script    string // host path of the invocation script
	env       []string
	stdin     io.Reader
	timeout   time.Duration
	release   func()
}

// prepare resolves the user's context, takes the per-user lock and writes
// the invocation script. translate maps host paths into the nested
// environment.
func (b *base) prepare(ctx context.Context, inv Invocation, translate func(string) string) (*job, error) {
	ictx, ok := b.contexts.GetContext(inv.User)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, inv.User)
	}

	if inv.Elevate && b.cfg.ElevationCredential == "" {
		return nil, ErrCredentialMissing
	}

	unlock, err := b.locks.acquire(ctx, inv.User)
	if err != nil {
		return nil, fmt.Errorf("wait for user lock: %w", err)
	}

	env := contextEnv(ictx, translate)
	spec := scriptSpec{
		Env:     env,
		Dir:     b.cfg.CLIDir,
		Binary:  b.cfg.CLIBinary,
		Args:    inv.Args,
		Elevate: inv.Elevate,
	}

	path, err := writeScript(ictx.Root, spec.render())
	if err != nil {
		unlock()
		return nil, fmt.Errorf("materialize invocation script: %w", err)
	}

	j := &job{
		isolation: ictx,
		script:    path,
		env:       env,
		timeout:   b.cfg.Timeout,
	}
	if inv.Timeout > 0 {
		j.timeout = inv.Timeout
	}
	if inv.Elevate {
		j.stdin = strings.NewReader(b.cfg.ElevationCredential + "\n")
	}

	var once sync.Once
	j.release = func() {
		once.Do(func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				b.logger.Printf("warning: failed to remove invocation script %s: %v", path, err)
			}
			unlock()
		})
	}

	return j, nil
}
