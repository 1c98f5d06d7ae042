// Package dispatch turns console requests into managed CLI invocations and
// shapes their results for the web layer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"mooconsole/internal/auth"
	"mooconsole/internal/executor"
	"mooconsole/internal/policy"
)

// DefaultMaxConcurrent bounds how many invocations run at once.
const DefaultMaxConcurrent = 8

// Operation names a dispatched request kind.
type Operation string

const (
	OpLogin   Operation = "login"
	OpLogout  Operation = "logout"
	OpExecute Operation = "execute"
)

// Evaluator decides whether a pass-through argument vector may run.
type Evaluator interface {
	Evaluate(args []string) policy.Decision
}

// Event describes one completed dispatch. Args are already redacted.
type Event struct {
	Operation  Operation
	User       string
	Args       []string
	Elevate    bool
	Decision   policy.Action
	Rule       string
	ReceivedAt time.Time
	Response   Response
}

// Observer receives an Event for every dispatched request.
type Observer interface {
	Observe(Event)
}

// Config configures a Dispatcher.
type Config struct {
	Executor      executor.Executor
	Policy        Evaluator // defaults to the built-in allow-list
	Flags         FlagTable // defaults to LongCredentialFlags
	MaxConcurrent int64
	Observer      Observer
	Now           func() time.Time
	Logger        *log.Logger
}

// Dispatcher is the single entry point the web layer uses to run the
// managed CLI.
type Dispatcher struct {
	exec     executor.Executor
	policy   Evaluator
	flags    FlagTable
	sem      *semaphore.Weighted
	observer Observer
	now      func() time.Time
	logger   *log.Logger

	inFlight atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Flags == (FlagTable{}) {
		cfg.Flags = LongCredentialFlags
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[dispatch] ", log.LstdFlags|log.Lmsgprefix)
	}

	return &Dispatcher{
		exec:     cfg.Executor,
		policy:   cfg.Policy,
		flags:    cfg.Flags,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		observer: cfg.Observer,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// InFlight returns the number of invocations holding a worker slot.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Login authenticates the managed CLI for the user.
func (d *Dispatcher) Login(ctx context.Context, id auth.Identity, opts LoginOptions, receivedAt time.Time) Response {
	return d.dispatch(ctx, request{
		op:         OpLogin,
		identity:   id,
		args:       d.flags.LoginArgs(opts),
		elevate:    opts.Elevate,
		receivedAt: receivedAt,
		success:    "MOO login successful",
		failure:    "MOO login failed",
	})
}

// Logout signs the managed CLI out for the user.
func (d *Dispatcher) Logout(ctx context.Context, id auth.Identity, elevate bool, receivedAt time.Time) Response {
	return d.dispatch(ctx, request{
		op:         OpLogout,
		identity:   id,
		args:       []string{"logout"},
		elevate:    elevate,
		receivedAt: receivedAt,
		success:    "MOO logout successful",
		failure:    "MOO logout failed",
	})
}

// Execute forwards a caller supplied argument vector, subject to the
// subcommand allow-list.
func (d *Dispatcher) Execute(ctx context.Context, id auth.Identity, args []string, elevate bool, receivedAt time.Time) Response {
	return d.dispatch(ctx, request{
		op:         OpExecute,
		identity:   id,
		args:       append([]string(nil), args...),
		elevate:    elevate,
		enforce:    true,
		receivedAt: receivedAt,
		success:    "Command executed successfully",
		failure:    "Command failed",
	})
}

type request struct {
	op         Operation
	identity   auth.Identity
	args       []string
	elevate    bool
	enforce    bool // apply the allow-list
	receivedAt time.Time
	success    string
	failure    string
}

func (d *Dispatcher) dispatch(ctx context.Context, req request) Response {
	if req.receivedAt.IsZero() {
		req.receivedAt = d.now()
	}

	decision := d.policy.Evaluate(req.args)
	event := Event{
		Operation:  req.op,
		User:       req.identity.Username,
		Args:       d.flags.Redact(req.args),
		Elevate:    req.elevate,
		Decision:   decision.Action,
		Rule:       decision.Rule,
		ReceivedAt: req.receivedAt,
	}

	resp := d.run(ctx, req, decision)
	event.Response = resp

	if resp.Success {
		d.logger.Printf("%s for %s: %v ok (%.0fms)", req.op, event.User, event.Args, resp.Timing.TotalTime)
	} else {
		d.logger.Printf("%s for %s: %v failed: kind=%s exit=%d", req.op, event.User, event.Args, resp.Kind, resp.ExitCode)
	}
	if d.observer != nil {
		d.observer.Observe(event)
	}

	return resp
}

func (d *Dispatcher) run(ctx context.Context, req request, decision policy.Decision) Response {
	if req.enforce {
		if len(req.args) == 0 {
			return d.fail(req, KindNotPermitted, "No command given", "", nil)
		}
		if !decision.Allowed() {
			msg := fmt.Sprintf("Subcommand %q is not permitted", req.args[0])
			return d.fail(req, KindNotPermitted, msg, decision.Reason, nil)
		}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.fail(req, KindInternal, "Request cancelled while waiting for a worker", err.Error(), nil)
	}
	d.inFlight.Add(1)
	defer func() {
		d.inFlight.Add(-1)
		d.sem.Release(1)
	}()

	result, err := d.exec.Execute(ctx, executor.Invocation{
		User:       req.identity.Username,
		Args:       req.args,
		Elevate:    req.elevate,
		Timeout:    decision.Timeout,
		ReceivedAt: req.receivedAt,
	})
	if err != nil {
		return d.failFromError(req, err, result)
	}

	resp := Response{
		Success:  result.ExitCode == 0,
		Message:  req.success,
		Output:   result.Output,
		Error:    result.Error,
		ExitCode: result.ExitCode,
		Timing:   newTiming(req.receivedAt, d.now(), result),
	}
	if !resp.Success {
		resp.Message = req.failure
		resp.Kind = KindExecution
	}
	return resp
}

// failFromError converts an executor error into a failure response.
func (d *Dispatcher) failFromError(req request, err error, result *executor.Result) Response {
	kind := Classify(err)

	var msg string
	switch kind {
	case KindSessionNotFound:
		msg = "Session expired, please log in again"
	case KindCredentialMissing:
		msg = "Elevation requested but no elevation credential is configured"
	case KindTimeout:
		msg = "Command timed out"
	default:
		msg = req.failure
		if errors.Is(err, context.Canceled) {
			msg = "Request cancelled"
		}
	}

	resp := d.fail(req, kind, msg, err.Error(), result)
	if kind == KindTimeout && result != nil {
		// Keep whatever was captured before the kill
		resp.Output = result.Output
		if stderr := strings.TrimSpace(result.Error); stderr != "" {
			resp.Error = stderr + "\n" + err.Error()
		}
	}
	return resp
}

func (d *Dispatcher) fail(req request, kind Kind, msg, detail string, result *executor.Result) Response {
	resp := Response{
		Success:  false,
		Message:  msg,
		Error:    detail,
		ExitCode: -1,
		Kind:     kind,
		Timing:   newTiming(req.receivedAt, d.now(), result),
	}
	return resp
}
