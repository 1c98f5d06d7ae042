package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// timeoutKilled is the exit status of `timeout -s KILL` when it fired.
const timeoutKilled = 137

// dockerGrace is added to the in-container timeout before the host side
// gives up on the exec stream.
const dockerGrace = 5 * time.Second

// dockerAPI is the subset of the Docker client the executor uses.
type dockerAPI interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

var _ dockerAPI = (*client.Client)(nil)

// DockerConfig configures a DockerExecutor.
type DockerConfig struct {
	Config

	// Container is the name or ID of the long-running container hosting the
	// managed CLI. The scratch area must be bind-mounted into it at the same
	// path as on the host.
	Container string
	// User optionally overrides the container user ("uid:gid" or a name).
	User string
}

// DockerExecutor runs the managed CLI inside a container through the Docker
// Engine API. The invocation script is written into the isolation root on the
// host and executed from the shared mount inside the container.
type DockerExecutor struct {
	base
	client    dockerAPI
	container string
	user      string
}

// NewDockerExecutor creates a Docker-based executor.
func NewDockerExecutor(dockerClient *client.Client, contexts Contexts, cfg DockerConfig) (*DockerExecutor, error) {
	if dockerClient == nil {
		return nil, fmt.Errorf("docker client cannot be nil")
	}
	return newDockerExecutor(dockerClient, contexts, cfg)
}

func newDockerExecutor(api dockerAPI, contexts Contexts, cfg DockerConfig) (*DockerExecutor, error) {
	if contexts == nil {
		return nil, fmt.Errorf("contexts cannot be nil")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("container cannot be empty")
	}
	if cfg.CLIDir == "" {
		return nil, fmt.Errorf("managed CLI directory cannot be empty")
	}
	cfg.setDefaults("[docker-exec] ")

	return &DockerExecutor{
		base: base{
			cfg:      cfg.Config,
			contexts: contexts,
			locks:    newUserLocks(),
			logger:   cfg.Logger,
		},
		client:    api,
		container: cfg.Container,
		user:      cfg.User,
	}, nil
}

// Execute runs the invocation in the configured container.
func (de *DockerExecutor) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	result := &Result{ReceivedAt: inv.ReceivedAt}
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = de.cfg.Now()
	}

	j, err := de.prepare(ctx, inv, identity)
	if err != nil {
		return nil, err
	}
	defer j.release()

	secs := int(math.Ceil(j.timeout.Seconds()))
	execConfig := container.ExecOptions{
		Cmd:          []string{"timeout", "-s", "KILL", strconv.Itoa(secs), "/bin/sh", j.script},
		WorkingDir:   j.isolation.Root,
		Env:          j.env,
		User:         de.user,
		AttachStdin:  j.stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}

	de.logger.Printf("exec for %s in container %s: %s %v (elevate=%t, timeout=%s)",
		inv.User, truncateID(de.container), de.cfg.CLIBinary, inv.Args, inv.Elevate, j.timeout)

	execCtx, cancel := context.WithTimeout(ctx, j.timeout+dockerGrace)
	defer cancel()

	created, err := de.client.ContainerExecCreate(execCtx, de.container, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := de.client.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer resp.Close()

	result.StartedAt = de.cfg.Now()

	if j.stdin != nil {
		if _, err := io.Copy(resp.Conn, j.stdin); err != nil {
			return nil, fmt.Errorf("write exec stdin: %w", err)
		}
		if err := resp.CloseWrite(); err != nil {
			de.logger.Printf("warning: close exec stdin: %v", err)
		}
	}

	var stdout, stderr bytes.Buffer
	streamDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		streamDone <- err
	}()

	select {
	case err := <-streamDone:
		if err != nil {
			de.logger.Printf("stream error: %v", err)
		}
	case <-execCtx.Done():
		resp.Close()
		<-streamDone
		result.EndedAt = de.cfg.Now()
		result.Output = stdout.String()
		result.Error = stderr.String()
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, fmt.Errorf("invocation cancelled: %w", ctx.Err())
		}
		return result, fmt.Errorf("%w after %s", ErrTimeout, j.timeout)
	}

	result.EndedAt = de.cfg.Now()
	result.Output = stdout.String()
	result.Error = stderr.String()

	inspect, err := de.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}
	result.ExitCode = inspect.ExitCode

	if result.ExitCode == timeoutKilled && result.CommandDuration() >= j.timeout {
		de.logger.Printf("TIMEOUT: %s %v for %s exceeded %s", de.cfg.CLIBinary, inv.Args, inv.User, j.timeout)
		return result, fmt.Errorf("%w after %s", ErrTimeout, j.timeout)
	}

	reclassifyStdout(result)
	return result, nil
}

// truncateID returns the first 12 characters of a container ID.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
