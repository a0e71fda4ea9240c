package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/sandbox"
)

// killedExitCode is what `timeout -s KILL` exits with when it kills the command.
const killedExitCode = 137

// timeoutGrace is how long past the command deadline Exec waits for the
// in-container timeout to fire before abandoning the stream.
const timeoutGrace = 5 * time.Second

// Exec runs cmd in the session container without a TTY. Stdout and stderr
// are demultiplexed into one buffer in arrival order.
//
// When opts.Timeout is set the command is wrapped in coreutils
// `timeout -s KILL`, which kills the whole process group inside the
// container; Docker has no API to kill an exec.
func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", sandbox.ErrExecFailed)
	}

	if opts.Timeout > 0 {
		cmd = append(killAfter(opts.Timeout), cmd...)

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout+timeoutGrace)
		defer cancel()
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		User:         opts.User,
		WorkingDir:   opts.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	for k, v := range opts.Env {
		execConfig.Env = append(execConfig.Env, fmt.Sprintf("%s=%s", k, v))
	}

	start := time.Now()
	name := p.containerName(sessionID)

	execResp, err := p.client.ContainerExecCreate(ctx, name, execConfig)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		if cerrdefs.IsConflict(err) {
			return nil, sandbox.ErrNotRunning
		}
		return nil, fmt.Errorf("%w: create exec: %v", sandbox.ErrExecFailed, err)
	}

	attachResp, err := p.client.ContainerExecAttach(ctx, execResp.ID, containerTypes.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: attach exec: %v", sandbox.ErrExecFailed, err)
	}
	defer attachResp.Close()

	// Closing the hijacked connection unblocks StdCopy if the deadline
	// passes without the in-container timeout firing.
	stop := context.AfterFunc(ctx, func() { attachResp.Close() })
	defer stop()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attachResp.Reader); err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return nil, sandbox.ErrTimeout
		}
		return nil, fmt.Errorf("%w: read exec output: %v", sandbox.ErrExecFailed, err)
	}
	if ctx.Err() != nil {
		return nil, sandbox.ErrTimeout
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect exec: %v", sandbox.ErrExecFailed, err)
	}

	elapsed := time.Since(start)
	if opts.Timeout > 0 && inspect.ExitCode == killedExitCode && elapsed >= opts.Timeout {
		p.logger.Debug("exec killed by timeout",
			zap.String("session_id", sessionID),
			zap.Duration("timeout", opts.Timeout),
			zap.Duration("elapsed", elapsed))
		return &sandbox.ExecResult{ExitCode: inspect.ExitCode, Output: output.Bytes()}, sandbox.ErrTimeout
	}

	return &sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Output:   output.Bytes(),
	}, nil
}

// killAfter returns the coreutils timeout prefix for d. The duration is
// passed with its fraction so the kill lands at d, not at whole seconds.
func killAfter(d time.Duration) []string {
	return []string{"timeout", "-s", "KILL", strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"}
}
