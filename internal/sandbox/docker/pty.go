package docker

import (
	"context"
	"fmt"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/sandbox"
)

// attachedPTY is the hijacked attach stream of a TTY container. With a TTY
// the daemon sends raw bytes, so no stdcopy demultiplexing is needed.
type attachedPTY struct {
	client interface {
		ContainerResize(ctx context.Context, containerID string, options containerTypes.ResizeOptions) error
		ContainerWait(ctx context.Context, containerID string, condition containerTypes.WaitCondition) (<-chan containerTypes.WaitResponse, <-chan error)
	}
	container string
	conn      types.HijackedResponse
	closeOnce sync.Once
}

// Attach attaches to the container's main process. Logs are replayed so
// output written between start and attach (the first prompt) is not lost.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	name := p.containerName(sessionID)
	resp, err := p.client.ContainerAttach(ctx, name, containerTypes.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrAttachFailed, err)
	}

	pty := &attachedPTY{client: p.client, container: name, conn: resp}
	if opts.Rows > 0 && opts.Cols > 0 {
		// The shell may not have set up its tty yet; a failed initial
		// resize leaves the daemon default size.
		if err := pty.Resize(ctx, opts.Rows, opts.Cols); err != nil {
			p.logger.Debug("initial resize failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	return pty, nil
}

func (t *attachedPTY) Read(p []byte) (int, error) {
	return t.conn.Reader.Read(p)
}

func (t *attachedPTY) Write(p []byte) (int, error) {
	return t.conn.Conn.Write(p)
}

func (t *attachedPTY) Resize(ctx context.Context, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	err := t.client.ContainerResize(ctx, t.container, containerTypes.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("failed to resize terminal: %w", err)
	}
	return nil
}

func (t *attachedPTY) Close() error {
	t.closeOnce.Do(func() {
		t.conn.Close()
	})
	return nil
}

func (t *attachedPTY) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := t.client.ContainerWait(ctx, t.container, containerTypes.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if cerrdefs.IsNotFound(err) {
			return -1, sandbox.ErrNotFound
		}
		return -1, err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
