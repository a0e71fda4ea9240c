// Package sandbox provides an abstraction for the disposable execution
// environments that back learner terminal sessions.
// The production backend is Docker; tests use the in-memory mock provider.
package sandbox

import (
	"context"
	"time"
)

// Provider abstracts sandbox execution environments.
// Each terminal session gets one dedicated sandbox, keyed by session ID.
type Provider interface {
	// Create creates a new sandbox for the given session.
	// The sandbox is created but not started.
	Create(ctx context.Context, sessionID string, opts CreateOptions) (*Sandbox, error)

	// Start starts a previously created sandbox.
	Start(ctx context.Context, sessionID string) error

	// Attach connects to the combined stdin/stdout/stderr of the sandbox's
	// main process. The sandbox must be running.
	Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error)

	// Exec runs a non-interactive command in the sandbox without a TTY.
	// Stdout and stderr are returned interleaved in Output.
	Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (*ExecResult, error)

	// Stop stops a running sandbox gracefully.
	// The timeout specifies how long to wait before force-killing.
	Stop(ctx context.Context, sessionID string, timeout time.Duration) error

	// Remove removes a sandbox and its resources. Removing a sandbox that
	// no longer exists is not an error.
	Remove(ctx context.Context, sessionID string) error

	// Get returns the current state of a sandbox.
	Get(ctx context.Context, sessionID string) (*Sandbox, error)

	// List returns all sandboxes managed by labterm, in any state.
	List(ctx context.Context) ([]*Sandbox, error)
}

// Sandbox represents a running or stopped sandbox instance.
type Sandbox struct {
	ID        string            // Runtime-specific sandbox ID
	SessionID string            // Terminal session ID (1:1 mapping)
	Status    SandboxStatus     // created, running, stopped, failed
	Image     string            // Sandbox image used
	CreatedAt time.Time         // When the sandbox was created
	StartedAt *time.Time        // When the sandbox was started (nil if never started)
	StoppedAt *time.Time        // When the sandbox was stopped (nil if still running)
	Error     string            // Error message if status == failed
	Metadata  map[string]string // Runtime-specific metadata
	Ports     []AssignedPort    // Assigned port mappings after sandbox creation
}

// ShortID returns the first 12 characters of the runtime ID, the form
// shown to learners in session banners.
func (s *Sandbox) ShortID() string {
	if len(s.ID) > 12 {
		return s.ID[:12]
	}
	return s.ID
}

// AssignedPort represents a port mapping that was assigned after sandbox creation.
type AssignedPort struct {
	ContainerPort int    // Port inside the sandbox
	HostPort      int    // Actual port assigned on the host
	HostIP        string // Host IP address
	Protocol      string // "tcp" or "udp"
}

// SandboxStatus represents the current state of a sandbox.
type SandboxStatus string

const (
	StatusCreated SandboxStatus = "created" // Sandbox exists but not started
	StatusRunning SandboxStatus = "running" // Sandbox is running
	StatusStopped SandboxStatus = "stopped" // Sandbox has stopped
	StatusFailed  SandboxStatus = "failed"  // Sandbox failed to start or crashed
)

// CreateOptions configures sandbox creation.
type CreateOptions struct {
	Image   string            // Sandbox image
	Cmd     []string          // Interactive shell command (empty = image default)
	User    string            // Non-privileged identity the shell runs as
	WorkDir string            // Working directory inside sandbox
	Env     map[string]string // Environment variables
	Labels  map[string]string // Extra labels for identification

	// AutoRemove asks the runtime to delete the sandbox when its main
	// process exits. Callers must still tear down explicitly.
	AutoRemove bool

	// Resources defines resource limits passed through to the runtime.
	Resources ResourceConfig

	// Ports configures port mappings from the sandbox to the host.
	Ports []PortMapping
}

// PortMapping defines a port mapping from sandbox to host.
type PortMapping struct {
	ContainerPort int    // Port inside the sandbox
	HostPort      int    // Port on the host (0 = random available port)
	Protocol      string // "tcp" or "udp" (default: "tcp")
}

// ResourceConfig defines resource limits for the sandbox.
type ResourceConfig struct {
	MemoryMB int     // Memory limit in MB (0 = no limit)
	CPUCores float64 // CPU cores (0 = no limit)
}

// ExecOptions configures non-interactive command execution.
type ExecOptions struct {
	WorkDir string            // Working directory for command
	Env     map[string]string // Additional environment variables
	User    string            // User to run as (empty = default)

	// Timeout bounds the command's lifetime. On expiry the command's
	// process group is killed and Exec returns ErrTimeout. Zero means no
	// deadline beyond ctx.
	Timeout time.Duration
}

// ExecResult contains the result of a non-interactive command execution.
type ExecResult struct {
	ExitCode int    // Exit code of the command
	Output   []byte // Combined stdout and stderr
}

// AttachOptions configures attachment to the sandbox's main process.
type AttachOptions struct {
	Rows int // Initial terminal rows
	Cols int // Initial terminal columns
}

// PTY represents the attached interactive stream of a sandbox.
// It implements io.ReadWriteCloser for terminal I/O.
type PTY interface {
	// Read reads output from the sandbox.
	// Returns io.EOF once the sandbox's output stream has ended.
	Read(p []byte) (n int, err error)

	// Write sends input to the sandbox.
	Write(p []byte) (n int, err error)

	// Resize changes the terminal dimensions.
	Resize(ctx context.Context, rows, cols int) error

	// Close detaches from the sandbox.
	Close() error

	// Wait blocks until the sandbox's main process exits and returns the
	// exit code. The context can be used to cancel the wait.
	Wait(ctx context.Context) (int, error)
}
