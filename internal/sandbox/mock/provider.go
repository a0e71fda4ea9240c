// Package mock provides a mock implementation of sandbox.Provider for testing.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/obot-platform/labterm/internal/sandbox"
)

// Provider is a mock sandbox provider for testing.
type Provider struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	ptys      map[string]*MockPTY
	removed   []string
	imageOK   bool
	builds    int

	// Configurable behaviors for testing
	CreateFunc func(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error)
	StartFunc  func(ctx context.Context, sessionID string) error
	StopFunc   func(ctx context.Context, sessionID string, timeout time.Duration) error
	RemoveFunc func(ctx context.Context, sessionID string) error
	ExecFunc   func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error)
	AttachFunc func(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error)
	BuildFunc  func(ctx context.Context, progress func(string)) error
}

// NewProvider creates a new mock provider with default behavior.
// The sandbox image is reported as present.
func NewProvider() *Provider {
	return &Provider{
		sandboxes: make(map[string]*sandbox.Sandbox),
		ptys:      make(map[string]*MockPTY),
		imageOK:   true,
	}
}

// SetImagePresent controls what ImageExists reports.
func (p *Provider) SetImagePresent(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imageOK = ok
}

// ImageExists reports whether the mock image is present.
func (p *Provider) ImageExists(ctx context.Context) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.imageOK, nil
}

// BuildImage simulates an image build and marks the image present on success.
func (p *Provider) BuildImage(ctx context.Context, progress func(string)) error {
	p.mu.Lock()
	p.builds++
	p.mu.Unlock()

	if p.BuildFunc != nil {
		if err := p.BuildFunc(ctx, progress); err != nil {
			return err
		}
	} else if progress != nil {
		progress("Step 1/1 : FROM mock")
	}

	p.SetImagePresent(true)
	return nil
}

// Builds returns how many times BuildImage was called.
func (p *Provider) Builds() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.builds
}

// Create creates a mock sandbox.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, sessionID, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[sessionID]; exists {
		return nil, sandbox.ErrAlreadyExists
	}

	var ports []sandbox.AssignedPort
	for _, pm := range opts.Ports {
		protocol := pm.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		hostPort := pm.HostPort
		if hostPort == 0 {
			hostPort = 32768 + pm.ContainerPort // Predictable for testing
		}
		ports = append(ports, sandbox.AssignedPort{
			ContainerPort: pm.ContainerPort,
			HostPort:      hostPort,
			HostIP:        "0.0.0.0",
			Protocol:      protocol,
		})
	}

	s := &sandbox.Sandbox{
		ID:        "mock-" + sessionID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     opts.Image,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"mock": "true", "user": opts.User, "workdir": opts.WorkDir},
		Ports:     ports,
	}
	p.sandboxes[sessionID] = s
	return s, nil
}

// Start starts a mock sandbox.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	if p.StartFunc != nil {
		return p.StartFunc(ctx, sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}

	if s.Status == sandbox.StatusRunning {
		return sandbox.ErrAlreadyRunning
	}

	s.Status = sandbox.StatusRunning
	now := time.Now()
	s.StartedAt = &now
	return nil
}

// Stop stops a mock sandbox.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	if p.StopFunc != nil {
		return p.StopFunc(ctx, sessionID, timeout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}

	if s.Status != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}

	s.Status = sandbox.StatusStopped
	now := time.Now()
	s.StoppedAt = &now
	if pty, ok := p.ptys[sessionID]; ok {
		pty.EndOutput()
	}
	return nil
}

// Remove removes a mock sandbox.
func (p *Provider) Remove(ctx context.Context, sessionID string) error {
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[sessionID]; !exists {
		return nil // Idempotent
	}

	delete(p.sandboxes, sessionID)
	p.removed = append(p.removed, sessionID)
	return nil
}

// Get returns a mock sandbox.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}

	// Return a copy
	cpy := *s
	return &cpy, nil
}

// Exec runs a mock command.
func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sessionID, cmd, opts)
	}

	p.mu.RLock()
	_, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}

	return &sandbox.ExecResult{
		ExitCode: 0,
		Output:   []byte("mock output\n"),
	}, nil
}

// Attach creates a mock PTY.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	if p.AttachFunc != nil {
		return p.AttachFunc(ctx, sessionID, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}

	if s.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}

	pty := NewMockPTY()
	if opts.Rows > 0 && opts.Cols > 0 {
		pty.resizeCalls = append(pty.resizeCalls, struct{ Rows, Cols int }{opts.Rows, opts.Cols})
	}
	p.ptys[sessionID] = pty
	return pty, nil
}

// List returns all sandboxes managed by this mock provider.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*sandbox.Sandbox, 0, len(p.sandboxes))
	for _, v := range p.sandboxes {
		cpy := *v
		result = append(result, &cpy)
	}
	return result, nil
}

// GetSandboxes returns all sandboxes (for test assertions).
func (p *Provider) GetSandboxes() map[string]*sandbox.Sandbox {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*sandbox.Sandbox)
	for k, v := range p.sandboxes {
		cpy := *v
		result[k] = &cpy
	}
	return result
}

// Removed returns the session IDs whose sandboxes were removed, in order.
func (p *Provider) Removed() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.removed...)
}

// PTY returns the mock PTY attached for a session, if any.
func (p *Provider) PTY(sessionID string) *MockPTY {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ptys[sessionID]
}

// MockPTY is a scripted PTY for testing. Output is delivered through Emit
// and ends with EndOutput; input written by the session is recorded.
type MockPTY struct {
	mu          sync.Mutex
	input       []byte
	resizeCalls []struct{ Rows, Cols int }
	closed      bool
	exitCode    int
	exitErr     error
	writeErr    error

	// OnInput, when set, is called with every write. Tests use it to
	// script shell responses.
	OnInput func(p *MockPTY, data []byte)

	outR    *io.PipeReader
	outW    *io.PipeWriter
	endOnce sync.Once
	ended   chan struct{}
}

// NewMockPTY creates a mock PTY with an open output stream.
func NewMockPTY() *MockPTY {
	r, w := io.Pipe()
	return &MockPTY{outR: r, outW: w, ended: make(chan struct{})}
}

// Emit delivers output bytes to the reader. It blocks until they are read.
func (p *MockPTY) Emit(data []byte) {
	_, _ = p.outW.Write(data)
}

// EndOutput ends the output stream; subsequent reads return io.EOF.
func (p *MockPTY) EndOutput() {
	p.endOnce.Do(func() {
		_ = p.outW.Close()
		close(p.ended)
	})
}

func (p *MockPTY) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *MockPTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.input = append(p.input, b...)
	onInput := p.OnInput
	p.mu.Unlock()

	if onInput != nil {
		data := append([]byte(nil), b...)
		go onInput(p, data)
	}
	return len(b), nil
}

func (p *MockPTY) Resize(ctx context.Context, rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resizeCalls = append(p.resizeCalls, struct{ Rows, Cols int }{rows, cols})
	return nil
}

func (p *MockPTY) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.EndOutput()
	return nil
}

// SetWriteErr makes every following Write fail with err.
func (p *MockPTY) SetWriteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetExit sets what Wait reports once the output stream has ended.
func (p *MockPTY) SetExit(code int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitCode = code
	p.exitErr = err
}

func (p *MockPTY) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.ended:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.exitErr != nil {
			return -1, p.exitErr
		}
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// SetOnInput replaces the input hook while the PTY is in use.
func (p *MockPTY) SetOnInput(fn func(p *MockPTY, data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OnInput = fn
}

// Input returns a copy of everything written to the PTY.
func (p *MockPTY) Input() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.input...)
}

// ResizeCalls returns the recorded resize calls.
func (p *MockPTY) ResizeCalls() []struct{ Rows, Cols int } {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]struct{ Rows, Cols int }(nil), p.resizeCalls...)
}

// Closed reports whether Close was called.
func (p *MockPTY) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
