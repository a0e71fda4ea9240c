// Package session runs learner terminal sessions, each backed by its own
// disposable sandbox.
//
// A Manager provisions a sandbox per client connection, pumps terminal
// bytes between the two, routes inbound control envelopes (resize,
// validation, control) and tears the sandbox down exactly once when the
// session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/config"
	"github.com/obot-platform/labterm/internal/metrics"
	"github.com/obot-platform/labterm/internal/model"
	"github.com/obot-platform/labterm/internal/protocol"
	"github.com/obot-platform/labterm/internal/sandbox"
)

// Default terminal size when the client has not reported one.
const (
	DefaultCols = 80
	DefaultRows = 25
)

// ImageGate guarantees the sandbox image exists.
type ImageGate interface {
	EnsureReady(ctx context.Context, progress func(string)) error
	Invalidate()
}

// Transport is the client side of one session. Implementations must be
// safe for concurrent use: sandbox output, validation results and banners
// are sent from different goroutines.
type Transport interface {
	// SendText sends terminal bytes. data is valid UTF-8.
	SendText(data []byte) error
	// SendJSON sends one structured envelope.
	SendJSON(v any) error
	// Close ends the connection with a normal closure. It is idempotent.
	Close(reason string) error
}

// Journal records sessions and validations for later inspection.
type Journal interface {
	CreateSession(ctx context.Context, session *model.Session) error
	UpdateSessionState(ctx context.Context, id, state, errMsg string, ended bool) error
	UpdateSessionContainer(ctx context.Context, id, containerID string) error
	UpdateSessionExitCode(ctx context.Context, id string, code int) error
	CreateValidation(ctx context.Context, v *model.Validation) error
}

// Options is the fixed sandbox and session configuration.
type Options struct {
	Image             string
	User              string
	WorkDir           string
	Shell             []string
	MemoryMB          int
	CPUs              float64
	Ports             []int
	StopTimeout       time.Duration
	ValidationTimeout time.Duration
	Framing           protocol.Framing
}

// OptionsFromConfig extracts session options from server configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image:             cfg.SandboxImage,
		User:              cfg.SandboxUser,
		WorkDir:           cfg.SandboxWorkDir,
		Shell:             cfg.SandboxShell,
		MemoryMB:          cfg.SandboxMemoryMB,
		CPUs:              cfg.SandboxCPUs,
		Ports:             cfg.SandboxPorts,
		StopTimeout:       cfg.SandboxStopTime,
		ValidationTimeout: cfg.ValidationTimeout,
		Framing:           protocol.Framing(cfg.Framing),
	}
}

// OpenOptions describes a new client connection.
type OpenOptions struct {
	Cols       int
	Rows       int
	RemoteAddr string
}

// Info is a point-in-time view of a live session.
type Info struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	ContainerID string    `json:"containerId,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	Validating  bool      `json:"validating"`
	StartedAt   time.Time `json:"startedAt"`
}

// Manager owns every live session.
type Manager struct {
	provider sandbox.Provider
	gate     ImageGate
	journal  Journal
	executor *Executor
	opts     Options
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. journal may be nil.
func NewManager(provider sandbox.Provider, gate ImageGate, journal Journal, opts Options, logger *zap.Logger) *Manager {
	if opts.Framing == "" {
		opts.Framing = protocol.FramingLegacy
	}
	if journal == nil {
		journal = nopJournal{}
	}
	logger = logger.Named("session")
	return &Manager{
		provider: provider,
		gate:     gate,
		journal:  journal,
		executor: NewExecutor(provider, journal, opts.User, opts.WorkDir, opts.ValidationTimeout, logger),
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open runs session setup for a new connection and returns the running
// session. On failure the client has been sent one error envelope, the
// transport is closed and any partially created sandbox has been torn
// down; the returned error is an *ImageBuildError or *ProvisionError.
func (m *Manager) Open(ctx context.Context, t Transport, req OpenOptions) (*Session, error) {
	start := time.Now()

	cols, rows := req.Cols, req.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = DefaultCols, DefaultRows
	}

	s := newSession(m, uuid.NewString(), t, req.RemoteAddr, cols, rows)
	m.register(s)

	s.logger.Info("session opened", zap.String("remote_addr", req.RemoteAddr))
	m.journalCreate(s)

	// Closing the session aborts whichever setup step is blocking.
	setupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.sendBanner("WebSocket connection established. Initializing terminal session...")

	// INIT -> IMAGE_READY
	if err := m.gate.EnsureReady(setupCtx, s.sendProgress); err != nil {
		return nil, s.fail(&ImageBuildError{Err: err})
	}
	s.transition(StateImageReady)

	// IMAGE_READY -> PROVISIONING -> ATTACHED
	s.transition(StateProvisioning)
	s.sendBanner("Creating sandbox container...")

	sb, err := m.provider.Create(setupCtx, s.ID, m.createOptions())
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidImage) {
			m.gate.Invalidate()
		}
		return nil, s.fail(&ProvisionError{Op: "create", Err: err})
	}
	s.setSandbox(sb)
	m.journalContainer(s, sb.ID)

	if err := m.provider.Start(setupCtx, s.ID); err != nil {
		return nil, s.fail(&ProvisionError{Op: "start", Err: err})
	}
	s.sendBanner(fmt.Sprintf("Sandbox container %s started.", sb.ShortID()))

	// The attach applies the initial terminal size.
	pty, err := m.provider.Attach(setupCtx, s.ID, sandbox.AttachOptions{Rows: rows, Cols: cols})
	if err != nil {
		return nil, s.fail(&ProvisionError{Op: "attach", Err: err})
	}
	s.setPTY(pty)
	s.transition(StateAttached)

	// ATTACHED -> RUNNING
	if !s.enterRunning() {
		s.logger.Info("session closed during setup")
		s.cleanup("closed during setup")
		t.Close("session closed")
		return nil, ErrSessionClosed
	}
	metrics.SessionSetupDuration.Observe(time.Since(start).Seconds())
	m.journalState(s, StateRunning, "")

	go s.pumpOutput()

	s.logger.Info("session running",
		zap.String("container_id", sb.ShortID()),
		zap.Duration("setup", time.Since(start)))
	return s, nil
}

func (m *Manager) createOptions() sandbox.CreateOptions {
	opts := sandbox.CreateOptions{
		Image:      m.opts.Image,
		Cmd:        m.opts.Shell,
		User:       m.opts.User,
		WorkDir:    m.opts.WorkDir,
		AutoRemove: true,
		Resources: sandbox.ResourceConfig{
			MemoryMB: m.opts.MemoryMB,
			CPUCores: m.opts.CPUs,
		},
	}
	for _, port := range m.opts.Ports {
		opts.Ports = append(opts.Ports, sandbox.PortMapping{ContainerPort: port})
	}
	return opts
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
	}
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every live session and waits for their teardown or for
// ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	if len(list) == 0 {
		return nil
	}
	m.logger.Info("closing live sessions", zap.Int("count", len(list)))

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.sendBanner("Server is shutting down.")
			s.Close("server shutting down")
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown incomplete: %w", ctx.Err())
	}
}

// Reconcile removes managed sandboxes that no live session owns, left
// behind by a previous process. It returns how many were removed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	sandboxes, err := m.provider.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	removed := 0
	for _, sb := range sandboxes {
		if _, live := m.Get(sb.SessionID); live {
			continue
		}
		log := m.logger.With(zap.String("session_id", sb.SessionID), zap.String("container_id", sb.ShortID()))
		if sb.Status == sandbox.StatusRunning {
			if err := m.provider.Stop(ctx, sb.SessionID, m.opts.StopTimeout); err != nil && !sandbox.IsGone(err) {
				log.Warn("failed to stop orphaned sandbox", zap.Error(err))
			}
		}
		if err := m.provider.Remove(ctx, sb.SessionID); err != nil {
			log.Warn("failed to remove orphaned sandbox", zap.Error(err))
			continue
		}
		log.Info("removed orphaned sandbox")
		removed++
	}
	return removed, nil
}

func (m *Manager) journalCreate(s *Session) {
	rec := &model.Session{
		ID:         s.ID,
		Image:      m.opts.Image,
		State:      StateInit.String(),
		RemoteAddr: s.remoteAddr,
		Cols:       s.cols,
		Rows:       s.rows,
		StartedAt:  s.startedAt,
	}
	if err := m.journal.CreateSession(context.Background(), rec); err != nil {
		s.logger.Warn("failed to journal session", zap.Error(err))
	}
}

func (m *Manager) journalContainer(s *Session, containerID string) {
	if err := m.journal.UpdateSessionContainer(context.Background(), s.ID, containerID); err != nil {
		s.logger.Warn("failed to journal container", zap.Error(err))
	}
}

func (m *Manager) journalExitCode(s *Session, code int) {
	if err := m.journal.UpdateSessionExitCode(context.Background(), s.ID, code); err != nil {
		s.logger.Warn("failed to journal shell exit code", zap.Error(err))
	}
}

func (m *Manager) journalState(s *Session, state State, errMsg string) {
	if err := m.journal.UpdateSessionState(context.Background(), s.ID, state.String(), errMsg, state.Terminal()); err != nil {
		s.logger.Warn("failed to journal session state", zap.String("state", state.String()), zap.Error(err))
	}
}

type nopJournal struct{}

func (nopJournal) CreateSession(context.Context, *model.Session) error {
	return nil
}

func (nopJournal) UpdateSessionState(context.Context, string, string, string, bool) error {
	return nil
}

func (nopJournal) UpdateSessionContainer(context.Context, string, string) error {
	return nil
}

func (nopJournal) UpdateSessionExitCode(context.Context, string, int) error {
	return nil
}

func (nopJournal) CreateValidation(context.Context, *model.Validation) error {
	return nil
}
