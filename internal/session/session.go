package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/metrics"
	"github.com/obot-platform/labterm/internal/protocol"
	"github.com/obot-platform/labterm/internal/sandbox"
)

// resizeTimeout bounds one resize call to the runtime.
const resizeTimeout = 5 * time.Second

// Session is one client connection and the sandbox that backs it.
type Session struct {
	ID string

	manager    *Manager
	transport  Transport
	logger     *zap.Logger
	remoteAddr string
	startedAt  time.Time

	// ctx is canceled when the session starts closing. It bounds setup
	// steps, resizes and validations.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	cols, rows     int
	sandbox        *sandbox.Sandbox
	pty            sandbox.PTY
	setupDone      bool
	closeRequested bool
	counted        bool
	outputEnded    bool

	validating  atomic.Bool
	cleanupOnce sync.Once
	done        chan struct{}
}

func newSession(m *Manager, id string, t Transport, remoteAddr string, cols, rows int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		manager:    m,
		transport:  t,
		logger:     m.logger.With(zap.String("session_id", id)),
		remoteAddr: remoteAddr,
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateInit,
		cols:       cols,
		rows:       rows,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the last applied terminal size.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Done is closed once the session's sandbox has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.ID,
		State:      s.state,
		Cols:       s.cols,
		Rows:       s.rows,
		RemoteAddr: s.remoteAddr,
		Validating: s.validating.Load(),
		StartedAt:  s.startedAt,
	}
	if s.sandbox != nil {
		info.ContainerID = s.sandbox.ShortID()
	}
	return info
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	ok := canTransition(from, to)
	if ok {
		s.state = to
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("session state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return ok
}

func (s *Session) setSandbox(sb *sandbox.Sandbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandbox = sb
}

func (s *Session) setPTY(pty sandbox.PTY) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pty = pty
}

// enterRunning ends setup. It fails if the session was closed meanwhile.
func (s *Session) enterRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setupDone = true
	if s.closeRequested || !canTransition(s.state, StateRunning) {
		return false
	}
	s.state = StateRunning
	s.counted = true
	metrics.SessionsActive.Inc()
	return true
}

// fail ends setup with err: one error envelope, transport closed, then
// teardown of whatever was provisioned.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.setupDone = true
	s.mu.Unlock()

	if s.transition(StateFailed) {
		s.logger.Error("session setup failed", zap.Error(err))
		s.sendError(fmt.Sprintf("[Server] Failed to start terminal session: %v", err))
		s.manager.journalState(s, StateFailed, err.Error())
	}
	s.transport.Close("session setup failed")
	s.cleanup(err.Error())
	return err
}

// Close ends the session: the sandbox is torn down and the transport
// closed. It is safe to call from any goroutine, any number of times.
// During setup it only aborts setup, which then tears down.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if !s.setupDone {
		s.closeRequested = true
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.mu.Unlock()

	s.cleanup(reason)
	s.transport.Close(reason)
}

// HandleMessage routes one inbound client message. Messages must be
// passed in arrival order from a single goroutine.
func (s *Session) HandleMessage(data []byte) {
	msg := protocol.Decode(s.manager.opts.Framing, data)
	switch msg.Kind {
	case protocol.KindResize:
		s.Resize(msg.Resize.Cols, msg.Resize.Rows)
	case protocol.KindValidate:
		s.Validate(msg.Validate.Command)
	case protocol.KindContext:
		s.logger.Debug("control message", zap.String("payload", msg.Context.Payload))
	case protocol.KindInvalid:
		err := &TransportError{Op: "decode", Err: msg.Err}
		s.logger.Debug("rejected inbound message", zap.Error(err))
		s.sendError("[Server] Invalid control message: " + msg.Err.Error())
	default:
		s.writeInput(msg.Raw)
	}
}

// writeInput forwards raw keystrokes. Input after the sandbox output has
// ended is discarded.
func (s *Session) writeInput(data []byte) {
	s.mu.Lock()
	pty := s.pty
	accept := s.state == StateRunning && !s.outputEnded && pty != nil
	s.mu.Unlock()

	if !accept {
		s.logger.Debug("discarding input", zap.Int("bytes", len(data)))
		return
	}
	if _, err := pty.Write(data); err != nil {
		if s.ctx.Err() != nil {
			// Teardown closed the stream first.
			s.logger.Debug("discarding input, session closing", zap.Int("bytes", len(data)))
			return
		}
		s.logger.Warn("failed to write to sandbox", zap.Error(err))
		s.sendError("[Server] Error processing message: " + err.Error())
	}
}

// Resize applies a terminal size. Non-positive sizes are ignored and
// failures are only logged.
func (s *Session) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		s.logger.Debug("ignoring invalid resize", zap.Int("cols", cols), zap.Int("rows", rows))
		return
	}

	s.mu.Lock()
	pty := s.pty
	running := s.state == StateRunning
	s.mu.Unlock()
	if !running || pty == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, resizeTimeout)
	defer cancel()
	if err := pty.Resize(ctx, rows, cols); err != nil {
		s.logger.Debug("resize failed", zap.Int("cols", cols), zap.Int("rows", rows), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// Validate runs command in the background and sends its result. Only one
// validation may be in flight per session; interactive input continues
// while it runs.
func (s *Session) Validate(command string) {
	if s.State() != StateRunning {
		s.sendJSON(protocol.NewValidationResult(command, false, "[Server] Container not available for validation."))
		return
	}
	if !s.validating.CompareAndSwap(false, true) {
		s.sendError("[Server] " + ErrValidationInFlight.Error())
		return
	}

	go func() {
		defer s.validating.Store(false)

		result := s.manager.executor.Run(s.ctx, s.ID, command)
		if s.ctx.Err() != nil {
			s.logger.Debug("validation abandoned, session closed", zap.String("command", command))
			return
		}
		s.sendJSON(result)
	}()
}

func (s *Session) sendText(data []byte) {
	if err := s.transport.SendText(data); err != nil {
		s.logTransportError("send", err)
	}
}

func (s *Session) sendJSON(v any) {
	if err := s.transport.SendJSON(v); err != nil {
		s.logTransportError("send", err)
	}
}

func (s *Session) sendError(message string) {
	s.sendJSON(protocol.NewError(message))
}

func (s *Session) sendBanner(text string) {
	s.sendText([]byte(protocol.Banner(text)))
}

// sendProgress relays image gate output: build lines verbatim, gate
// messages as banners.
func (s *Session) sendProgress(line string) {
	if strings.HasPrefix(line, "[Build] ") {
		s.sendText([]byte(line + "\r\n"))
		return
	}
	s.sendBanner(line)
}

func (s *Session) logTransportError(op string, err error) {
	terr := &TransportError{Op: op, Err: err}
	if s.State() >= StateClosing || errors.Is(err, ErrSessionClosed) {
		return
	}
	s.logger.Debug("transport error", zap.Error(terr))
}
