package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/metrics"
	"github.com/obot-platform/labterm/internal/sandbox"
)

// teardownGrace is added to the stop timeout to bound a whole teardown.
const teardownGrace = 30 * time.Second

// cleanup tears the session's sandbox down. Only the first call does any
// work; later and concurrent calls return once it has finished.
func (s *Session) cleanup(reason string) {
	s.cleanupOnce.Do(func() { s.teardown(reason) })
	<-s.done
}

// teardown stops and removes the sandbox even if the runtime's
// auto-remove already got there. Errors are logged, never sent to the
// client.
func (s *Session) teardown(reason string) {
	defer close(s.done)

	s.mu.Lock()
	failed := s.state == StateFailed
	if !s.state.Terminal() {
		s.state = StateClosing
	}
	counted := s.counted
	pty := s.pty
	s.mu.Unlock()

	s.cancel()

	log := s.logger.With(zap.String("reason", reason))
	if pty != nil {
		if err := pty.Close(); err != nil {
			log.Debug("failed to close terminal stream", zap.Error(err))
		}
	}

	stopTimeout := s.manager.opts.StopTimeout
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+teardownGrace)
	defer cancel()

	provider := s.manager.provider
	if err := provider.Stop(ctx, s.ID, stopTimeout); err != nil && !sandbox.IsGone(err) {
		log.Warn("failed to stop sandbox", zap.Error(err))
		metrics.CleanupErrorsTotal.Inc()
	}
	if err := provider.Remove(ctx, s.ID); err != nil && !sandbox.IsGone(err) {
		log.Warn("failed to remove sandbox", zap.Error(err))
		metrics.CleanupErrorsTotal.Inc()
	}

	final := StateFailed
	if !failed {
		final = StateTerminated
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		s.manager.journalState(s, StateTerminated, "")
	}

	if counted {
		metrics.SessionsActive.Dec()
	}
	metrics.SessionsTotal.WithLabelValues(final.String()).Inc()
	s.manager.unregister(s)

	log.Info("session cleaned up",
		zap.String("final_state", final.String()),
		zap.Duration("lifetime", time.Since(s.startedAt)))
}
