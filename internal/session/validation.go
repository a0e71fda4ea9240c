package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/metrics"
	"github.com/obot-platform/labterm/internal/model"
	"github.com/obot-platform/labterm/internal/protocol"
	"github.com/obot-platform/labterm/internal/sandbox"
)

// Executor runs one-shot grading commands inside session sandboxes.
type Executor struct {
	provider sandbox.Provider
	journal  Journal
	user     string
	workDir  string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewExecutor creates an executor. Commands run as user in workDir and are
// killed after timeout; zero disables the deadline.
func NewExecutor(provider sandbox.Provider, journal Journal, user, workDir string, timeout time.Duration, logger *zap.Logger) *Executor {
	if journal == nil {
		journal = nopJournal{}
	}
	return &Executor{
		provider: provider,
		journal:  journal,
		user:     user,
		workDir:  workDir,
		timeout:  timeout,
		logger:   logger.Named("validation"),
	}
}

// Run executes command with bash in the sandbox of sessionID, without a
// TTY, and reports success as exit status zero. Every outcome, including
// a command that could not be run, is a ValidationResult.
func (e *Executor) Run(ctx context.Context, sessionID, command string) protocol.ValidationResult {
	start := time.Now()
	rec := &model.Validation{SessionID: sessionID, Command: command, ExitCode: -1}

	result, label := e.run(ctx, sessionID, command, rec)

	elapsed := time.Since(start)
	metrics.ValidationsTotal.WithLabelValues(label).Inc()
	metrics.ValidationDuration.Observe(elapsed.Seconds())

	rec.Success = result.Success
	rec.TimedOut = result.TimedOut
	rec.Output = result.Output
	rec.DurationMs = elapsed.Milliseconds()
	if err := e.journal.CreateValidation(context.Background(), rec); err != nil {
		e.logger.Warn("failed to journal validation", zap.String("session_id", sessionID), zap.Error(err))
	}

	e.logger.Info("validation finished",
		zap.String("session_id", sessionID),
		zap.String("command", command),
		zap.String("result", label),
		zap.Int("exit_code", rec.ExitCode),
		zap.Duration("elapsed", elapsed))
	return result
}

func (e *Executor) run(ctx context.Context, sessionID, command string, rec *model.Validation) (protocol.ValidationResult, string) {
	if strings.TrimSpace(command) == "" {
		rec.Error = "empty command"
		return protocol.NewValidationResult(command, false, "[Server] validation command is required"), "error"
	}

	res, err := e.provider.Exec(ctx, sessionID, []string{"bash", "-c", command}, sandbox.ExecOptions{
		User:    e.user,
		WorkDir: e.workDir,
		Timeout: e.timeout,
	})
	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrTimeout) && ctx.Err() == nil:
		var partial string
		if res != nil {
			partial = Sanitize(res.Output)
			rec.ExitCode = res.ExitCode
		}
		rec.Error = err.Error()
		msg := fmt.Sprintf("[Server] Validation timed out after %s.", e.timeout)
		if partial != "" {
			msg = partial + "\n" + msg
		}
		result := protocol.NewValidationResult(command, false, msg)
		result.TimedOut = true
		return result, "timeout"
	default:
		execErr := &ExecError{Command: command, Err: err}
		rec.Error = execErr.Error()
		e.logger.Warn("validation command failed to run", zap.String("session_id", sessionID), zap.Error(execErr))
		return protocol.NewValidationResult(command, false, "[Server] "+execErr.Error()), "error"
	}

	rec.ExitCode = res.ExitCode
	output := Sanitize(res.Output)
	if res.ExitCode == 0 {
		return protocol.NewValidationResult(command, true, output), "success"
	}
	return protocol.NewValidationResult(command, false, output), "failure"
}

// Sanitize prepares command output for display: escape sequences and
// control characters other than newline and tab are removed, then
// surrounding whitespace is trimmed.
func Sanitize(output []byte) string {
	text := strings.ToValidUTF8(string(output), "")
	text = ansi.Strip(text)
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
