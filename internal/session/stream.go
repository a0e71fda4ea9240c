package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/sandbox"
)

const readBufferSize = 32 * 1024

// exitWaitTimeout bounds how long the end-of-session banner waits for the
// shell's exit status once its output has ended.
const exitWaitTimeout = 2 * time.Second

// pumpOutput forwards sandbox output to the client as it arrives. When
// the output stream ends it sends the end-of-session banner and closes
// the session.
func (s *Session) pumpOutput() {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()

	var chunker utf8Chunker
	buf := make([]byte, readBufferSize)
	for {
		n, err := pty.Read(buf)
		if n > 0 {
			if text := chunker.Write(buf[:n]); len(text) > 0 {
				s.sendText(text)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.State() < StateClosing {
				s.logger.Debug("sandbox output stream error", zap.Error(err))
			}
			break
		}
	}
	if rest := chunker.Flush(); len(rest) > 0 {
		s.sendText(rest)
	}

	s.mu.Lock()
	s.outputEnded = true
	closing := s.state >= StateClosing
	s.mu.Unlock()

	if closing {
		return
	}
	banner := "Terminal session ended."
	if code, ok := s.shellExitCode(pty); ok {
		s.logger.Info("sandbox output ended", zap.Int("exit_code", code))
		s.manager.journalExitCode(s, code)
		banner = fmt.Sprintf("Terminal session ended. Shell exited with code %d.", code)
	} else {
		s.logger.Info("sandbox output ended")
	}
	s.sendBanner(banner)
	s.Close("sandbox output ended")
}

// shellExitCode waits briefly for the sandbox's main process to exit.
// It gives up if the session starts closing meanwhile.
func (s *Session) shellExitCode(pty sandbox.PTY) (int, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, exitWaitTimeout)
	defer cancel()

	code, err := pty.Wait(ctx)
	if err != nil {
		s.logger.Debug("shell exit status unavailable", zap.Error(err))
		return 0, false
	}
	return code, true
}

// utf8Chunker turns a byte stream into valid UTF-8 chunks. A multi-byte
// sequence split across reads is held back until it completes; invalid
// bytes become U+FFFD.
type utf8Chunker struct {
	pending []byte
}

// Write returns the complete text available after p.
func (c *utf8Chunker) Write(p []byte) []byte {
	data := p
	if len(c.pending) > 0 {
		data = append(c.pending, p...)
		c.pending = nil
	}

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		c.pending = append([]byte(nil), data[cut:]...)
	}
	return []byte(strings.ToValidUTF8(string(data[:cut]), "\uFFFD"))
}

// Flush returns any held-back bytes, replaced since they never completed.
func (c *utf8Chunker) Flush() []byte {
	if len(c.pending) == 0 {
		return nil
	}
	out := []byte(strings.ToValidUTF8(string(c.pending), "\uFFFD"))
	c.pending = nil
	return out
}
