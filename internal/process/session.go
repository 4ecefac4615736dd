// Package process runs one external tool invocation at a time, streaming its
// stdout and stderr line by line and supporting race-free cancellation.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"media-downloader/internal/domain"
	"media-downloader/internal/platform"
)

// ErrAlreadyStarted is returned when Start is called on a used session.
var ErrAlreadyStarted = errors.New("session already started")

const maxLineBytes = 1024 * 1024

// LineFunc receives one complete output line without its terminator.
type LineFunc func(line string)

// LaunchError reports that the OS could not start the subprocess.
type LaunchError struct {
	Command string
	Err     error
}

// Error formats the command and the OS failure.
func (e *LaunchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

// Unwrap exposes the OS error for errors.Is / errors.As.
func (e *LaunchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StreamError reports a read failure on one output stream.
type StreamError struct {
	Stream string
	Err    error
}

// Error formats the stream name and read failure.
func (e *StreamError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Stream, e.Err)
}

// Unwrap exposes the read error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// Result is the terminal outcome of a session.
type Result struct {
	Status   domain.SessionStatus
	ExitCode int
	// Err is a *LaunchError, the exec wait error, or nil on clean exit.
	Err error
}

// Session owns at most one subprocess from start to terminal state.
type Session struct {
	logger *zap.Logger

	mu        sync.Mutex
	status    domain.SessionStatus
	cancelled bool
	cmd       *exec.Cmd
	result    Result
	done      chan struct{}
}

// NewSession returns an idle session.
func NewSession(logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		logger: logger,
		status: domain.SessionIdle,
		done:   make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start launches name with args and begins draining both output streams.
// Cancelling ctx is equivalent to calling Cancel.
func (s *Session) Start(ctx context.Context, name string, args []string, onStdout, onStderr LineFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionIdle {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(name, args...)
	platform.ConfigureCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failLaunchLocked(name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failLaunchLocked(name, err)
	}

	if err := cmd.Start(); err != nil {
		return s.failLaunchLocked(name, err)
	}

	s.cmd = cmd
	s.status = domain.SessionRunning
	s.logger.Debug("process started", zap.String("command", name), zap.Int("pid", cmd.Process.Pid))

	go s.watchContext(ctx)
	go s.reap(cmd, stdout, stderr, onStdout, onStderr)
	return nil
}

// Cancel force-kills a running subprocess tree. It reports false when the
// session is idle or already terminal, in which case nothing changes.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.status != domain.SessionRunning || s.cancelled {
		s.mu.Unlock()
		return false
	}
	s.cancelled = true
	proc := s.cmd.Process
	s.mu.Unlock()

	// A group that exited in the meantime yields ESRCH, which KillTree ignores.
	if err := platform.KillTree(proc); err != nil {
		s.logger.Warn("kill process tree", zap.Int("pid", proc.Pid), zap.Error(err))
	}
	return true
}

// Wait blocks until the session is terminal and returns its result.
// Waiting on an idle session returns immediately with the idle status.
func (s *Session) Wait() Result {
	s.mu.Lock()
	if s.status == domain.SessionIdle {
		s.mu.Unlock()
		return Result{Status: domain.SessionIdle}
	}
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) failLaunchLocked(name string, err error) error {
	launchErr := &LaunchError{Command: name, Err: err}
	s.status = domain.SessionFailed
	s.result = Result{Status: domain.SessionFailed, ExitCode: -1, Err: launchErr}
	close(s.done)
	return launchErr
}

func (s *Session) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Cancel()
	case <-s.done:
	}
}

// reap is the single owner of cmd: it drains both streams, waits for exit,
// settles the terminal status and releases the handle exactly once.
func (s *Session) reap(cmd *exec.Cmd, stdout, stderr io.Reader, onStdout, onStderr LineFunc) {
	var g errgroup.Group
	g.Go(func() error { return s.drain("stdout", stdout, onStdout) })
	g.Go(func() error { return s.drain("stderr", stderr, onStderr) })
	_ = g.Wait()

	waitErr := cmd.Wait()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	status := domain.SessionCompleted
	switch {
	case s.cancelled:
		status = domain.SessionCancelled
	case waitErr != nil || exitCode != 0:
		status = domain.SessionFailed
	}
	s.status = status
	s.result = Result{Status: status, ExitCode: exitCode, Err: waitErr}
	s.cmd = nil
	close(s.done)
	s.mu.Unlock()

	s.logger.Debug("process finished",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("exit_code", exitCode),
		zap.String("status", string(status)),
	)
}

// drain forwards complete lines to fn. Lines longer than maxLineBytes are
// forwarded truncated and the stream continues. Read errors are logged and
// end the stream but never fail the session.
func (s *Session) drain(stream string, r io.Reader, fn LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(boundedLines(maxLineBytes, func() {
		s.logger.Warn("output line truncated",
			zap.String("stream", stream),
			zap.Int("limit", maxLineBytes),
		)
	}))

	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}

	if err := scanner.Err(); err != nil {
		streamErr := &StreamError{Stream: stream, Err: err}
		s.logger.Warn("output stream error", zap.Error(streamErr))
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
		return streamErr
	}
	return nil
}

// scanLines splits on \n, \r\n or a bare \r so carriage-return progress
// updates arrive as separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// \r: swallow a following \n, but wait for more data if unsure.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// boundedLines wraps scanLines so a line reaching limit bytes is emitted
// truncated and the rest of it, up to its terminator, is skipped.
func boundedLines(limit int, onTruncate func()) bufio.SplitFunc {
	discarding := false
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if discarding {
			i := bytes.IndexAny(data, "\r\n")
			switch {
			case i < 0:
				return len(data), nil, nil
			case data[i] == '\r' && i+1 == len(data) && !atEOF:
				return i, nil, nil
			}
			discarding = false
			if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, nil, nil
			}
			return i + 1, nil, nil
		}

		advance, token, err := scanLines(data, atEOF)
		if advance == 0 && token == nil && err == nil && len(data) >= limit {
			discarding = true
			if onTruncate != nil {
				onTruncate()
			}
			return len(data), data[:limit], nil
		}
		return advance, token, err
	}
}

// FormatCommand renders argv for logs; it is never passed to a shell.
func FormatCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t\"") {
			arg = fmt.Sprintf("%q", arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
