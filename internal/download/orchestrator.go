// Package download combines tool resolution, argument construction and a
// process session into one cancellable download run.
package download

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/process"
	"media-downloader/internal/progress"
)

var (
	// ErrRunInProgress is returned when Run is called while another run is active.
	ErrRunInProgress = errors.New("a download is already running")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid download request")
)

// StderrPrefix marks fetcher diagnostics in the merged log stream.
const StderrPrefix = "ERROR: "

// ToolResolver locates external executables.
type ToolResolver interface {
	Resolve(ctx context.Context, kind domain.ToolKind) (domain.ResolvedTool, error)
}

// Sink receives log lines and progress percentages during a run. Calls
// arrive from stream reader goroutines and must not block for long.
type Sink interface {
	OnLogLine(line string)
	OnProgress(percent float64)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	LogLine  func(line string)
	Progress func(percent float64)
}

// OnLogLine forwards to LogLine when set.
func (f SinkFuncs) OnLogLine(line string) {
	if f.LogLine != nil {
		f.LogLine(line)
	}
}

// OnProgress forwards to Progress when set.
func (f SinkFuncs) OnProgress(percent float64) {
	if f.Progress != nil {
		f.Progress(percent)
	}
}

// Outcome is the terminal result of one Run.
type Outcome struct {
	Status   domain.SessionStatus `json:"status"`
	ExitCode int                  `json:"exitCode"`
	Detail   string               `json:"detail,omitempty"`
	Err      error                `json:"-"`
}

// Orchestrator runs at most one download at a time.
type Orchestrator struct {
	resolver ToolResolver
	messages Messages
	logger   *zap.Logger
	runner   commandRunner

	mu              sync.Mutex
	active          *process.Session
	cancelRequested bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMessages replaces the default message catalog.
func WithMessages(messages Messages) Option {
	return func(o *Orchestrator) {
		if messages != nil {
			o.messages = messages
		}
	}
}

// NewOrchestrator builds an orchestrator backed by resolver.
func NewOrchestrator(resolver ToolResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		messages: DefaultMessages,
		logger:   zap.NewNop(),
		runner:   &execRunner{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("download")
	return o
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Run downloads req, streaming output to sink, and blocks until the
// fetcher is terminal. Tool failures are reported through Outcome; the
// error return is reserved for misuse.
func (o *Orchestrator) Run(ctx context.Context, req domain.DownloadRequest, sink Sink) (Outcome, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidRequest, domain.ErrEmptySourceURL)
	}
	if strings.TrimSpace(req.DestinationTemplate) == "" {
		req.DestinationTemplate = domain.DefaultDestinationTemplate
	}
	if sink == nil {
		sink = SinkFuncs{}
	}

	session := process.NewSession(o.logger)
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return Outcome{}, ErrRunInProgress
	}
	o.active = session
	o.cancelRequested = false
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active = nil
		o.cancelRequested = false
		o.mu.Unlock()
	}()

	fetcher := o.resolve(ctx, domain.ToolMediaFetcher)
	transcoder := o.resolve(ctx, domain.ToolMediaTranscoder)
	transcoderPath := ""
	if transcoder.Strategy != domain.StrategyDefault {
		transcoderPath = transcoder.Path
	}
	args := BuildArgs(req, transcoderPath)

	// lastStderr is written only by the stderr reader and read after Wait.
	var lastStderr string
	onStdout := func(line string) {
		sink.OnLogLine(line)
		if ev, ok := progress.Parse(line); ok {
			sink.OnProgress(ev.Percent)
		}
	}
	onStderr := func(line string) {
		sink.OnLogLine(StderrPrefix + line)
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lastStderr = trimmed
		}
	}

	sink.OnLogLine(o.messages.Text(MsgDownloadStarted))

	// Start happens under o.mu so a concurrent RequestCancel either lands
	// before launch or sees a running session.
	o.mu.Lock()
	if o.cancelRequested || ctx.Err() != nil {
		o.mu.Unlock()
		o.logger.Info("download cancelled before launch", zap.String("url", req.SourceURL))
		sink.OnLogLine(o.messages.Text(MsgDownloadCancelled))
		return Outcome{Status: domain.SessionCancelled, ExitCode: -1}, nil
	}
	startErr := session.Start(ctx, fetcher.Path, args, onStdout, onStderr)
	o.mu.Unlock()

	if startErr == nil {
		o.logger.Info("download started",
			zap.String("url", req.SourceURL),
			zap.String("format", string(req.Format)),
			zap.String("command", process.FormatCommand(fetcher.Path, args)),
		)
	}

	result := session.Wait()
	outcome := Outcome{Status: result.Status, ExitCode: result.ExitCode, Err: result.Err}

	switch result.Status {
	case domain.SessionCompleted:
		sink.OnLogLine(o.messages.Text(MsgDownloadCompleted))
	case domain.SessionCancelled:
		sink.OnLogLine(o.messages.Text(MsgDownloadCancelled))
	default:
		outcome.Status = domain.SessionFailed
		outcome.Detail = failureDetail(startErr, lastStderr, result)
		sink.OnLogLine(o.messages.Text(MsgDownloadFailed) + ": " + outcome.Detail)
	}

	o.logger.Info("download finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("exit_code", outcome.ExitCode),
	)
	return outcome, nil
}

// RequestCancel asks the active run to stop. It reports false when no run
// is active or a cancel was already delivered.
func (o *Orchestrator) RequestCancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil {
		return false
	}

	switch o.active.Status() {
	case domain.SessionIdle:
		if o.cancelRequested {
			return false
		}
		o.cancelRequested = true
		return true
	case domain.SessionRunning:
		o.cancelRequested = true
		return o.active.Cancel()
	default:
		return false
	}
}

func (o *Orchestrator) resolve(ctx context.Context, kind domain.ToolKind) domain.ResolvedTool {
	tool, err := o.resolver.Resolve(ctx, kind)
	if err != nil {
		o.logger.Warn("tool resolution fell back",
			zap.String("kind", string(kind)),
			zap.String("path", tool.Path),
			zap.Error(err),
		)
	}
	if tool.Path == "" {
		tool.Path = defaultToolName(kind)
		tool.Strategy = domain.StrategyDefault
	}
	return tool
}

func defaultToolName(kind domain.ToolKind) string {
	if kind == domain.ToolMediaTranscoder {
		return "ffmpeg"
	}
	return "yt-dlp"
}

func failureDetail(startErr error, lastStderr string, result process.Result) string {
	if startErr != nil {
		return startErr.Error()
	}
	if lastStderr != "" {
		return lastStderr
	}
	var launchErr *process.LaunchError
	if errors.As(result.Err, &launchErr) {
		return launchErr.Error()
	}
	return fmt.Sprintf("exit status %d", result.ExitCode)
}
