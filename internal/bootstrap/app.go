package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-downloader/internal/config"
	"media-downloader/internal/diagnostics"
	"media-downloader/internal/domain"
	"media-downloader/internal/download"
	"media-downloader/internal/jobs"
	"media-downloader/internal/toolresolve"
)

// App wires configuration, jobs, the download orchestrator, and event fan-out.
type App struct {
	Settings    domain.Settings
	Store       config.Store
	Jobs        *jobs.Manager
	Downloader  downloadRunner
	Tools       toolCache
	Diagnostics domain.DiagnosticReport
	checker     *diagnostics.Checker
	logger      *zap.Logger
	appBinDir   string
	newJobID    func() string

	mu              sync.Mutex
	activeJobID     string
	cancel          context.CancelFunc
	cancelRequested bool
	events          *jobs.EventBus
}

// downloadRunner isolates the download orchestrator behind an interface.
type downloadRunner interface {
	Run(ctx context.Context, req domain.DownloadRequest, sink download.Sink) (download.Outcome, error)
	RequestCancel() bool
	FetchMetadata(ctx context.Context, url string) (domain.Metadata, error)
}

// toolCache is the part of tool resolution the app drives directly.
type toolCache interface {
	Resolve(ctx context.Context, kind domain.ToolKind) (domain.ResolvedTool, error)
	ClearCache()
}

// New builds the application with persisted settings and startup diagnostics.
func New(env *config.Env, logger *zap.Logger) (*App, error) {
	if env == nil {
		return nil, errors.New("environment config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := ensureLocalBinOnPATH(env.AppBinDir); err != nil {
		return nil, fmt.Errorf("prepare local tool path: %w", err)
	}

	store := config.NewJSONStore(env.SettingsPath)
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	resolver := toolresolve.New(toolresolve.Options{
		BundleDir:     env.ToolsDir,
		AppBinDir:     env.AppBinDir,
		ProbeTimeout:  env.ProbeTimeout,
		LookupTimeout: env.LookupTimeout,
		Logger:        logger,
	})
	orchestrator := download.NewOrchestrator(resolver,
		download.WithLogger(logger),
		download.WithMessages(download.MessagesFor(settings.Language)),
	)

	checker := diagnostics.NewChecker(resolver)
	report := checker.Run(context.Background(), settings)
	for _, item := range report.Items {
		logger.Info("startup check",
			zap.String("id", item.ID),
			zap.String("status", string(item.Status)),
			zap.String("path", item.Path),
		)
	}

	return &App{
		Settings:    settings,
		Store:       store,
		Jobs:        jobs.NewManager(),
		Downloader:  orchestrator,
		Tools:       resolver,
		Diagnostics: report,
		checker:     checker,
		logger:      logger.Named("app"),
		appBinDir:   env.AppBinDir,
		events:      jobs.NewEventBus(1000),
	}, nil
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Diagnostics
}

// GetSettings loads and returns the latest persisted settings.
func (a *App) GetSettings() (domain.Settings, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()

	return settings, nil
}

// SaveSettings normalizes and persists settings, then refreshes diagnostics.
func (a *App) SaveSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	normalized := normalizeSettings(settings)
	if err := a.Store.Save(normalized); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings: %w", err)
	}

	a.refreshDiagnosticsFromSettings(ctx, normalized)
	return normalized, nil
}

// OpenOutputFolder opens the given path (or configured output dir) in file manager.
func (a *App) OpenOutputFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		a.mu.Lock()
		target = a.Settings.OutputDir
		a.mu.Unlock()
	}
	if target == "" {
		return fmt.Errorf("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// RefreshDiagnostics drops cached tool locations, reloads settings, and
// reruns dependency checks.
func (a *App) RefreshDiagnostics(ctx context.Context) (domain.DiagnosticReport, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}

	if a.Tools != nil {
		a.Tools.ClearCache()
	}
	return a.refreshDiagnosticsFromSettings(ctx, settings), nil
}

// FetchMetadata returns thumbnail, title, and duration for url.
func (a *App) FetchMetadata(ctx context.Context, url string) (domain.Metadata, error) {
	return a.Downloader.FetchMetadata(ctx, url)
}

// StartDownload creates a job and runs it asynchronously. An empty format
// uses the persisted default.
func (a *App) StartDownload(sourceURL string, format domain.OutputFormat) (domain.Job, error) {
	jobID, req, err := a.prepareJob(sourceURL, format)
	if err != nil {
		return domain.Job{}, err
	}

	ctx := a.activateJob(context.Background(), jobID, req)
	go func() {
		_, _ = a.runDownloadJob(ctx, jobID, req, nil)
	}()
	return a.Jobs.Current(), nil
}

// RunDownload runs a job in the foreground and mirrors its output to
// sink, which may be nil. Cancelling ctx cancels the job.
func (a *App) RunDownload(ctx context.Context, sourceURL string, format domain.OutputFormat, sink download.Sink) (download.Outcome, error) {
	jobID, req, err := a.prepareJob(sourceURL, format)
	if err != nil {
		return download.Outcome{}, err
	}

	jobCtx := a.activateJob(ctx, jobID, req)
	return a.runDownloadJob(jobCtx, jobID, req, sink)
}

// prepareJob validates the request against current settings and claims
// the job slot.
func (a *App) prepareJob(sourceURL string, format domain.OutputFormat) (string, domain.DownloadRequest, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return "", domain.DownloadRequest{}, fmt.Errorf("load settings: %w", err)
	}
	if format == "" {
		format = settings.Format
	}

	template := filepath.Join(settings.OutputDir, domain.DefaultDestinationTemplate)
	req, err := domain.NewDownloadRequest(sourceURL, format, template)
	if err != nil {
		return "", domain.DownloadRequest{}, fmt.Errorf("%w: %w", download.ErrInvalidRequest, err)
	}

	jobID := uuid.NewString()
	if a.newJobID != nil {
		jobID = a.newJobID()
	}
	if err := a.Jobs.Start(jobID, req.SourceURL, req.Format); err != nil {
		return "", domain.DownloadRequest{}, err
	}

	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()
	return jobID, req, nil
}

// activateJob records the cancel handle for jobID and announces the start.
func (a *App) activateJob(parent context.Context, jobID string, req domain.DownloadRequest) context.Context {
	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	a.activeJobID = jobID
	a.cancel = cancel
	a.cancelRequested = false
	a.mu.Unlock()

	a.logger.Info("download job started",
		zap.String("job_id", jobID),
		zap.String("url", req.SourceURL),
		zap.String("format", string(req.Format)),
	)
	a.publishStatus(jobID, domain.SessionRunning, "Job started")
	return ctx
}

// CancelDownload requests cancellation of the running job. It reports
// false when nothing is running or a cancel was already requested.
func (a *App) CancelDownload() bool {
	a.mu.Lock()
	cancel := a.cancel
	activeJobID := a.activeJobID
	if cancel == nil || a.cancelRequested {
		a.mu.Unlock()
		return false
	}
	a.cancelRequested = true
	a.mu.Unlock()

	a.Downloader.RequestCancel()
	cancel()

	a.publishEvent(jobs.Event{
		JobID:   activeJobID,
		Type:    jobs.EventTypeLog,
		Message: "Cancellation requested",
	})
	return true
}

// DismissJob clears a finished job so the UI returns to idle. It fails
// with jobs.ErrJobAlreadyRunning while a download is in flight.
func (a *App) DismissJob() (domain.Job, error) {
	previous := a.Jobs.Current()
	if err := a.Jobs.Dismiss(); err != nil {
		return domain.Job{}, err
	}
	if previous.ID != "" {
		a.publishStatus(previous.ID, domain.SessionIdle, "Job dismissed")
	}
	return a.Jobs.Current(), nil
}

// CurrentJob returns current job metadata and status.
func (a *App) CurrentJob() domain.Job {
	return a.Jobs.Current()
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	return a.events.Since(sinceSeq)
}

// SubscribeEvents registers a live event listener.
func (a *App) SubscribeEvents(buffer int) (<-chan jobs.Event, func()) {
	return a.events.Subscribe(buffer)
}

// runDownloadJob executes the orchestrator and maps outcomes to job events.
// Output is also forwarded to mirror when it is non-nil.
func (a *App) runDownloadJob(ctx context.Context, jobID string, req domain.DownloadRequest, mirror download.Sink) (download.Outcome, error) {
	defer a.clearActiveJob(jobID)

	sink := download.SinkFuncs{
		LogLine: func(line string) {
			a.publishEvent(jobs.Event{
				JobID:   jobID,
				Type:    jobs.EventTypeLog,
				Message: line,
			})
			if mirror != nil {
				mirror.OnLogLine(line)
			}
		},
		Progress: func(percent float64) {
			_ = a.Jobs.UpdateProgress(percent)
			a.publishEvent(jobs.Event{
				JobID:   jobID,
				Type:    jobs.EventTypeProgress,
				Percent: percent,
			})
			if mirror != nil {
				mirror.OnProgress(percent)
			}
		},
	}

	outcome, err := a.Downloader.Run(ctx, req, sink)
	if err != nil {
		_ = a.Jobs.Finish(domain.SessionFailed, err.Error())
		a.publishStatus(jobID, domain.SessionFailed, "Job failed")
		a.publishEvent(jobs.Event{
			JobID:   jobID,
			Type:    jobs.EventTypeError,
			Status:  domain.SessionFailed,
			Message: err.Error(),
		})
		return download.Outcome{}, err
	}

	if finishErr := a.Jobs.Finish(outcome.Status, outcome.Detail); finishErr != nil {
		a.logger.Warn("finish job", zap.String("job_id", jobID), zap.Error(finishErr))
	}
	a.logger.Info("download job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(outcome.Status)),
		zap.Int("exit_code", outcome.ExitCode),
	)

	switch outcome.Status {
	case domain.SessionCompleted:
		a.publishStatus(jobID, domain.SessionCompleted, "Job completed")
		a.publishEvent(jobs.Event{
			JobID:    jobID,
			Type:     jobs.EventTypeResult,
			Status:   domain.SessionCompleted,
			Message:  "Download finished",
			ExitCode: outcome.ExitCode,
		})
	case domain.SessionCancelled:
		a.publishStatus(jobID, domain.SessionCancelled, "Job cancelled")
	default:
		a.publishStatus(jobID, domain.SessionFailed, "Job failed")
		a.publishEvent(jobs.Event{
			JobID:    jobID,
			Type:     jobs.EventTypeError,
			Status:   domain.SessionFailed,
			Message:  outcome.Detail,
			ExitCode: outcome.ExitCode,
			Detail:   outcome.Detail,
		})
	}
	return outcome, nil
}

// publishStatus sends a normalized status event.
func (a *App) publishStatus(jobID string, status domain.SessionStatus, message string) {
	a.publishEvent(jobs.Event{
		JobID:   jobID,
		Type:    jobs.EventTypeStatus,
		Status:  status,
		Message: message,
	})
}

// publishEvent stores event history and notifies live subscribers.
func (a *App) publishEvent(event jobs.Event) {
	a.events.Publish(event)
}

// clearActiveJob releases cancellation handles for finished job IDs.
func (a *App) clearActiveJob(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeJobID == jobID {
		if a.cancel != nil {
			a.cancel()
		}
		a.activeJobID = ""
		a.cancel = nil
		a.cancelRequested = false
	}
}

func (a *App) refreshDiagnosticsFromSettings(ctx context.Context, settings domain.Settings) domain.DiagnosticReport {
	var report domain.DiagnosticReport
	if a.checker != nil {
		report = a.checker.Run(ctx, settings)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Settings = settings
	if a.checker != nil {
		a.Diagnostics = report
	}
	return a.Diagnostics
}

// normalizeSettings trims user inputs and fills defaults for blank fields.
func normalizeSettings(settings domain.Settings) domain.Settings {
	settings.OutputDir = strings.TrimSpace(settings.OutputDir)
	settings.Language = strings.TrimSpace(settings.Language)
	return config.Normalize(settings)
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
