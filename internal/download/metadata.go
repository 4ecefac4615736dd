package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/platform"
)

const (
	metadataTimeout   = 15 * time.Second
	metadataWaitDelay = 250 * time.Millisecond

	fieldThumbnail = "--get-thumbnail"
	fieldTitle     = "--get-title"
	fieldDuration  = "--get-duration"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// MetadataError is a field-aware failure with command context.
type MetadataError struct {
	Field      string     `json:"field"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats metadata failures for logs and UI.
func (e *MetadataError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Field,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *MetadataError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec, killing the whole tree on ctx end.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	platform.ConfigureCommand(cmd)
	cmd.Cancel = func() error { return platform.KillTree(cmd.Process) }
	cmd.WaitDelay = metadataWaitDelay

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// FetchMetadata asks the fetcher for thumbnail, title and duration, one
// invocation per field. The thumbnail is required; title and duration fall
// back to localized placeholders.
func (o *Orchestrator) FetchMetadata(ctx context.Context, url string) (domain.Metadata, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return domain.Metadata{}, fmt.Errorf("%w: %w", ErrInvalidRequest, domain.ErrEmptySourceURL)
	}

	fetcher := o.resolve(ctx, domain.ToolMediaFetcher)

	thumbnail, err := o.fetchField(ctx, fetcher.Path, fieldThumbnail, url)
	if err != nil {
		return domain.Metadata{}, err
	}

	meta := domain.Metadata{ThumbnailURL: thumbnail}
	if meta.Title, err = o.fetchField(ctx, fetcher.Path, fieldTitle, url); err != nil {
		o.logger.Debug("title unavailable", zap.Error(err))
		meta.Title = o.messages.Text(MsgUnknownTitle)
	}
	if meta.Duration, err = o.fetchField(ctx, fetcher.Path, fieldDuration, url); err != nil {
		o.logger.Debug("duration unavailable", zap.Error(err))
		meta.Duration = o.messages.Text(MsgUnknownDuration)
	}
	return meta, nil
}

func (o *Orchestrator) fetchField(ctx context.Context, fetcherPath, field, url string) (string, error) {
	fieldCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	args := buildMetadataArgs(field, url)
	res, runErr := o.runner.Run(fieldCtx, fetcherPath, args...)
	log := CommandLog{
		Command:  fetcherPath,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if runErr != nil {
		return "", &MetadataError{
			Field:      field,
			Message:    "fetcher metadata query failed",
			CommandLog: log,
			Err:        runErr,
		}
	}

	value := firstNonEmptyLine(res.Stdout)
	if value == "" {
		return "", &MetadataError{
			Field:      field,
			Message:    "fetcher printed no value",
			CommandLog: log,
		}
	}
	return value, nil
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
