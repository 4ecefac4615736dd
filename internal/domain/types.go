package domain

import (
	"errors"
	"strings"
	"time"
)

// ToolKind identifies which external capability is needed.
type ToolKind string

const (
	ToolMediaFetcher    ToolKind = "media_fetcher"
	ToolMediaTranscoder ToolKind = "media_transcoder"
)

// ResolveStrategy names the probe that located a tool.
type ResolveStrategy string

const (
	StrategyBundled   ResolveStrategy = "bundled"
	StrategyPath      ResolveStrategy = "path"
	StrategyWellKnown ResolveStrategy = "well_known"
	StrategyRuntime   ResolveStrategy = "runtime"
	StrategyDefault   ResolveStrategy = "default"
)

// ResolvedTool is an executable location produced by tool resolution.
type ResolvedTool struct {
	Kind       ToolKind        `json:"kind"`
	Path       string          `json:"path"`
	ResolvedAt time.Time       `json:"resolvedAt"`
	Strategy   ResolveStrategy `json:"strategy"`
}

// OutputFormat drives fetcher argument construction.
type OutputFormat string

const (
	FormatVideo     OutputFormat = "video"
	FormatAudioOnly OutputFormat = "audio"
)

// ParseOutputFormat maps user input to an output format.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "video", "mp4":
		return FormatVideo, nil
	case "audio", "mp3":
		return FormatAudioOnly, nil
	default:
		return "", errors.New("unsupported output format: " + raw)
	}
}

// DefaultDestinationTemplate keeps the fetcher's own title/ext placeholders.
const DefaultDestinationTemplate = "%(title)s.%(ext)s"

// ErrEmptySourceURL is returned for download requests without a URL.
var ErrEmptySourceURL = errors.New("source url is required")

// DownloadRequest is one download/convert invocation.
type DownloadRequest struct {
	SourceURL           string       `json:"sourceUrl"`
	Format              OutputFormat `json:"format"`
	DestinationTemplate string       `json:"destinationTemplate"`
}

// NewDownloadRequest validates input and fills the default template.
func NewDownloadRequest(sourceURL string, format OutputFormat, destinationTemplate string) (DownloadRequest, error) {
	url := strings.TrimSpace(sourceURL)
	if url == "" {
		return DownloadRequest{}, ErrEmptySourceURL
	}
	if format == "" {
		format = FormatVideo
	}
	if strings.TrimSpace(destinationTemplate) == "" {
		destinationTemplate = DefaultDestinationTemplate
	}

	return DownloadRequest{
		SourceURL:           url,
		Format:              format,
		DestinationTemplate: destinationTemplate,
	}, nil
}

// ProgressEvent is one percentage parsed from tool output.
type ProgressEvent struct {
	Percent float64 `json:"percent"`
}

// SessionStatus tracks one subprocess session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionFailed:
		return true
	default:
		return false
	}
}

// Metadata is the preview information printed by the fetcher.
type Metadata struct {
	ThumbnailURL string `json:"thumbnailUrl"`
	Title        string `json:"title"`
	Duration     string `json:"duration"`
}

// Settings contains user-selectable runtime configuration.
type Settings struct {
	OutputDir string       `json:"outputDir"`
	Format    OutputFormat `json:"format"`
	Language  string       `json:"language"`
}

// Job stores the current download identity and lifecycle status.
type Job struct {
	ID        string        `json:"id"`
	SourceURL string        `json:"sourceUrl,omitempty"`
	Format    OutputFormat  `json:"format,omitempty"`
	Status    SessionStatus `json:"status"`
	Percent   float64       `json:"percent"`
	Detail    string        `json:"detail,omitempty"`
}
