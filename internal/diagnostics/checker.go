package diagnostics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"media-downloader/internal/domain"
)

// Diagnostic item identifiers, also used to select an install fix.
const (
	ItemFetcher    = "tool_" + string(domain.ToolMediaFetcher)
	ItemTranscoder = "tool_" + string(domain.ToolMediaTranscoder)
	ItemOutputDir  = "output_dir"
)

// ToolResolver locates external executables.
type ToolResolver interface {
	Resolve(ctx context.Context, kind domain.ToolKind) (domain.ResolvedTool, error)
}

// Checker validates external tools and the download directory.
type Checker struct {
	resolver   ToolResolver
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker(resolver ToolResolver) *Checker {
	return &Checker{
		resolver:   resolver,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(ctx context.Context, settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkTool(ctx, ItemFetcher, "yt-dlp", domain.ToolMediaFetcher,
			"Install yt-dlp (pip install -U yt-dlp or your package manager), or use the fix action."),
		c.checkTool(ctx, ItemTranscoder, "ffmpeg", domain.ToolMediaTranscoder,
			"Install ffmpeg so video and audio streams can be merged and converted."),
		c.checkOutputDir(settings.OutputDir),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool runs resolution and reports the strategy that found the tool.
func (c *Checker) checkTool(ctx context.Context, id, name string, kind domain.ToolKind, hint string) domain.DiagnosticItem {
	tool, err := c.resolver.Resolve(ctx, kind)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("Tool not found: %s", name),
			Hint:    hint,
			Path:    tool.Path,
		}
	}

	return domain.DiagnosticItem{
		ID:      id,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Found at %s (%s)", tool.Path, tool.Strategy),
		Path:    tool.Path,
	}
}

// checkOutputDir validates output directory existence and write access.
func (c *Checker) checkOutputDir(outputDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemOutputDir,
		Name: "Output directory",
		Path: outputDir,
	}

	if strings.TrimSpace(outputDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Output directory is empty."
		item.Hint = "Set an output directory where downloads can be written."
		return item
	}

	if err := c.mkdirAll(outputDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create output directory: %s", outputDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(outputDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Output directory is not writable: %s", outputDir)
		item.Hint = "Choose a writable directory for downloads."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", outputDir)
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	resolver ToolResolver,
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		resolver:   resolver,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}
