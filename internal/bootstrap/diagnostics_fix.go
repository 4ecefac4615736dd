package bootstrap

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"media-downloader/internal/config"
	"media-downloader/internal/diagnostics"
	"media-downloader/internal/domain"
	"media-downloader/internal/platform"
	"media-downloader/internal/process"
)

const (
	installCommandTimeout = 45 * time.Minute
	downloadToolTimeout   = 30 * time.Minute
	checksumTimeout       = time.Minute
	userAgent             = "media-downloader"
)

type installOption struct {
	manager  string
	commands [][]string
}

// InstallOrFixDiagnostic applies an OS-specific remediation for one failed
// diagnostic item, then drops cached tool locations and reruns checks.
func (a *App) InstallOrFixDiagnostic(ctx context.Context, itemID string) (domain.DiagnosticReport, error) {
	if a.Store == nil {
		return domain.DiagnosticReport{}, fmt.Errorf("settings store is not configured")
	}

	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic item id is required")
	}

	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}
	settings = normalizeSettings(settings)

	settingsChanged := false
	var fixErr error

	switch id {
	case diagnostics.ItemFetcher:
		fixErr = a.installFetcher(ctx)
	case diagnostics.ItemTranscoder:
		fixErr = a.installTranscoder(ctx)
	case diagnostics.ItemOutputDir:
		settings, settingsChanged, fixErr = installOrFixOutputDir(settings)
	default:
		return domain.DiagnosticReport{}, fmt.Errorf("unsupported diagnostic item id: %s", id)
	}

	if fixErr != nil {
		a.logger.Warn("diagnostic fix failed", zap.String("id", id), zap.Error(fixErr))
	}
	if a.Tools != nil {
		a.Tools.ClearCache()
	}

	if settingsChanged {
		if saveErr := a.Store.Save(settings); saveErr != nil {
			report := a.refreshDiagnosticsFromSettings(ctx, settings)
			return report, fmt.Errorf("save settings after fix: %w", saveErr)
		}
	}

	report := a.refreshDiagnosticsFromSettings(ctx, settings)
	if fixErr != nil {
		return report, fixErr
	}
	return report, nil
}

// installFetcher prefers the standalone release build and falls back to
// package managers.
func (a *App) installFetcher(ctx context.Context) error {
	var releaseErr error
	if release, ok := releaseForKind(domain.ToolMediaFetcher, goruntime.GOOS, goruntime.GOARCH); ok {
		if _, err := installToolRelease(ctx, release, a.appBinDir); err == nil {
			return a.verifyTool(ctx, domain.ToolMediaFetcher)
		} else {
			releaseErr = err
		}
	}

	if err := runFirstSuccessfulInstall(ctx, fetcherInstallOptions(goruntime.GOOS)); err != nil {
		if releaseErr != nil {
			return fmt.Errorf("install yt-dlp: release download: %v | %w", releaseErr, err)
		}
		return fmt.Errorf("install yt-dlp: %w", err)
	}
	return a.verifyTool(ctx, domain.ToolMediaFetcher)
}

// installTranscoder tries package managers first and the release zip last.
func (a *App) installTranscoder(ctx context.Context) error {
	installErr := runFirstSuccessfulInstall(ctx, ffmpegInstallOptions(goruntime.GOOS))
	if installErr == nil {
		if err := a.verifyTool(ctx, domain.ToolMediaTranscoder); err == nil {
			return nil
		} else {
			installErr = err
		}
	}

	if release, ok := releaseForKind(domain.ToolMediaTranscoder, goruntime.GOOS, goruntime.GOARCH); ok {
		if _, err := installToolRelease(ctx, release, a.appBinDir); err == nil {
			return a.verifyTool(ctx, domain.ToolMediaTranscoder)
		} else {
			installErr = fmt.Errorf("%v | release fallback: %w", installErr, err)
		}
	}

	return fmt.Errorf("install ffmpeg: %w", installErr)
}

// verifyTool re-resolves kind from scratch.
func (a *App) verifyTool(ctx context.Context, kind domain.ToolKind) error {
	if a.Tools == nil {
		return nil
	}
	a.Tools.ClearCache()
	tool, err := a.Tools.Resolve(ctx, kind)
	if err != nil {
		return fmt.Errorf("verify %s after install: %w", kind, err)
	}
	a.logger.Info("tool verified",
		zap.String("kind", string(kind)),
		zap.String("path", tool.Path),
		zap.String("strategy", string(tool.Strategy)),
	)
	return nil
}

func ensureLocalBinOnPATH(binDir string) error {
	if strings.TrimSpace(binDir) == "" {
		return nil
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}

	current := os.Getenv("PATH")
	entries := filepath.SplitList(current)
	for _, entry := range entries {
		if filepath.Clean(entry) == filepath.Clean(binDir) {
			return nil
		}
	}

	if current == "" {
		return os.Setenv("PATH", binDir)
	}
	return os.Setenv("PATH", binDir+string(os.PathListSeparator)+current)
}

func fetcherInstallOptions(goos string) []installOption {
	switch goos {
	case "windows":
		return []installOption{
			{
				manager: "winget",
				commands: [][]string{
					{"winget", "install", "--id", "yt-dlp.yt-dlp", "--exact", "--accept-source-agreements", "--accept-package-agreements"},
				},
			},
			{manager: "scoop", commands: [][]string{{"scoop", "install", "yt-dlp"}}},
			{manager: "choco", commands: [][]string{{"choco", "install", "yt-dlp", "-y"}}},
			{manager: "py", commands: [][]string{{"py", "-m", "pip", "install", "--user", "-U", "yt-dlp"}}},
		}
	case "darwin":
		return []installOption{
			{manager: "brew", commands: [][]string{{"brew", "install", "yt-dlp"}}},
			{manager: "python3", commands: [][]string{{"python3", "-m", "pip", "install", "--user", "-U", "yt-dlp"}}},
		}
	default:
		return []installOption{
			{manager: "pipx", commands: [][]string{{"pipx", "install", "yt-dlp"}}},
			{manager: "python3", commands: [][]string{{"python3", "-m", "pip", "install", "--user", "-U", "yt-dlp"}}},
			{
				manager: "apt-get",
				commands: [][]string{
					{"apt-get", "update"},
					{"apt-get", "install", "-y", "yt-dlp"},
				},
			},
			{manager: "dnf", commands: [][]string{{"dnf", "install", "-y", "yt-dlp"}}},
			{manager: "pacman", commands: [][]string{{"pacman", "-Sy", "--noconfirm", "yt-dlp"}}},
			{manager: "zypper", commands: [][]string{{"zypper", "install", "-y", "yt-dlp"}}},
			{manager: "brew", commands: [][]string{{"brew", "install", "yt-dlp"}}},
		}
	}
}

func ffmpegInstallOptions(goos string) []installOption {
	switch goos {
	case "windows":
		return []installOption{
			{
				manager: "winget",
				commands: [][]string{
					{"winget", "install", "--id", "Gyan.FFmpeg", "--exact", "--accept-source-agreements", "--accept-package-agreements"},
				},
			},
			{manager: "choco", commands: [][]string{{"choco", "install", "ffmpeg", "-y"}}},
			{manager: "scoop", commands: [][]string{{"scoop", "install", "ffmpeg"}}},
		}
	case "darwin":
		return []installOption{
			{manager: "brew", commands: [][]string{{"brew", "install", "ffmpeg"}}},
		}
	default:
		return []installOption{
			{
				manager: "apt-get",
				commands: [][]string{
					{"apt-get", "update"},
					{"apt-get", "install", "-y", "ffmpeg"},
				},
			},
			{manager: "dnf", commands: [][]string{{"dnf", "install", "-y", "ffmpeg"}}},
			{manager: "pacman", commands: [][]string{{"pacman", "-Sy", "--noconfirm", "ffmpeg"}}},
			{manager: "zypper", commands: [][]string{{"zypper", "install", "-y", "ffmpeg"}}},
			{manager: "brew", commands: [][]string{{"brew", "install", "ffmpeg"}}},
		}
	}
}

func runFirstSuccessfulInstall(ctx context.Context, options []installOption) error {
	if len(options) == 0 {
		return fmt.Errorf("no install commands configured for OS %s", goruntime.GOOS)
	}

	errorsByManager := make([]string, 0, len(options))
	atLeastOneManager := false

	for _, option := range options {
		if !commandAvailable(option.manager) {
			continue
		}
		atLeastOneManager = true
		if err := runInstallCommands(ctx, option.commands); err == nil {
			return nil
		} else {
			errorsByManager = append(errorsByManager, fmt.Sprintf("%s: %v", option.manager, err))
		}
	}

	if !atLeastOneManager {
		return fmt.Errorf("no supported package manager found for %s", goruntime.GOOS)
	}
	return errors.New(strings.Join(errorsByManager, " | "))
}

func runInstallCommands(ctx context.Context, commands [][]string) error {
	for _, command := range commands {
		if err := runCommandWithPossibleElevation(ctx, command); err != nil {
			return err
		}
	}
	return nil
}

func runCommandWithPossibleElevation(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty command")
	}

	candidates := [][]string{command}
	if goruntime.GOOS == "linux" && requiresElevation(command[0]) {
		if commandAvailable("pkexec") {
			candidates = append(candidates, append([]string{"pkexec"}, command...))
		}
		if commandAvailable("sudo") {
			candidates = append(candidates, append([]string{"sudo", "-n"}, command...))
		}
	}

	attemptErrors := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if err := runCommand(ctx, candidate[0], candidate[1:]...); err == nil {
			return nil
		} else {
			attemptErrors = append(attemptErrors, err.Error())
		}
	}

	return errors.New(strings.Join(attemptErrors, " | "))
}

func runCommand(parent context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(parent, installCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	platform.ConfigureCommand(cmd)
	cmd.Cancel = func() error { return platform.KillTree(cmd.Process) }
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s", process.FormatCommand(name, args), installCommandTimeout)
	}

	trimmed := strings.TrimSpace(string(output))
	if len(trimmed) > 500 {
		trimmed = trimmed[:500] + "..."
	}
	if trimmed == "" {
		return fmt.Errorf("%s failed: %w", process.FormatCommand(name, args), err)
	}
	return fmt.Errorf("%s failed: %w (%s)", process.FormatCommand(name, args), err, trimmed)
}

func requiresElevation(manager string) bool {
	switch manager {
	case "apt-get", "dnf", "pacman", "zypper":
		return true
	default:
		return false
	}
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func downloadURLToFile(parent context.Context, destinationPath string, sourceURL string, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return fmt.Errorf("prepare destination directory: %w", err)
	}

	tmpPath := destinationPath + ".download"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale temp file: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write destination file: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close destination file: %w", closeErr)
	}

	if err := os.Remove(destinationPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("remove old destination file: %w", err)
	}
	if err := os.Rename(tmpPath, destinationPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move downloaded file into place: %w", err)
	}

	return nil
}

// extractExecutableFromZip unpacks zipPath into extractDir and returns the
// path of the first entry whose base name is exeName.
func extractExecutableFromZip(zipPath, extractDir, exeName string) (string, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var executablePath string

	for _, file := range reader.File {
		if file == nil {
			continue
		}
		cleanName := filepath.Clean(file.Name)
		if cleanName == "." || cleanName == "" {
			continue
		}
		targetPath := filepath.Join(extractDir, cleanName)
		if !isWithinBaseDir(extractDir, targetPath) {
			return "", fmt.Errorf("zip contains invalid path: %s", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return "", err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return "", err
		}

		src, err := file.Open()
		if err != nil {
			return "", err
		}

		dst, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			_ = src.Close()
			return "", err
		}

		_, copyErr := io.Copy(dst, src)
		srcCloseErr := src.Close()
		dstCloseErr := dst.Close()
		if copyErr != nil {
			return "", copyErr
		}
		if srcCloseErr != nil {
			return "", srcCloseErr
		}
		if dstCloseErr != nil {
			return "", dstCloseErr
		}

		if executablePath == "" && strings.EqualFold(filepath.Base(targetPath), exeName) {
			executablePath = targetPath
		}
	}

	if executablePath == "" {
		return "", fmt.Errorf("extracted archive does not contain %s", exeName)
	}
	return executablePath, nil
}

func isWithinBaseDir(baseDir string, targetPath string) bool {
	baseClean := filepath.Clean(baseDir)
	targetClean := filepath.Clean(targetPath)
	relative, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	return relative == "." || (!strings.HasPrefix(relative, "..") && relative != "")
}

func installOrFixOutputDir(settings domain.Settings) (domain.Settings, bool, error) {
	outputDir := strings.TrimSpace(settings.OutputDir)
	changed := false
	if outputDir == "" {
		outputDir = config.DefaultSettings().OutputDir
		settings.OutputDir = outputDir
		changed = true
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return settings, changed, fmt.Errorf("create output directory %s: %w", outputDir, err)
	}

	return settings, changed, nil
}
