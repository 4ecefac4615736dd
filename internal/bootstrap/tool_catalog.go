package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"go.uber.org/zap"

	"media-downloader/internal/domain"
)

const (
	fetcherReleaseBase = "https://github.com/yt-dlp/yt-dlp/releases/latest/download/"
	ffmpegReleaseBase  = "https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/"

	fetcherChecksums = fetcherReleaseBase + "SHA2-256SUMS"
	ffmpegChecksums  = ffmpegReleaseBase + "checksums.sha256"

	maxChecksumFileBytes = 1 << 20
)

var toolReleaseCatalog = []domain.ToolRelease{
	{
		ID:          "yt-dlp-linux-amd64",
		Name:        "yt-dlp (Linux x64)",
		Kind:        domain.ToolMediaFetcher,
		OS:          "linux",
		Arch:        "amd64",
		URL:         fetcherReleaseBase + "yt-dlp_linux",
		ChecksumURL: fetcherChecksums,
		FileName:    "yt-dlp",
		Description: "Standalone build, no Python required.",
	},
	{
		ID:          "yt-dlp-linux-arm64",
		Name:        "yt-dlp (Linux ARM64)",
		Kind:        domain.ToolMediaFetcher,
		OS:          "linux",
		Arch:        "arm64",
		URL:         fetcherReleaseBase + "yt-dlp_linux_aarch64",
		ChecksumURL: fetcherChecksums,
		FileName:    "yt-dlp",
		Description: "Standalone build, no Python required.",
	},
	{
		ID:          "yt-dlp-macos",
		Name:        "yt-dlp (macOS)",
		Kind:        domain.ToolMediaFetcher,
		OS:          "darwin",
		URL:         fetcherReleaseBase + "yt-dlp_macos",
		ChecksumURL: fetcherChecksums,
		FileName:    "yt-dlp",
		Description: "Universal standalone build.",
	},
	{
		ID:          "yt-dlp-windows-amd64",
		Name:        "yt-dlp (Windows x64)",
		Kind:        domain.ToolMediaFetcher,
		OS:          "windows",
		Arch:        "amd64",
		URL:         fetcherReleaseBase + "yt-dlp.exe",
		ChecksumURL: fetcherChecksums,
		FileName:    "yt-dlp.exe",
		Description: "Standalone build, no Python required.",
	},
	{
		ID:          "yt-dlp-windows-386",
		Name:        "yt-dlp (Windows x86)",
		Kind:        domain.ToolMediaFetcher,
		OS:          "windows",
		Arch:        "386",
		URL:         fetcherReleaseBase + "yt-dlp_x86.exe",
		ChecksumURL: fetcherChecksums,
		FileName:    "yt-dlp.exe",
		Description: "Standalone 32-bit build.",
	},
	{
		ID:          "ffmpeg-windows-amd64",
		Name:        "FFmpeg (Windows x64, GPL)",
		Kind:        domain.ToolMediaTranscoder,
		OS:          "windows",
		Arch:        "amd64",
		URL:         ffmpegReleaseBase + "ffmpeg-master-latest-win64-gpl.zip",
		ChecksumURL: ffmpegChecksums,
		FileName:    "ffmpeg.exe",
		ArchiveExe:  "ffmpeg.exe",
		Description: "Static build extracted from the release zip.",
	},
}

// GetToolReleases returns downloadable tool builds for this platform,
// marking the ones already present in the app-local bin directory.
func (a *App) GetToolReleases() []domain.ToolRelease {
	releases := releasesFor(goruntime.GOOS, goruntime.GOARCH)
	markDownloadedReleases(releases, a.appBinDir)
	return releases
}

// DownloadToolRelease installs one catalog entry into the app-local bin
// directory, then clears the tool cache and reruns diagnostics.
func (a *App) DownloadToolRelease(ctx context.Context, releaseID string) (domain.DiagnosticReport, error) {
	id := strings.TrimSpace(releaseID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("release id is required")
	}

	release, found := getToolReleaseByID(id)
	if !found {
		return domain.DiagnosticReport{}, fmt.Errorf("unknown release id: %s", id)
	}
	if !releaseMatches(release, goruntime.GOOS, goruntime.GOARCH) {
		return domain.DiagnosticReport{}, fmt.Errorf("release %s does not match %s/%s", id, goruntime.GOOS, goruntime.GOARCH)
	}

	if _, err := installToolRelease(ctx, release, a.appBinDir); err != nil {
		return domain.DiagnosticReport{}, err
	}
	a.logger.Info("tool release installed", zap.String("id", release.ID), zap.String("path", a.appBinDir))

	return a.RefreshDiagnostics(ctx)
}

// installToolRelease downloads release, verifies it against the published
// SHA-256 sums when the release names them, and returns the installed
// executable path.
func installToolRelease(ctx context.Context, release domain.ToolRelease, binDir string) (string, error) {
	if strings.TrimSpace(binDir) == "" {
		return "", fmt.Errorf("app bin directory is not configured")
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", fmt.Errorf("create local bin directory: %w", err)
	}

	assetName := path.Base(release.URL)
	var wantSum string
	if release.ChecksumURL != "" {
		sum, err := fetchReleaseChecksum(ctx, release.ChecksumURL, assetName)
		if err != nil {
			return "", fmt.Errorf("checksum for %s: %w", release.Name, err)
		}
		wantSum = sum
	}

	workDir, err := os.MkdirTemp(binDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	assetPath := filepath.Join(workDir, assetName)
	if err := downloadURLToFile(ctx, assetPath, release.URL, downloadToolTimeout); err != nil {
		return "", fmt.Errorf("download %s: %w", release.Name, err)
	}
	if wantSum != "" {
		if err := verifyFileSHA256(assetPath, wantSum); err != nil {
			return "", fmt.Errorf("verify %s: %w", release.Name, err)
		}
	}

	executablePath := assetPath
	if release.ArchiveExe != "" {
		executablePath, err = extractExecutableFromZip(assetPath, workDir, release.ArchiveExe)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", release.Name, err)
		}
	}

	targetPath := filepath.Join(binDir, release.FileName)
	if err := copyExecutable(executablePath, targetPath); err != nil {
		return "", err
	}
	return targetPath, nil
}

// fetchReleaseChecksum reads a sha256sum-style file and returns the digest
// listed for assetName.
func fetchReleaseChecksum(parent context.Context, sumsURL, assetName string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, checksumTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sumsURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request checksums: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumFileBytes))
	if err != nil {
		return "", fmt.Errorf("read checksums: %w", err)
	}
	return checksumFor(string(body), assetName)
}

// checksumFor parses "<hex>  <name>" lines; a leading '*' on the name
// marks binary mode and is ignored.
func checksumFor(sums, assetName string) (string, error) {
	for _, line := range strings.Split(sums, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if strings.TrimPrefix(fields[1], "*") != assetName {
			continue
		}
		sum := strings.ToLower(fields[0])
		if _, err := hex.DecodeString(sum); err != nil || len(sum) != sha256.Size*2 {
			return "", fmt.Errorf("malformed checksum for %s", assetName)
		}
		return sum, nil
	}
	return "", fmt.Errorf("no checksum listed for %s", assetName)
}

func verifyFileSHA256(filePath, want string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("hash download: %w", err)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != want {
		return fmt.Errorf("sha256 mismatch: got %s, want %s", got, want)
	}
	return nil
}

func getToolReleaseByID(id string) (domain.ToolRelease, bool) {
	for _, release := range toolReleaseCatalog {
		if release.ID == id {
			return release, true
		}
	}
	return domain.ToolRelease{}, false
}

func releaseMatches(release domain.ToolRelease, goos, goarch string) bool {
	return release.OS == goos && (release.Arch == "" || release.Arch == goarch)
}

func releasesFor(goos, goarch string) []domain.ToolRelease {
	out := make([]domain.ToolRelease, 0, 2)
	for _, release := range toolReleaseCatalog {
		if releaseMatches(release, goos, goarch) {
			out = append(out, release)
		}
	}
	return out
}

// releaseForKind picks the first platform build of kind.
func releaseForKind(kind domain.ToolKind, goos, goarch string) (domain.ToolRelease, bool) {
	for _, release := range releasesFor(goos, goarch) {
		if release.Kind == kind {
			return release, true
		}
	}
	return domain.ToolRelease{}, false
}

func markDownloadedReleases(releases []domain.ToolRelease, binDir string) {
	if strings.TrimSpace(binDir) == "" {
		return
	}
	for i := range releases {
		candidate := filepath.Join(binDir, releases[i].FileName)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		releases[i].Downloaded = true
		releases[i].LocalPath = candidate
	}
}

func copyExecutable(sourcePath, targetPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open extracted executable: %w", err)
	}
	defer src.Close()

	tmpPath := targetPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}

	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("copy executable: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move executable into place: %w", err)
	}
	return nil
}
