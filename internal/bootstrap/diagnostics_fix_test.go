package bootstrap

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"media-downloader/internal/diagnostics"
	"media-downloader/internal/domain"
)

// TestInstallOrFixOutputDirCreatesDirectory ensures output dir fix creates missing directories.
func TestInstallOrFixOutputDirCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	outputDir := filepath.Join(root, "nested", "downloads")

	settings := domain.Settings{
		OutputDir: outputDir,
		Format:    domain.FormatVideo,
		Language:  "en",
	}
	fixed, changed, err := installOrFixOutputDir(settings)
	if err != nil {
		t.Fatalf("fix output dir: %v", err)
	}
	if changed {
		t.Fatal("expected settings to remain unchanged")
	}
	if fixed.OutputDir != outputDir {
		t.Fatalf("OutputDir = %s, want %s", fixed.OutputDir, outputDir)
	}
	if _, err := os.Stat(outputDir); err != nil {
		t.Fatalf("stat output dir: %v", err)
	}
}

// TestInstallOrFixDiagnosticOutputDirClearsToolCache checks the fix path end to end.
func TestInstallOrFixDiagnosticOutputDirClearsToolCache(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "new-dir")
	tools := &fakeTools{}
	app := newTestApp(&fakeStore{settings: domain.Settings{OutputDir: outputDir}}, &fakeDownloader{})
	app.Tools = tools
	app.checker = diagnostics.NewCheckerForTests(tools, os.MkdirAll, os.CreateTemp, os.Remove)

	report, err := app.InstallOrFixDiagnostic(context.Background(), diagnostics.ItemOutputDir)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if report.HasFailures {
		t.Fatalf("expected passing report, got %+v", report.Items)
	}
	if tools.clears != 1 {
		t.Fatalf("ClearCache calls = %d, want 1", tools.clears)
	}
}

// TestInstallOrFixDiagnosticRejectsUnknownID checks input validation.
func TestInstallOrFixDiagnosticRejectsUnknownID(t *testing.T) {
	app := newTestApp(&fakeStore{}, &fakeDownloader{})

	if _, err := app.InstallOrFixDiagnostic(context.Background(), "model_path"); err == nil {
		t.Fatal("expected unsupported id error")
	}
	if _, err := app.InstallOrFixDiagnostic(context.Background(), "  "); err == nil {
		t.Fatal("expected empty id error")
	}
}

// TestRunFirstSuccessfulInstallWithoutManagers checks the no-manager error.
func TestRunFirstSuccessfulInstallWithoutManagers(t *testing.T) {
	err := runFirstSuccessfulInstall(context.Background(), []installOption{
		{manager: "definitely-not-a-package-manager", commands: [][]string{{"definitely-not-a-package-manager", "install"}}},
	})
	if err == nil || !strings.Contains(err.Error(), "no supported package manager") {
		t.Fatalf("error = %v, want no supported package manager", err)
	}
}

// TestInstallOptionsCoverEveryOS checks each platform has candidates.
func TestInstallOptionsCoverEveryOS(t *testing.T) {
	for _, goos := range []string{"windows", "darwin", "linux"} {
		if len(fetcherInstallOptions(goos)) == 0 {
			t.Fatalf("no fetcher install options for %s", goos)
		}
		if len(ffmpegInstallOptions(goos)) == 0 {
			t.Fatalf("no ffmpeg install options for %s", goos)
		}
	}
	if got := fetcherInstallOptions("windows")[0].manager; got != "winget" {
		t.Fatalf("first windows fetcher manager = %s, want winget", got)
	}
}

// TestDownloadURLToFile checks a successful download and an HTTP error.
func TestDownloadURLToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte("binary"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "sub", "tool")
	if err := downloadURLToFile(context.Background(), dest, server.URL+"/ok", 5*time.Second); err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "binary" {
		t.Fatalf("content = %q, err = %v", data, err)
	}

	missing := filepath.Join(t.TempDir(), "missing")
	if err := downloadURLToFile(context.Background(), missing, server.URL+"/nope", 5*time.Second); err == nil {
		t.Fatal("expected HTTP status error")
	}
	if _, err := os.Stat(missing + ".download"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

// TestExtractExecutableFromZip checks nested executable discovery.
func TestExtractExecutableFromZip(t *testing.T) {
	root := t.TempDir()
	zipPath := filepath.Join(root, "ffmpeg.zip")
	writeZip(t, zipPath, map[string]string{
		"ffmpeg-master/LICENSE.txt":    "gpl",
		"ffmpeg-master/bin/FFmpeg.exe": "MZ",
	})

	extractDir := filepath.Join(root, "out")
	path, err := extractExecutableFromZip(zipPath, extractDir, "ffmpeg.exe")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if want := filepath.Join(extractDir, "ffmpeg-master", "bin", "FFmpeg.exe"); path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}

	if _, err := extractExecutableFromZip(zipPath, filepath.Join(root, "out2"), "ffprobe.exe"); err == nil {
		t.Fatal("expected missing executable error")
	}
}

// TestIsWithinBaseDirRejectsTraversal validates archive path traversal guard.
func TestIsWithinBaseDirRejectsTraversal(t *testing.T) {
	base := filepath.Join("C:\\", "tmp", "root")
	target := filepath.Join(base, "..", "escape.txt")
	if isWithinBaseDir(base, target) {
		t.Fatal("expected traversal target to be rejected")
	}
	if !isWithinBaseDir(base, filepath.Join(base, "bin", "ffmpeg.exe")) {
		t.Fatal("expected nested target to be accepted")
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	writer := zip.NewWriter(file)
	for name, content := range files {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}
