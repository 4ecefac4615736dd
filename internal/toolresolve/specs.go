package toolresolve

import (
	"os"
	"path/filepath"
	goruntime "runtime"

	"media-downloader/internal/domain"
)

// ToolSpec describes how one tool kind is located and probed.
type ToolSpec struct {
	Kind domain.ToolKind
	// Aliases are executable names tried in order.
	Aliases []string
	// VersionArgs must make the tool exit 0 quickly.
	VersionArgs []string
	// WellKnownDirs are checked for existence only.
	WellKnownDirs []string
	// RuntimeQuery is python source printing the tool path, or empty.
	RuntimeQuery string
	// Default is returned when every strategy fails.
	Default string
}

const fetcherRuntimeQuery = `import os, sysconfig; print(os.path.join(sysconfig.get_path("scripts"), "yt-dlp" + (".exe" if os.name == "nt" else "")))`

const transcoderRuntimeQuery = `import imageio_ffmpeg; print(imageio_ffmpeg.get_ffmpeg_exe())`

// DefaultSpecs returns fetcher and transcoder specs for the current OS.
func DefaultSpecs(appBinDir string) map[domain.ToolKind]ToolSpec {
	return map[domain.ToolKind]ToolSpec{
		domain.ToolMediaFetcher: {
			Kind:          domain.ToolMediaFetcher,
			Aliases:       []string{"yt-dlp", "youtube-dl", "media-downloader"},
			VersionArgs:   []string{"--version"},
			WellKnownDirs: fetcherDirs(appBinDir),
			RuntimeQuery:  fetcherRuntimeQuery,
			Default:       "yt-dlp",
		},
		domain.ToolMediaTranscoder: {
			Kind:          domain.ToolMediaTranscoder,
			Aliases:       []string{"ffmpeg"},
			VersionArgs:   []string{"-version"},
			WellKnownDirs: transcoderDirs(appBinDir),
			RuntimeQuery:  transcoderRuntimeQuery,
			Default:       "ffmpeg",
		},
	}
}

func fetcherDirs(appBinDir string) []string {
	home, _ := os.UserHomeDir()
	dirs := []string{}
	if appBinDir != "" {
		dirs = append(dirs, appBinDir)
	}

	switch goruntime.GOOS {
	case "windows":
		dirs = append(dirs,
			`C:\ProgramData\chocolatey\bin`,
			filepath.Join(home, "scoop", "shims"),
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Microsoft", "WinGet", "Links"),
		)
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin", filepath.Join(home, ".local", "bin"))
	default:
		dirs = append(dirs, "/usr/local/bin", "/usr/bin", filepath.Join(home, ".local", "bin"), "/snap/bin")
	}
	return dirs
}

func transcoderDirs(appBinDir string) []string {
	home, _ := os.UserHomeDir()
	dirs := []string{}
	if appBinDir != "" {
		dirs = append(dirs, appBinDir)
	}

	switch goruntime.GOOS {
	case "windows":
		dirs = append(dirs,
			`C:\ffmpeg\bin`,
			`C:\Program Files\ffmpeg\bin`,
			`C:\Program Files (x86)\ffmpeg\bin`,
			`C:\ProgramData\chocolatey\bin`,
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Programs", "ffmpeg", "bin"),
			filepath.Join(home, "scoop", "apps", "ffmpeg", "current", "bin"),
		)
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin", "/opt/local/bin")
	default:
		dirs = append(dirs, "/usr/local/bin", "/usr/bin", "/snap/bin")
	}
	return dirs
}
