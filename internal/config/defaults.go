package config

import (
	"os"
	"path/filepath"
	"strings"

	"media-downloader/internal/domain"
)

const appDirName = ".media-downloader"

// AppDir returns the per-user application directory.
func AppDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, appDirName)
}

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return domain.Settings{
		OutputDir: filepath.Join(homeDir, "Downloads"),
		Format:    domain.FormatVideo,
		Language:  "en",
	}
}

// Normalize fills blank fields from defaults and canonicalizes the format.
func Normalize(cfg domain.Settings) domain.Settings {
	defaults := DefaultSettings()
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = defaults.OutputDir
	}
	if format, err := domain.ParseOutputFormat(string(cfg.Format)); err == nil {
		cfg.Format = format
	} else {
		cfg.Format = defaults.Format
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = defaults.Language
	}
	return cfg
}
