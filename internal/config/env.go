package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "MEDIA_DOWNLOADER_"

// Env holds process-level configuration read from the environment and an
// optional .env file. Real environment variables take precedence.
type Env struct {
	LogLevel       string
	ListenAddr     string
	SettingsPath   string
	ToolsDir       string
	AppBinDir      string
	ProbeTimeout   time.Duration
	LookupTimeout  time.Duration
	AllowedOrigins []string
	// AllowedHosts are extra Host header values the API accepts besides
	// loopback names.
	AllowedHosts []string
}

// LoadEnv reads configuration. With no files it looks for ./.env; a
// missing file is not an error.
func LoadEnv(files ...string) (*Env, error) {
	fileVals, err := readDotEnv(files)
	if err != nil {
		return nil, err
	}

	lookup := func(key string) string {
		if val := os.Getenv(envPrefix + key); val != "" {
			return val
		}
		return fileVals[envPrefix+key]
	}

	appDir := AppDir()
	env := &Env{
		LogLevel:       strings.ToLower(getEnv(lookup, "LOG_LEVEL", "info")),
		ListenAddr:     getEnv(lookup, "LISTEN_ADDR", "127.0.0.1:8765"),
		SettingsPath:   getEnv(lookup, "SETTINGS_PATH", filepath.Join(appDir, "settings.json")),
		ToolsDir:       getEnv(lookup, "TOOLS_DIR", ""),
		AppBinDir:      getEnv(lookup, "APP_BIN_DIR", filepath.Join(appDir, "bin")),
		ProbeTimeout:   time.Duration(getEnvInt(lookup, "PROBE_TIMEOUT_MS", 2000)) * time.Millisecond,
		LookupTimeout:  time.Duration(getEnvInt(lookup, "LOOKUP_TIMEOUT_MS", 5000)) * time.Millisecond,
		AllowedOrigins: splitList(getEnv(lookup, "ALLOWED_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")),
		AllowedHosts:   splitList(getEnv(lookup, "ALLOWED_HOSTS", "")),
	}

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("environment validation failed: %w", err)
	}
	return env, nil
}

// Validate checks value ranges.
func (e *Env) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[e.LogLevel] {
		return fmt.Errorf("invalid log level: %s. Valid levels are: debug, info, warn, error", e.LogLevel)
	}
	if strings.TrimSpace(e.ListenAddr) == "" {
		return errors.New("listen address cannot be empty")
	}
	if strings.TrimSpace(e.SettingsPath) == "" {
		return errors.New("settings path cannot be empty")
	}
	if e.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got: %s", e.ProbeTimeout)
	}
	if e.LookupTimeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive, got: %s", e.LookupTimeout)
	}
	return nil
}

func readDotEnv(files []string) (map[string]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}

	merged := make(map[string]string)
	for _, file := range files {
		vals, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range vals {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

func getEnv(lookup func(string) string, key, defaultVal string) string {
	if val := lookup(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(lookup func(string) string, key string, defaultVal int) int {
	if val := lookup(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
