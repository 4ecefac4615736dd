package platform

import (
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// ExecutableName appends the platform executable suffix when missing.
func ExecutableName(name string) string {
	if goruntime.GOOS != "windows" {
		return name
	}
	if strings.EqualFold(filepath.Ext(name), ".exe") {
		return name
	}
	return name + ".exe"
}
