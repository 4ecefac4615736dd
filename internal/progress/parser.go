// Package progress extracts completion percentages from tool output lines.
package progress

import (
	"regexp"
	"strconv"
	"strings"

	"media-downloader/internal/domain"
)

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// Parse returns the first "<number>%" token on the line, if any.
func Parse(line string) (domain.ProgressEvent, bool) {
	if strings.IndexByte(line, '%') < 0 {
		return domain.ProgressEvent{}, false
	}

	match := percentPattern.FindStringSubmatch(line)
	if len(match) < 2 {
		return domain.ProgressEvent{}, false
	}

	percent, err := strconv.ParseFloat(match[1], 64)
	if err != nil || percent < 0 || percent > 100 {
		return domain.ProgressEvent{}, false
	}
	return domain.ProgressEvent{Percent: percent}, true
}
