// Package console renders download progress for the command line.
package console

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/download"
)

// Sink draws a percentage bar and prints tool errors above it. Every
// other output line goes to the debug log.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	bar    *progressbar.ProgressBar
	msgs   download.Messages
	logger *zap.Logger
}

// NewSink creates a bar writing to out. Nil messages fall back to English.
func NewSink(out io.Writer, description string, msgs download.Messages, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if msgs == nil {
		msgs = download.DefaultMessages
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	return &Sink{out: out, bar: bar, msgs: msgs, logger: logger.Named("console")}
}

// OnLogLine implements download.Sink.
func (s *Sink) OnLogLine(line string) {
	if !strings.HasPrefix(line, download.StderrPrefix) {
		s.logger.Debug(line)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Clear()
	fmt.Fprintln(s.out, line)
}

// OnProgress implements download.Sink. Merged downloads report each
// stream from 0, so the bar may restart.
func (s *Sink) OnProgress(percent float64) {
	value := int(math.Round(percent))
	if value < 0 || value > 100 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Set(value)
}

// Finish closes the bar and prints a one-line summary of the outcome.
func (s *Sink) Finish(outcome download.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch outcome.Status {
	case domain.SessionCompleted:
		_ = s.bar.Finish()
		fmt.Fprintln(s.out)
		fmt.Fprintln(s.out, s.msgs.Text(download.MsgDownloadCompleted))
	case domain.SessionCancelled:
		_ = s.bar.Exit()
		fmt.Fprintln(s.out)
		fmt.Fprintln(s.out, s.msgs.Text(download.MsgDownloadCancelled))
	default:
		_ = s.bar.Exit()
		fmt.Fprintln(s.out)
		fmt.Fprintf(s.out, "%s: %s (exit code %d)\n",
			s.msgs.Text(download.MsgDownloadFailed), outcome.Detail, outcome.ExitCode)
	}
}
