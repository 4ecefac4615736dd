//go:build unix

package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"media-downloader/internal/domain"
)

// recordingSink collects everything a run reports.
type recordingSink struct {
	mu       sync.Mutex
	lines    []string
	percents []float64
	seen     chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan string, 64)}
}

func (s *recordingSink) OnLogLine(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	select {
	case s.seen <- line:
	default:
	}
}

func (s *recordingSink) OnProgress(percent float64) {
	s.mu.Lock()
	s.percents = append(s.percents, percent)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() ([]string, []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), append([]float64(nil), s.percents...)
}

func writeFetcher(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func runAsync(o *Orchestrator, req domain.DownloadRequest, sink Sink) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := o.Run(context.Background(), req, sink)
		done <- outcome
	}()
	return done
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case outcome := <-done:
		return outcome
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return Outcome{}
	}
}

// TestRunReportsProgressAndCompletes verifies progress order and success.
func TestRunReportsProgressAndCompletes(t *testing.T) {
	fetcher := writeFetcher(t, `echo "[download]   0.0% of 10.00MiB"
echo "[download]  50.0% of 10.00MiB at 1.00MiB/s"
echo "[download] 100% of 10.00MiB"
exit 0`)
	o := NewOrchestrator(fetcherAt(fetcher))
	sink := newRecordingSink()

	outcome, err := o.Run(context.Background(), domain.DownloadRequest{
		SourceURL: "https://example.com/v",
		Format:    domain.FormatVideo,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, domain.SessionCompleted, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode)
	lines, percents := sink.snapshot()
	assert.Equal(t, []float64{0, 50, 100}, percents)
	assert.Contains(t, lines, "[download]  50.0% of 10.00MiB at 1.00MiB/s")
	assert.Equal(t, DefaultMessages.Text(MsgDownloadCompleted), lines[len(lines)-1])
}

// TestRunPassesArgvWithoutShell verifies arguments reach the tool verbatim.
func TestRunPassesArgvWithoutShell(t *testing.T) {
	fetcher := writeFetcher(t, `for a in "$@"; do echo "arg:$a"; done`)
	o := NewOrchestrator(fetcherAt(fetcher))
	sink := newRecordingSink()

	outcome, err := o.Run(context.Background(), domain.DownloadRequest{
		SourceURL:           "-x; rm -rf /",
		Format:              domain.FormatAudioOnly,
		DestinationTemplate: "/tmp/out dir/%(title)s.%(ext)s",
	}, sink)
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, outcome.Status)

	lines, _ := sink.snapshot()
	assert.Contains(t, lines, "arg:-x; rm -rf /")
	assert.Contains(t, lines, "arg:/tmp/out dir/%(title)s.%(ext)s")
	assert.Contains(t, lines, "arg:--")
	assert.NotContains(t, lines, "arg:--ffmpeg-location")
}

// TestRunFailureUsesLastStderrLine verifies failure detail and stderr prefix.
func TestRunFailureUsesLastStderrLine(t *testing.T) {
	fetcher := writeFetcher(t, `echo "first problem" >&2
echo "Unsupported URL: nope" >&2
echo "" >&2
exit 1`)
	o := NewOrchestrator(fetcherAt(fetcher))
	sink := newRecordingSink()

	outcome, err := o.Run(context.Background(), domain.DownloadRequest{SourceURL: "nope"}, sink)
	require.NoError(t, err)

	assert.Equal(t, domain.SessionFailed, outcome.Status)
	assert.Equal(t, 1, outcome.ExitCode)
	assert.Equal(t, "Unsupported URL: nope", outcome.Detail)
	lines, _ := sink.snapshot()
	assert.Contains(t, lines, StderrPrefix+"first problem")
}

// TestRunFailureWithoutStderrReportsExitStatus verifies the fallback detail.
func TestRunFailureWithoutStderrReportsExitStatus(t *testing.T) {
	fetcher := writeFetcher(t, "exit 3")
	o := NewOrchestrator(fetcherAt(fetcher))

	outcome, err := o.Run(context.Background(), domain.DownloadRequest{SourceURL: "u"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, outcome.Status)
	assert.Equal(t, "exit status 3", outcome.Detail)
}

// TestRunLaunchFailure verifies a missing executable maps to failed.
func TestRunLaunchFailure(t *testing.T) {
	o := NewOrchestrator(fetcherAt(filepath.Join(t.TempDir(), "missing-fetcher")))

	outcome, err := o.Run(context.Background(), domain.DownloadRequest{SourceURL: "u"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, outcome.Status)
	assert.Equal(t, -1, outcome.ExitCode)
	assert.Contains(t, outcome.Detail, "missing-fetcher")
	assert.False(t, o.Running())
}

// TestRunCancelKillsToolTree verifies cancellation leaves no orphans.
func TestRunCancelKillsToolTree(t *testing.T) {
	fetcher := writeFetcher(t, `sleep 30 &
echo "child:$!"
wait`)
	o := NewOrchestrator(fetcherAt(fetcher))
	sink := newRecordingSink()

	done := runAsync(o, domain.DownloadRequest{SourceURL: "https://example.com/v"}, sink)

	var childPID int
	deadline := time.After(5 * time.Second)
	for childPID == 0 {
		select {
		case line := <-sink.seen:
			if pid, ok := strings.CutPrefix(line, "child:"); ok {
				var err error
				childPID, err = strconv.Atoi(pid)
				require.NoError(t, err)
			}
		case <-deadline:
			t.Fatal("fetcher never reported its child")
		}
	}

	_, err := o.Run(context.Background(), domain.DownloadRequest{SourceURL: "https://example.com/v"}, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	assert.True(t, o.RequestCancel())
	outcome := waitOutcome(t, done)
	assert.Equal(t, domain.SessionCancelled, outcome.Status)
	assert.False(t, o.RequestCancel())

	stop := time.Now().Add(5 * time.Second)
	for processAlive(childPID) {
		if time.Now().After(stop) {
			t.Fatalf("child process %d survived cancellation", childPID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestRunContextCancelStopsTool verifies ctx cancellation maps to cancelled.
func TestRunContextCancelStopsTool(t *testing.T) {
	fetcher := writeFetcher(t, "echo up; exec sleep 30")
	o := NewOrchestrator(fetcherAt(fetcher))
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := o.Run(ctx, domain.DownloadRequest{SourceURL: "u"}, sink)
		done <- outcome
	}()

	for line := range sink.seen {
		if line == "up" {
			break
		}
	}
	cancel()
	assert.Equal(t, domain.SessionCancelled, waitOutcome(t, done).Status)
}

// TestSequentialRunsReuseOrchestrator verifies the guard resets after a run.
func TestSequentialRunsReuseOrchestrator(t *testing.T) {
	fetcher := writeFetcher(t, "echo 42%")
	o := NewOrchestrator(fetcherAt(fetcher))

	for i := 0; i < 3; i++ {
		outcome, err := o.Run(context.Background(), domain.DownloadRequest{SourceURL: fmt.Sprintf("u%d", i)}, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionCompleted, outcome.Status)
	}
}

func processAlive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return true
	}
	return stat[end+2] != 'Z'
}
