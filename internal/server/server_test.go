package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-downloader/internal/domain"
	"media-downloader/internal/download"
	"media-downloader/internal/jobs"
)

// fakeBackend is an in-memory Backend with a real event bus.
type fakeBackend struct {
	mu          sync.Mutex
	settings    domain.Settings
	job         domain.Job
	startErr    error
	metadataErr error
	fixErr      error
	cancelled   bool
	started     []domain.OutputFormat
	opened      []string
	events      *jobs.EventBus
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		settings: domain.Settings{OutputDir: "/tmp/out", Format: domain.FormatVideo, Language: "en"},
		job:      domain.Job{Status: domain.SessionIdle},
		events:   jobs.NewEventBus(100),
	}
}

func (f *fakeBackend) GetDiagnostics() domain.DiagnosticReport {
	return domain.DiagnosticReport{Items: []domain.DiagnosticItem{{ID: "output_dir", Status: domain.DiagnosticStatusPass}}}
}

func (f *fakeBackend) RefreshDiagnostics(context.Context) (domain.DiagnosticReport, error) {
	return f.GetDiagnostics(), nil
}

func (f *fakeBackend) InstallOrFixDiagnostic(_ context.Context, itemID string) (domain.DiagnosticReport, error) {
	report := domain.DiagnosticReport{HasFailures: f.fixErr != nil, Items: []domain.DiagnosticItem{{ID: itemID}}}
	return report, f.fixErr
}

func (f *fakeBackend) GetToolReleases() []domain.ToolRelease {
	return []domain.ToolRelease{{ID: "yt-dlp-linux-amd64", Kind: domain.ToolMediaFetcher}}
}

func (f *fakeBackend) DownloadToolRelease(_ context.Context, releaseID string) (domain.DiagnosticReport, error) {
	if releaseID != "yt-dlp-linux-amd64" {
		return domain.DiagnosticReport{}, fmt.Errorf("unknown tool release: %s", releaseID)
	}
	return f.GetDiagnostics(), nil
}

func (f *fakeBackend) GetSettings() (domain.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeBackend) SaveSettings(_ context.Context, settings domain.Settings) (domain.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = settings
	return settings, nil
}

func (f *fakeBackend) FetchMetadata(_ context.Context, url string) (domain.Metadata, error) {
	if url == "" {
		return domain.Metadata{}, fmt.Errorf("%w: %w", download.ErrInvalidRequest, domain.ErrEmptySourceURL)
	}
	if f.metadataErr != nil {
		return domain.Metadata{}, f.metadataErr
	}
	return domain.Metadata{ThumbnailURL: "https://img/x.jpg", Title: "Clip", Duration: "1:00"}, nil
}

func (f *fakeBackend) StartDownload(sourceURL string, format domain.OutputFormat) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sourceURL == "" {
		return domain.Job{}, fmt.Errorf("%w: %w", download.ErrInvalidRequest, domain.ErrEmptySourceURL)
	}
	if f.startErr != nil {
		return domain.Job{}, f.startErr
	}
	f.started = append(f.started, format)
	f.job = domain.Job{ID: "job-1", SourceURL: sourceURL, Format: format, Status: domain.SessionRunning}
	return f.job, nil
}

func (f *fakeBackend) CancelDownload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return f.job.Status == domain.SessionRunning
}

func (f *fakeBackend) DismissJob() (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job.Status == domain.SessionRunning {
		return domain.Job{}, jobs.ErrJobAlreadyRunning
	}
	f.job = domain.Job{Status: domain.SessionIdle}
	return f.job, nil
}

func (f *fakeBackend) CurrentJob() domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job
}

func (f *fakeBackend) JobEvents(sinceSeq int64) []jobs.Event {
	return f.events.Since(sinceSeq)
}

func (f *fakeBackend) SubscribeEvents(buffer int) (<-chan jobs.Event, func()) {
	return f.events.Subscribe(buffer)
}

func (f *fakeBackend) OpenOutputFolder(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, path)
	return nil
}

func newTestServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New(backend, Options{AllowedOrigins: []string{"http://localhost:5173"}})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Host = "127.0.0.1:8765"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// TestStartDownloadAccepted verifies a valid request starts a job.
func TestStartDownloadAccepted(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodPost, "/api/downloads", map[string]string{"url": "https://x", "format": "mp3"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, domain.SessionRunning, job.Status)
	assert.Equal(t, []domain.OutputFormat{domain.FormatAudioOnly}, backend.started)
}

// TestStartDownloadEmptyFormatUsesDefault verifies the format is left to the backend when omitted.
func TestStartDownloadEmptyFormatUsesDefault(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodPost, "/api/downloads", map[string]string{"url": "https://x"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []domain.OutputFormat{""}, backend.started)
}

// TestStartDownloadErrors verifies error-to-status mapping.
func TestStartDownloadErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]string
		startErr error
		want     int
	}{
		{name: "empty url", body: map[string]string{"url": ""}, want: http.StatusBadRequest},
		{name: "bad format", body: map[string]string{"url": "https://x", "format": "flac"}, want: http.StatusBadRequest},
		{name: "already running", body: map[string]string{"url": "https://x"}, startErr: jobs.ErrJobAlreadyRunning, want: http.StatusConflict},
		{name: "other", body: map[string]string{"url": "https://x"}, startErr: errors.New("disk gone"), want: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.startErr = tc.startErr
			s := newTestServer(t, backend)

			rec := doJSON(t, s, http.MethodPost, "/api/downloads", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

// TestStartDownloadMalformedBody verifies invalid JSON is rejected.
func TestStartDownloadMalformedBody(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", strings.NewReader("{"))
	req.Host = "127.0.0.1:8765"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestCancelDownload verifies the cancel flag is reported.
func TestCancelDownload(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodPost, "/api/downloads/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":false}`, rec.Body.String())

	doJSON(t, s, http.MethodPost, "/api/downloads", map[string]string{"url": "https://x"})
	rec = doJSON(t, s, http.MethodPost, "/api/downloads/cancel", nil)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())
}

// TestDismissJob verifies dismiss is refused while running and clears a finished job.
func TestDismissJob(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	doJSON(t, s, http.MethodPost, "/api/downloads", map[string]string{"url": "https://x"})
	rec := doJSON(t, s, http.MethodPost, "/api/downloads/dismiss", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	backend.mu.Lock()
	backend.job.Status = domain.SessionCompleted
	backend.mu.Unlock()

	rec = doJSON(t, s, http.MethodPost, "/api/downloads/dismiss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"idle"`)
}

// TestCurrentJob verifies the current job endpoint.
func TestCurrentJob(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	rec := doJSON(t, s, http.MethodGet, "/api/downloads/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"idle"`)
}

// TestSettingsRoundTrip verifies GET and PUT on settings.
func TestSettingsRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	want := domain.Settings{OutputDir: "/music", Format: domain.FormatAudioOnly, Language: "de"}
	rec := doJSON(t, s, http.MethodPut, "/api/settings", want)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want, got)
}

// TestFetchMetadata verifies success and error mapping.
func TestFetchMetadata(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodPost, "/api/metadata", map[string]string{"url": "https://x"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Clip"`)

	rec = doJSON(t, s, http.MethodPost, "/api/metadata", map[string]string{"url": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	backend.metadataErr = &download.MetadataError{
		Field:      "--get-thumbnail",
		Message:    "command failed",
		CommandLog: download.CommandLog{Command: "yt-dlp", ExitCode: 1, Stderr: "boom"},
	}
	rec = doJSON(t, s, http.MethodPost, "/api/metadata", map[string]string{"url": "https://x"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"commandLog"`)
}

// TestDiagnosticsRoutes verifies diagnostics read, refresh, and fix.
func TestDiagnosticsRoutes(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodGet, "/api/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"output_dir"`)

	rec = doJSON(t, s, http.MethodPost, "/api/diagnostics/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/diagnostics/tool_media_fetcher/fix", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tool_media_fetcher"`)

	backend.fixErr = errors.New("no installer available")
	rec = doJSON(t, s, http.MethodPost, "/api/diagnostics/tool_media_fetcher/fix", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "no installer available")
	assert.Contains(t, rec.Body.String(), `"report"`)
}

// TestToolReleaseRoutes verifies listing and downloading tool releases.
func TestToolReleaseRoutes(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	rec := doJSON(t, s, http.MethodGet, "/api/tools/releases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "yt-dlp-linux-amd64")

	rec = doJSON(t, s, http.MethodPost, "/api/tools/releases/yt-dlp-linux-amd64/download", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/tools/releases/nope/download", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// TestOpenOutput verifies an empty body opens the configured folder.
func TestOpenOutput(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodPost, "/api/output/open", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/output/open", map[string]string{"path": "/music"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"", "/music"}, backend.opened)
}

// TestJobEvents verifies incremental reads through ?since.
func TestJobEvents(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	rec := doJSON(t, s, http.MethodGet, "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())

	backend.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeLog, Message: "one"})
	backend.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeLog, Message: "two"})

	rec = doJSON(t, s, http.MethodGet, "/api/events?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []jobs.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "two", body.Events[0].Message)

	rec = doJSON(t, s, http.MethodGet, "/api/events?since=-4", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestCORSPreflight verifies configured origins are allowed.
func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodOptions, "/api/downloads", nil)
	req.Host = "localhost:8765"
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestHostGuardRejectsForeignHost verifies a rebound name cannot reach the
// API even when its Origin matches the Host header.
func TestHostGuardRejectsForeignHost(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)

	for _, path := range []string{"/api/diagnostics/tool_media_fetcher/fix", "/api/downloads", "/api/output/open"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"url":"https://x"}`))
		req.Host = "evil.example:8765"
		req.Header.Set("Origin", "http://evil.example:8765")
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), path)
	}

	assert.Empty(t, backend.started)
	assert.Empty(t, backend.opened)
}

// TestHostGuardAllowsLoopbackAndConfiguredHosts verifies accepted Host values.
func TestHostGuardAllowsLoopbackAndConfiguredHosts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(newFakeBackend(), Options{AllowedHosts: []string{"nas.lan:8765"}})

	for _, host := range []string{"127.0.0.1:8765", "localhost:8765", "[::1]:8765", "LOCALHOST", "nas.lan:8765"} {
		assert.True(t, s.hostAllowed(host), host)
	}
	for _, host := range []string{"evil.example:8765", "nas.lan:9999", "127.0.0.1.evil.example", "10.0.0.5:8765", ""} {
		assert.False(t, s.hostAllowed(host), host)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Host = "nas.lan:8765"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestWebSocketRejectsForeignHost verifies the upgrade is refused for a rebound name.
func TestWebSocketRejectsForeignHost(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Host = "evil.example:8765"
	req.Header.Set("Origin", "http://evil.example:8765")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// TestCheckOrigin verifies WebSocket origin filtering.
func TestCheckOrigin(t *testing.T) {
	s := newTestServer(t, newFakeBackend())

	newReq := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8765/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	assert.True(t, s.checkOrigin(newReq("")))
	assert.True(t, s.checkOrigin(newReq("http://localhost:5173")))
	assert.True(t, s.checkOrigin(newReq("http://127.0.0.1:8765")))
	assert.False(t, s.checkOrigin(newReq("https://evil.example")))
}

// TestWebSocketReplaysAndStreams verifies backlog replay followed by live events.
func TestWebSocketReplaysAndStreams(t *testing.T) {
	backend := newFakeBackend()
	s := newTestServer(t, backend)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()

	backend.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeStatus, Status: domain.SessionRunning})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first jobs.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, domain.SessionRunning, first.Status)

	backend.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeProgress, Percent: 42})

	var second jobs.Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, jobs.EventTypeProgress, second.Type)
	assert.Equal(t, 42.0, second.Percent)
}

// TestWebSocketClosedOnShutdown verifies Close ends open streams.
func TestWebSocketClosedOnShutdown(t *testing.T) {
	s := newTestServer(t, newFakeBackend())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	s.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}
