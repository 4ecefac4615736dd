// Package server exposes the app over a local HTTP API and a WebSocket
// stream of job events.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/jobs"
)

const shutdownTimeout = 5 * time.Second

// Backend is the application surface served over HTTP.
type Backend interface {
	GetDiagnostics() domain.DiagnosticReport
	RefreshDiagnostics(ctx context.Context) (domain.DiagnosticReport, error)
	InstallOrFixDiagnostic(ctx context.Context, itemID string) (domain.DiagnosticReport, error)
	GetToolReleases() []domain.ToolRelease
	DownloadToolRelease(ctx context.Context, releaseID string) (domain.DiagnosticReport, error)
	GetSettings() (domain.Settings, error)
	SaveSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error)
	FetchMetadata(ctx context.Context, url string) (domain.Metadata, error)
	StartDownload(sourceURL string, format domain.OutputFormat) (domain.Job, error)
	CancelDownload() bool
	DismissJob() (domain.Job, error)
	CurrentJob() domain.Job
	JobEvents(sinceSeq int64) []jobs.Event
	SubscribeEvents(buffer int) (<-chan jobs.Event, func())
	OpenOutputFolder(path string) error
}

// Options configures the HTTP server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	// AllowedHosts are accepted Host header values besides loopback
	// names, as "host" or "host:port".
	AllowedHosts []string
	Logger       *zap.Logger
}

// Server routes API requests to a Backend.
type Server struct {
	backend  Backend
	logger   *zap.Logger
	addr     string
	engine   *gin.Engine
	upgrader websocket.Upgrader
	origins  map[string]struct{}
	hosts    map[string]struct{}

	closeOnce sync.Once
	closing   chan struct{}
}

// New builds the router. Call gin.SetMode before New to pick the mode.
func New(backend Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		backend: backend,
		logger:  logger.Named("server"),
		addr:    opts.Addr,
		origins: make(map[string]struct{}, len(opts.AllowedOrigins)),
		hosts:   make(map[string]struct{}, len(opts.AllowedHosts)),
		closing: make(chan struct{}),
	}
	for _, origin := range opts.AllowedOrigins {
		s.origins[origin] = struct{}{}
	}
	for _, host := range opts.AllowedHosts {
		s.hosts[strings.ToLower(host)] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger), s.hostGuard())
	if len(opts.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/diagnostics", s.getDiagnostics)
		api.POST("/diagnostics/refresh", s.refreshDiagnostics)
		api.POST("/diagnostics/:id/fix", s.fixDiagnostic)

		api.GET("/tools/releases", s.getToolReleases)
		api.POST("/tools/releases/:id/download", s.downloadToolRelease)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.saveSettings)

		api.POST("/metadata", s.fetchMetadata)

		api.POST("/downloads", s.startDownload)
		api.POST("/downloads/cancel", s.cancelDownload)
		api.POST("/downloads/dismiss", s.dismissJob)
		api.GET("/downloads/current", s.currentJob)

		api.GET("/events", s.jobEvents)
		api.POST("/output/open", s.openOutput)
	}

	r.GET("/ws", s.handleWS)
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully and
// closes open WebSocket streams.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close ends every open WebSocket stream. It is safe to call repeatedly.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// hostGuard rejects requests addressed to a name other than loopback or
// the configured hosts. It runs before CORS, whose same-host shortcut
// would otherwise admit DNS-rebound pages.
func (s *Server) hostGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.hostAllowed(c.Request.Host) {
			s.logger.Warn("rejected host", zap.String("host", c.Request.Host))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "host not allowed"})
			return
		}
		c.Next()
	}
}

func (s *Server) hostAllowed(hostport string) bool {
	hostport = strings.ToLower(hostport)
	if _, ok := s.hosts[hostport]; ok {
		return true
	}

	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if _, ok := s.hosts[host]; ok {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkOrigin accepts non-browser clients, same-host pages, and the
// configured front-end origins. The Host header is already vetted by
// hostGuard.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
