package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/download"
	"media-downloader/internal/jobs"
)

type metadataRequest struct {
	URL string `json:"url"`
}

type downloadRequest struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

type openOutputRequest struct {
	Path string `json:"path"`
}

func (s *Server) getDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.GetDiagnostics())
}

func (s *Server) refreshDiagnostics(c *gin.Context) {
	report, err := s.backend.RefreshDiagnostics(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) fixDiagnostic(c *gin.Context) {
	report, err := s.backend.InstallOrFixDiagnostic(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Warn("diagnostic fix failed", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getToolReleases(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.GetToolReleases())
}

func (s *Server) downloadToolRelease(c *gin.Context) {
	report, err := s.backend.DownloadToolRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.backend.GetSettings()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) saveSettings(c *gin.Context) {
	var req domain.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	saved, err := s.backend.SaveSettings(c.Request.Context(), req)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) fetchMetadata(c *gin.Context) {
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	meta, err := s.backend.FetchMetadata(c.Request.Context(), req.URL)
	if err != nil {
		var metaErr *download.MetadataError
		switch {
		case errors.Is(err, download.ErrInvalidRequest):
			s.fail(c, http.StatusBadRequest, err)
		case errors.As(err, &metaErr):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "commandLog": metaErr.CommandLog})
		default:
			s.fail(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) startDownload(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var format domain.OutputFormat
	if req.Format != "" {
		parsed, err := domain.ParseOutputFormat(req.Format)
		if err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
		format = parsed
	}

	job, err := s.backend.StartDownload(req.URL, format)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobAlreadyRunning):
			s.fail(c, http.StatusConflict, err)
		case errors.Is(err, download.ErrInvalidRequest):
			s.fail(c, http.StatusBadRequest, err)
		default:
			s.fail(c, http.StatusInternalServerError, err)
		}
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) cancelDownload(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.backend.CancelDownload()})
}

func (s *Server) dismissJob(c *gin.Context) {
	job, err := s.backend.DismissJob()
	if err != nil {
		if errors.Is(err, jobs.ErrJobAlreadyRunning) {
			s.fail(c, http.StatusConflict, err)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) currentJob(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.CurrentJob())
}

func (s *Server) jobEvents(c *gin.Context) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	events := s.backend.JobEvents(since)
	if events == nil {
		events = []jobs.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) openOutput(c *gin.Context) {
	var req openOutputRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	if err := s.backend.OpenOutputFolder(req.Path); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, errors.New("since must be a non-negative integer")
	}
	return since, nil
}
