package jobs

import (
	"errors"
	"fmt"
	"sync"

	"media-downloader/internal/domain"
)

// ErrJobAlreadyRunning is returned when starting a second active download.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrNoRunningJob is returned when an update targets an idle manager.
var ErrNoRunningJob = errors.New("no running job")

// Manager tracks the single allowed download job and its transitions.
type Manager struct {
	mu      sync.RWMutex
	current domain.Job
}

// NewManager creates a manager in idle state.
func NewManager() *Manager {
	return &Manager{
		current: domain.Job{
			Status: domain.SessionIdle,
		},
	}
}

// Start records a new job for url and moves it to running.
func (m *Manager) Start(jobID, sourceURL string, format domain.OutputFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Status == domain.SessionRunning {
		return ErrJobAlreadyRunning
	}

	m.current = domain.Job{
		ID:        jobID,
		SourceURL: sourceURL,
		Format:    format,
		Status:    domain.SessionRunning,
	}
	return nil
}

// UpdateProgress stores the latest reported percentage. Values are not
// required to increase.
func (m *Manager) UpdateProgress(percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Status != domain.SessionRunning {
		return ErrNoRunningJob
	}
	m.current.Percent = percent
	return nil
}

// Finish moves the running job to a terminal status with optional detail.
func (m *Manager) Finish(status domain.SessionStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	if !isValidTransition(m.current.Status, status) {
		return fmt.Errorf("invalid transition: %s -> %s", m.current.Status, status)
	}

	m.current.Status = status
	m.current.Detail = detail
	if status == domain.SessionCompleted {
		m.current.Percent = 100
	}
	return nil
}

// Current returns a snapshot of the current job.
func (m *Manager) Current() domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Dismiss acknowledges a finished job and returns the manager to idle,
// dropping its metadata. It is a no-op when already idle.
func (m *Manager) Dismiss() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Status == domain.SessionRunning {
		return ErrJobAlreadyRunning
	}
	if m.current.Status != domain.SessionIdle && !isValidTransition(m.current.Status, domain.SessionIdle) {
		return fmt.Errorf("invalid transition: %s -> %s", m.current.Status, domain.SessionIdle)
	}
	m.current = domain.Job{Status: domain.SessionIdle}
	return nil
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.SessionStatus) bool {
	switch from {
	case domain.SessionIdle:
		return to == domain.SessionRunning
	case domain.SessionRunning:
		return to.IsTerminal()
	case domain.SessionCompleted, domain.SessionFailed, domain.SessionCancelled:
		return to == domain.SessionRunning || to == domain.SessionIdle
	default:
		return false
	}
}
