package runs

import (
	"time"

	"github.com/google/uuid"

	"github.com/MinhTranCA/lava/internal/results"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Phases of a run, in order
const (
	PhaseProvision = "provision"
	PhaseRecord    = "record"
	PhaseReplay    = "replay"
	PhaseHandoff   = "handoff"
)

// Run records one mining run from provisioning to bug counts
type Run struct {
	ID          string                   `json:"id"`
	Project     string                   `json:"project"`
	ProjectFile string                   `json:"project_file"`
	Input       string                   `json:"input"`
	Database    string                   `json:"database"`
	Image       string                   `json:"image,omitempty"`
	Pandalog    string                   `json:"pandalog,omitempty"`
	Display     int                      `json:"display,omitempty"`
	Status      string                   `json:"status"` // "running", "succeeded", "failed"
	Phase       string                   `json:"phase,omitempty"`
	Durations   map[string]time.Duration `json:"durations,omitempty"`
	Counts      *results.Counts          `json:"counts,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  *time.Time               `json:"finished_at,omitempty"`
	Error       string                   `json:"error,omitempty"`
	ExitCode    int                      `json:"exit_code,omitempty"` // of the external tool that failed the run
}

// NewRun starts a run record with a fresh short ID
func NewRun(project, projectFile, input, database string) *Run {
	return &Run{
		ID:          uuid.New().String()[:8],
		Project:     project,
		ProjectFile: projectFile,
		Input:       input,
		Database:    database,
		Status:      StatusRunning,
		Durations:   make(map[string]time.Duration),
		StartedAt:   time.Now(),
	}
}

// Enter marks phase as the one in progress
func (r *Run) Enter(phase string) {
	r.Phase = phase
}

// Record stores the time spent in phase
func (r *Run) Record(phase string, d time.Duration) {
	if r.Durations == nil {
		r.Durations = make(map[string]time.Duration)
	}
	r.Durations[phase] = d
}

// Finish closes the run with err's outcome
func (r *Run) Finish(err error) {
	now := time.Now()
	r.FinishedAt = &now
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = StatusSucceeded
	r.Phase = ""
}

// Total is the time spent across all recorded phases
func (r *Run) Total() time.Duration {
	var total time.Duration
	for _, d := range r.Durations {
		total += d
	}
	return total
}

// Finished reports whether the run has ended, successfully or not
func (r *Run) Finished() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}
