package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"geoslice/internal/progress"
)

// Status represents the current status of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Kind is what a job does
type Kind string

const (
	KindBuild  Kind = "build"
	KindExport Kind = "export"
)

// Job is one build or export run
type Job struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	ProjectID   string `json:"projectId,omitempty"`
	Name        string `json:"name"`
	Status      Status `json:"status"`
	CreatedAt   string `json:"createdAt"` // RFC 3339
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`

	Stage   progress.Stage `json:"stage,omitempty"`
	Percent float64        `json:"percent"`

	Error      string `json:"error,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`
}

func newJob(kind Kind, projectID, name string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		ProjectID: projectID,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Finished reports whether the job reached a terminal status
func (j *Job) Finished() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SaveToFile persists the job to a JSON file in dir
func (j *Job) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	path := filepath.Join(dir, j.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFromFile loads a job from a JSON file
func LoadFromFile(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &j, nil
}

// DeleteFile removes the job file from dir
func (j *Job) DeleteFile(dir string) error {
	return os.Remove(filepath.Join(dir, j.ID+".json"))
}

// UpdateProgress records the latest stage and percentage
func (j *Job) UpdateProgress(e progress.Event) {
	j.Stage = e.Stage
	if e.Percent >= 0 {
		j.Percent = e.Percent
	}
}

// MarkStarted marks the job as running
func (j *Job) MarkStarted() {
	j.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	j.Status = StatusRunning
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted(outputPath string) {
	j.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	j.Status = StatusCompleted
	j.OutputPath = outputPath
	j.Percent = 100
}

// MarkFailed marks the job as failed with an error
func (j *Job) MarkFailed(err error) {
	j.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	j.Status = StatusFailed
	if err != nil {
		j.Error = err.Error()
	}
}

// MarkCancelled marks the job as cancelled
func (j *Job) MarkCancelled() {
	j.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	j.Status = StatusCancelled
}
