// Package firmwareci talks to the remote hardware-in-the-loop execution
// service: it schedules firmware test jobs, observes their status and
// cancels them.
package firmwareci

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/fwci/pkg/pki"
)

// JobStatus is the status of a test job as reported by the execution service.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusFailed     JobStatus = "FAILED"
	StatusTimedOut   JobStatus = "TIMED_OUT"
	StatusCanceled   JobStatus = "CANCELED"
)

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	}
	return false
}

// JobDocument is the description of a scheduled test job. It is immutable
// once created.
type JobDocument struct {
	ReportURL        string      `json:"reportUrl"`
	ReportPublishURL string      `json:"reportPublishUrl,omitempty"`
	FW               string      `json:"fw"`
	Target           string      `json:"target"`
	Network          string      `json:"network"`
	SecTag           int         `json:"secTag"`
	TimeoutInMinutes int         `json:"timeoutInMinutes"`
	AbortOn          []string    `json:"abortOn,omitempty"`
	EndOn            []string    `json:"endOn,omitempty"`
	Credentials      *pki.Bundle `json:"credentials,omitempty"`
}

// Job is one observation of a scheduled job.
type Job struct {
	ID       string
	Status   JobStatus
	Document *JobDocument
	// Details carries the status details reported by the device runner.
	Details map[string]string
}

// ScheduleRequest describes the job to submit.
type ScheduleRequest struct {
	JobID       string
	FirmwareURL string
	Target      string
	Network     string
	SecTag      int
	Timeout     time.Duration
	AbortOn     []string
	EndOn       []string
	Credentials *pki.Bundle
}

// Validate checks that the request can be submitted.
func (r ScheduleRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.JobID) == "" {
		missing = append(missing, "job id")
	}
	if strings.TrimSpace(r.FirmwareURL) == "" {
		missing = append(missing, "firmware url")
	}
	if strings.TrimSpace(r.Target) == "" {
		missing = append(missing, "target")
	}
	if strings.TrimSpace(r.Network) == "" {
		missing = append(missing, "network")
	}
	if r.Credentials == nil {
		missing = append(missing, "credentials")
	}
	if len(missing) > 0 {
		return fmt.Errorf("schedule request is missing %s", strings.Join(missing, ", "))
	}
	if r.Timeout < time.Minute {
		return fmt.Errorf("timeout must be at least one minute, got %s", r.Timeout)
	}
	return nil
}

// Service is the remote execution service.
type Service interface {
	Schedule(ctx context.Context, req ScheduleRequest) (*JobDocument, error)
	// Describe returns ErrJobNotFound for unknown job ids.
	Describe(ctx context.Context, jobID string) (*Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

// ErrJobNotFound is returned by Describe for a job id never scheduled.
var ErrJobNotFound = errors.New("job not found")

// SubmissionError reports a failed job creation. It is not retried locally.
type SubmissionError struct {
	JobID string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job %s: %v", e.JobID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
