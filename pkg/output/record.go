// Package output provides JSONL output for job and feature run events.
//
// Output is structured as typed record envelopes containing job status
// changes, step and scenario results, summaries and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: fwci.<type>.v<version>
const (
	// TypeStatus identifies job status change records.
	TypeStatus = "fwci.status.v1"

	// TypeStep identifies feature step result records.
	TypeStep = "fwci.step.v1"

	// TypeScenario identifies scenario result records.
	TypeScenario = "fwci.scenario.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "fwci.summary.v1"

	// TypeError identifies error records.
	TypeError = "fwci.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "fwci.status.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the firmware CI job the record belongs to, if any.
	JobID string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StatusRecord is emitted whenever the observed job status changes.
type StatusRecord struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// StepRecord is the result of one feature step.
type StepRecord struct {
	Feature  string        `json:"feature"`
	Scenario string        `json:"scenario"`
	Keyword  string        `json:"keyword"`
	Text     string        `json:"text"`
	Line     int           `json:"line"`
	Outcome  string        `json:"outcome"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ScenarioRecord is the result of one scenario.
type ScenarioRecord struct {
	Feature  string        `json:"feature"`
	File     string        `json:"file"`
	Scenario string        `json:"scenario"`
	Outcome  string        `json:"outcome"`
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration_ns"`
}

// SummaryRecord is emitted once at the end of a feature run.
type SummaryRecord struct {
	Features  int `json:"features"`
	Scenarios int `json:"scenarios"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Steps     int `json:"steps"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeNotFound indicates the job was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeStepFailed indicates a feature step failed.
	ErrCodeStepFailed = "STEP_FAILED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
