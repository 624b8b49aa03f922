package runstore

import "time"

// File names of the persisted run layout in the working directory.
const (
	JobDocumentFile     = "jobDocument.json"
	FOTAJobDocumentFile = "fotaJobDocument.json"
	ReportFile          = "report.json"
)

// RunState is the local lifecycle state of one firmware CI run.
//
// NOTE: These values are persisted in run.json.
type RunState string

const (
	RunStateStaging   RunState = "staging"
	RunStateScheduled RunState = "scheduled"
	RunStateResumed   RunState = "resumed"
	RunStateCompleted RunState = "completed"
	RunStateTimedOut  RunState = "timed_out"
	RunStateFailed    RunState = "failed"
)

// RunRecord is the audit record written to .fwci/<job_id>/run.json.
type RunRecord struct {
	JobID     string    `json:"job_id"`
	State     RunState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	JobStatus     string     `json:"job_status,omitempty"`
	InjectorState string     `json:"injector_state,omitempty"`
	FOTAJobID     string     `json:"fota_job_id,omitempty"`
	StagedKeys    []string   `json:"staged_keys,omitempty"`
	ReportPath    string     `json:"report_path,omitempty"`
	Error         string     `json:"error,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}
