package jobstore

import "time"

// State is the lifecycle state of a tracked validation job.
//
// NOTE: These values are persisted by every backend and are part of the
// stable on-disk contract.
type State string

const (
	StatePending       State = "pending"
	StateAwaiting      State = "awaiting"
	StateProcessing    State = "processing"
	StateErrorChecking State = "error_checking"
	StateCompleted     State = "completed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateAwaiting, StateProcessing, StateErrorChecking, StateCompleted:
		return true
	default:
		return false
	}
}

// Record is one submitted file whose remote job has not been finalized yet.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	JobID          string    `json:"job_id"`
	SourcePath     string    `json:"source_path"`
	SourceFileName string    `json:"source_file_name"`
	CostCenterTag  string    `json:"cost_center_tag,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	State          State     `json:"state"`
	AttemptCount   int       `json:"attempt_count"`
	RowCount       int       `json:"row_count,omitempty"`

	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.LastCheckedAt != nil {
		t := *r.LastCheckedAt
		out.LastCheckedAt = &t
	}
	return out
}
