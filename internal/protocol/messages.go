package protocol

import (
	"encoding/json"
	"time"
)

// JobResult is published to a job's reply subject. Buffered and error
// results arrive as a single final envelope; streams as one envelope per
// chunk followed by a final envelope without output.
type JobResult struct {
	JobID     string          `json:"job_id"`
	Sequence  int             `json:"sequence"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Final     bool            `json:"final"`
	Timestamp time.Time       `json:"timestamp"`
}

// CancelRequest asks the worker to abandon an in-flight job.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

const (
	SubjectJobs       = "tts.jobs"
	SubjectJobsCancel = "tts.jobs.cancel"
)
