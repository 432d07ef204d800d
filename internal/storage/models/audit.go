package models

import (
	"time"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	APIKey    string    `json:"api_key"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	JobName   string    `json:"job_name"`
	Params    string    `json:"params"`
	RunID     string    `json:"run_id,omitempty"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
}

// RunRecord is the outcome of a finished job run
type RunRecord struct {
	RunID       string    `json:"run_id"`
	JobName     string    `json:"job_name"`
	Params      string    `json:"params,omitempty"`
	Status      string    `json:"status"`
	BuildNumber int       `json:"build_number,omitempty"`
	BuildResult string    `json:"build_result,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
