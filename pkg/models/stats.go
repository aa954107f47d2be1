package models

import (
	"time"
)

// RunStats summarizes one crawl run. It is produced when the run's context is
// closed and is what the run metadata layer reports as job health.
type RunStats struct {
	RunID            string         `json:"run_id"`
	Dataset          string         `json:"dataset"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at"`
	Statements       int64          `json:"statements"`
	Entities         int64          `json:"entities"`
	Targets          int64          `json:"targets"`
	ValidationErrors int64          `json:"validation_errors"`
	Resources        int64          `json:"resources"`
	Failed           bool           `json:"failed"`
	Errors           []string       `json:"errors,omitempty"`
	SchemaCounts     map[string]int `json:"schema_counts,omitempty"`
}

// Duration returns how long the run took.
func (s RunStats) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// ExportStats summarizes one export pass.
type ExportStats struct {
	Dataset         string         `json:"dataset,omitempty"`
	Entities        int64          `json:"entities"`
	Statements      int64          `json:"statements"`
	SchemaConflicts int64          `json:"schema_conflicts"`
	Sinks           map[string]int `json:"sinks"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
}
