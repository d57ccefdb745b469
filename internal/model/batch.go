package model

import "time"

// BatchStatus tracks the lifecycle of an import batch.
type BatchStatus string

const (
	BatchStatusRunning  BatchStatus = "running"
	BatchStatusComplete BatchStatus = "complete"
	BatchStatusFailed   BatchStatus = "failed"
)

// ImportBatch is the persisted summary of one committed unit of work.
type ImportBatch struct {
	BatchID     string      `json:"batch_id"`
	Source      string      `json:"source"`
	Pass        int64       `json:"pass"`
	Status      BatchStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Inserted    int         `json:"inserted"`
	Updated     int         `json:"updated"`
	Duplicates  int         `json:"duplicates"`
	Errored     int         `json:"errored"`
	Error       string      `json:"error,omitempty"`
}

// BatchResult is returned to the caller after a batch submission.
// A failed batch reports its error with zero persisted side effects.
type BatchResult struct {
	BatchID    string        `json:"batch_id"`
	Imported   int           `json:"imported"`
	Updated    int           `json:"updated"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
	Restored   int           `json:"restored"`
	Duration   time.Duration `json:"duration"`
}

// PassSummary aggregates the outcome of one full reconciliation pass.
type PassSummary struct {
	Pass        int64 `json:"pass"`
	Inserted    int   `json:"inserted"`
	Updated     int   `json:"updated"`
	Duplicates  int   `json:"duplicates"`
	Errors      int   `json:"errors"`
	SoftDeleted int   `json:"soft_deleted"`
	Restored    int   `json:"restored"`
}
