package models

import "time"

type WorkerStatus string

const (
	WorkerIdle  WorkerStatus = "idle"
	WorkerBusy  WorkerStatus = "busy"
	WorkerError WorkerStatus = "error"
)

// Worker is the heartbeat record a worker keeps refreshed in the store.
type Worker struct {
	ID           string       `json:"id"`
	Status       WorkerStatus `json:"status"`
	CurrentJobID string       `json:"currentJobId,omitempty"`
	LastActive   time.Time    `json:"lastActive"`
	StartedAt    time.Time    `json:"startedAt"`
	Processed    int          `json:"processed"`
	LastError    string       `json:"lastError,omitempty"`
}
