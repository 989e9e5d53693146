package models

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is a sub-phase of PROCESSING.
type Stage string

const (
	StageValidating Stage = "validating"
	StageConverting Stage = "converting"
	StageRetrying   Stage = "retrying"
)

type ErrorCode string

const (
	CodeInvalidFile ErrorCode = "E_INVALID_FILE"
	CodeTimeout     ErrorCode = "E_TIMEOUT"
	CodeNoOutput    ErrorCode = "E_NO_OUTPUT"
	CodeUnknown     ErrorCode = "E_UNKNOWN"
)

type ConversionJob struct {
	JobID        string     `json:"jobId"`
	UserID       string     `json:"userId"`
	SourceFile   string     `json:"sourceFile"`
	FileName     string     `json:"fileName,omitempty"`
	SourceFormat string     `json:"sourceFormat"`
	TargetFormat string     `json:"targetFormat"`
	SourceSize   int64      `json:"sourceSize"`
	Status       JobStatus  `json:"status"`
	Stage        Stage      `json:"stage,omitempty"`
	Priority     int        `json:"priority"`
	IsPremium    bool       `json:"isPremium"`
	Attempts     int        `json:"attempts"`
	WorkerID     string     `json:"workerId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorCode    ErrorCode  `json:"errorCode,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type QueueItem struct {
	JobID      string    `json:"jobId"`
	Priority   int       `json:"priority"`
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type ConversionResult struct {
	JobID       string                 `json:"jobId"`
	Status      JobStatus              `json:"status"`
	ResultURL   string                 `json:"resultUrl,omitempty"`
	CDNURL      string                 `json:"cdnUrl,omitempty"`
	FileID      string                 `json:"fileId,omitempty"`
	ResultSize  int64                  `json:"resultSize,omitempty"`
	ErrorCode   ErrorCode              `json:"errorCode,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt time.Time              `json:"completedAt"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}
