package conversion

import (
	"context"
	"errors"
	"fmt"

	"fileconv/models"
)

var (
	// ErrInvalidRequest is returned by Submit for malformed job descriptors.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrInfected is returned by Submit when the scan verdict is not clean.
	ErrInfected = errors.New("source file failed virus scan")
	// ErrUnsupported marks a (source, target) pair no converter handles.
	ErrUnsupported = errors.New("unsupported conversion")
	// ErrNoOutput is returned when a converter exits cleanly without an artifact.
	ErrNoOutput = errors.New("converter produced no output")
)

// JobError is the failure of one pipeline attempt. Retryable decides whether
// the attempt loop tries again; Code and Message are what the job records.
type JobError struct {
	Code      models.ErrorCode
	Message   string
	Retryable bool
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *JobError) Unwrap() error { return e.Err }

func fatal(code models.ErrorCode, format string, args ...interface{}) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func retryable(code models.ErrorCode, err error, format string, args ...interface{}) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true, Err: err}
}

// classify maps an arbitrary converter error to a JobError. attemptCtx is the
// per-attempt context so deadline expiry can be told apart from other faults.
func classify(attemptCtx context.Context, err error) *JobError {
	var jerr *JobError
	if errors.As(err, &jerr) {
		return jerr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return retryable(models.CodeTimeout, err, "conversion timed out")
	}
	if errors.Is(err, ErrNoOutput) {
		return retryable(models.CodeNoOutput, err, "conversion produced no output")
	}
	if errors.Is(err, ErrUnsupported) {
		return &JobError{Code: models.CodeInvalidFile, Message: err.Error(), Err: err}
	}
	return retryable(models.CodeUnknown, err, "conversion failed")
}
