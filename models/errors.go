package models

import (
	"fmt"
	"time"
)

// Reason codes persisted on failed jobs and surfaced to the CRUD layer.
// Raw error detail stays internal.
const (
	ReasonDecode      = "decode_error"
	ReasonModality    = "unsupported_modality"
	ReasonGenerate    = "generate_error"
	ReasonStorage     = "storage_error"
	ReasonTimeout     = "timeout"
	ReasonTransition  = "invalid_transition"
	ReasonUnsupported = "unsupported_format"
)

// DecodeError indicates malformed or unsupported DICOM input. Non-retryable.
type DecodeError struct {
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dicom decode: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("dicom decode: %s", e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedModalityError means no conversion strategy matches the input.
// Non-retryable input error, never a transient fault.
type UnsupportedModalityError struct {
	Modality   string
	Dimensions int
}

func (e *UnsupportedModalityError) Error() string {
	return fmt.Sprintf("no conversion strategy for modality %q (%dD input)", e.Modality, e.Dimensions)
}

// GenerationError indicates mesh extraction failed. Empty reports the
// legitimate no-crossing outcome, as opposed to a generation fault.
type GenerationError struct {
	Detail string
	Empty  bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("mesh generation: %s", e.Detail)
}

// UnsupportedFormatError means the job requested an output format the
// generator does not produce. Non-retryable input error.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("output format %q not supported", e.Format)
}

// StorageError wraps an object store upload or delete failure. Retryable a
// bounded number of times before the job fails terminally.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TimeoutError means processing exceeded the per-job wall-clock budget.
// Terminal or requeued per the configured timeout policy.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("processing exceeded %s", e.Limit)
}

// InvalidTransitionError guards the job state machine. Always a defect or
// race signal; logged and surfaced, never swallowed.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
