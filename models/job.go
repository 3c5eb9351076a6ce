package models

import "time"

// Status is the lifecycle state of a conversion job. Transitions are
// monotonic over a fixed graph; see CanTransition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from -> to is legal:
//
//	pending    -> processing | cancelled
//	processing -> succeeded | failed | pending (lease-expiry reclaim only)
//
// Everything else is rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusSucceeded || to == StatusFailed || to == StatusPending
	default:
		return false
	}
}

// FileFormat is the requested artifact format. Only STL is generated today;
// the other values are accepted on the job record for forward compatibility
// and rejected at processing time.
type FileFormat string

const (
	FormatSTL FileFormat = "stl"
	FormatOBJ FileFormat = "obj"
	FormatPLY FileFormat = "ply"
)

// ConversionJob is the persisted record coordinating the pipeline. Owned by
// the job service; workers never mutate it directly.
type ConversionJob struct {
	ID          string     `json:"id"`
	DicomID     int64      `json:"dicomId"`
	ProfessorID int64      `json:"professorId"`
	Status      Status     `json:"status"`
	FileFormat  FileFormat `json:"fileFormat"`
	ArtifactID  *int64     `json:"artifactId,omitempty"`
	ErrorReason string     `json:"errorReason,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
	LeaseExpiry *time.Time `json:"leaseExpiry,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Artifact is the versioned record of a stored mesh. Versions are assigned
// only when a job succeeds, so failed jobs never consume a version number.
type Artifact struct {
	ID         int64     `json:"id"`
	DicomID    int64     `json:"dicomId"`
	Version    int       `json:"version"`
	FileFormat string    `json:"fileFormat"`
	MeshKey    string    `json:"meshKey"`
	PreviewKey string    `json:"previewKey,omitempty"`
	FileSize   int64     `json:"fileSize"`
	CreatedAt  time.Time `json:"createdAt"`
}
