package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"dicom2mesh/models"
)

// JobService owns every mutation of conversion job and artifact rows. The
// database is the only coordination point between workers: claims are a
// single conditional update, so two concurrent claimers can never receive
// the same job.
type JobService struct {
	db *sql.DB
}

func NewJobService(databaseURL string) (*JobService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &JobService{db: db}, nil
}

const jobColumns = `id, dicom_id, professor_id, status, file_format, artifact_id,
	error_reason, error_message, lease_expires_at, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a PENDING job for a DICOM source and returns its id.
func (s *JobService) CreateJob(ctx context.Context, dicomID, professorID int64, format models.FileFormat) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversion_jobs (id, dicom_id, professor_id, status, file_format, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		id, dicomID, professorID, models.StatusPending, format, now)
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	return id, nil
}

// GetJob fetches a single job row.
func (s *JobService) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNext atomically claims one runnable job: a PENDING one, or a
// PROCESSING one whose lease has expired (stale-worker reclaim, the system's
// sole recovery mechanism). The claimed job moves to PROCESSING with a fresh
// lease. FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever
// selecting the same row. Returns (nil, nil) when no job is runnable.
func (s *JobService) ClaimNext(ctx context.Context, lease time.Duration) (*models.ConversionJob, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE conversion_jobs SET
			status = $1,
			lease_expires_at = $2,
			started_at = COALESCE(started_at, $3),
			updated_at = $3
		WHERE id = (
			SELECT id FROM conversion_jobs
			WHERE status = $4
			   OR (status = $1 AND lease_expires_at < $3)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		models.StatusProcessing, now.Add(lease), now, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// MarkSucceeded records the artifact and flips the job to SUCCEEDED in one
// transaction. The artifact version is max(version)+1 over the source DICOM,
// computed under a per-source advisory lock, so versions for a source
// strictly increase and failed jobs never consume one.
func (s *JobService) MarkSucceeded(ctx context.Context, jobID string, artifact *models.Artifact) (*models.Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Concurrent inserts do not see each other's uncommitted rows, so the
	// MAX(version) subselect alone would hand two finishing workers the same
	// number. The advisory lock serializes version assignment per source and
	// is released at commit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, artifact.DicomID); err != nil {
		return nil, fmt.Errorf("locking version sequence for dicom %d: %w", artifact.DicomID, err)
	}

	now := time.Now()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO artifacts_3d (dicom_id, version, file_format, mesh_key, preview_key, file_size, created_at)
		VALUES ($1,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts_3d WHERE dicom_id = $1),
			$2, $3, $4, $5, $6)
		RETURNING id, version`,
		artifact.DicomID, artifact.FileFormat, artifact.MeshKey,
		nullString(artifact.PreviewKey), artifact.FileSize, now).
		Scan(&artifact.ID, &artifact.Version)
	if err != nil {
		return nil, fmt.Errorf("inserting artifact: %w", err)
	}
	artifact.CreatedAt = now

	if err := s.transition(ctx, tx, jobID, models.StatusProcessing, models.StatusSucceeded, func(q string, args []interface{}) (string, []interface{}) {
		q += fmt.Sprintf(", artifact_id = $%d, completed_at = $%d", len(args)+1, len(args)+2)
		return q, append(args, artifact.ID, now)
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return artifact, nil
}

// MarkFailed flips a PROCESSING job to FAILED with a stable reason code and
// human-readable detail. Rollback of uploaded objects is the caller's duty
// and must happen before this call.
func (s *JobService) MarkFailed(ctx context.Context, jobID, reason, detail string) error {
	now := time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transition(ctx, tx, jobID, models.StatusProcessing, models.StatusFailed, func(q string, args []interface{}) (string, []interface{}) {
			q += fmt.Sprintf(", error_reason = $%d, error_message = $%d, completed_at = $%d", len(args)+1, len(args)+2, len(args)+3)
			return q, append(args, reason, detail, now)
		})
	})
}

// Cancel moves a PENDING job to CANCELLED. A job already claimed runs to
// completion; cancellation is only observable before the claim.
func (s *JobService) Cancel(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transition(ctx, tx, jobID, models.StatusPending, models.StatusCancelled, nil)
	})
}

// Release returns a PROCESSING job to PENDING, clearing its lease. Used by
// the requeue-on-timeout policy.
func (s *JobService) Release(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transition(ctx, tx, jobID, models.StatusProcessing, models.StatusPending, func(q string, args []interface{}) (string, []interface{}) {
			return q + ", lease_expires_at = NULL", args
		})
	})
}

// transition performs a guarded state change: a conditional update that only
// matches when the job is still in the expected state. When nothing matches
// and the job exists, the stored status is untouched and the caller gets an
// InvalidTransitionError carrying the actual state.
func (s *JobService) transition(ctx context.Context, tx *sql.Tx, jobID string,
	from, to models.Status, extend func(string, []interface{}) (string, []interface{})) error {

	query := `UPDATE conversion_jobs SET status = $1, updated_at = $2`
	args := []interface{}{to, time.Now()}
	if extend != nil {
		query, args = extend(query, args)
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, len(args)+1, len(args)+2)
	args = append(args, jobID, from)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}
	if n == 1 {
		return nil
	}

	var current models.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversion_jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("reading job %s: %w", jobID, err)
	}
	return &models.InvalidTransitionError{JobID: jobID, From: current, To: to}
}

// DicomKeys returns the object store keys of a DICOM series, in the order
// they were uploaded. The dicom_records table is owned by the CRUD layer;
// this is a read-only view of it.
func (s *JobService) DicomKeys(ctx context.Context, dicomID int64) ([]string, error) {
	var keys pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT s3_keys FROM dicom_records WHERE id = $1`, dicomID).Scan(&keys)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dicom record %d not found", dicomID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading dicom record %d: %w", dicomID, err)
	}
	return keys, nil
}

// ListArtifacts returns the artifact history for a DICOM source, newest
// version first.
func (s *JobService) ListArtifacts(ctx context.Context, dicomID int64) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dicom_id, version, file_format, mesh_key, preview_key, file_size, created_at
		FROM artifacts_3d WHERE dicom_id = $1 ORDER BY version DESC`, dicomID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var preview sql.NullString
		if err := rows.Scan(&a.ID, &a.DicomID, &a.Version, &a.FileFormat, &a.MeshKey, &preview, &a.FileSize, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		a.PreviewKey = preview.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *JobService) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *JobService) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var j models.ConversionJob
	var artifactID sql.NullInt64
	var reason, detail sql.NullString
	var lease, started, completed sql.NullTime

	err := row.Scan(&j.ID, &j.DicomID, &j.ProfessorID, &j.Status, &j.FileFormat,
		&artifactID, &reason, &detail, &lease, &j.CreatedAt, &j.UpdatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if artifactID.Valid {
		j.ArtifactID = &artifactID.Int64
	}
	j.ErrorReason = reason.String
	j.ErrorDetail = detail.String
	if lease.Valid {
		j.LeaseExpiry = &lease.Time
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
