// Package worker runs the background conversion pipeline: claim a job,
// decode its DICOM series, extract a mesh and preview, upload the artifacts
// and record the outcome. Workers coordinate only through the persisted job
// record; there is no shared in-memory queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"dicom2mesh/config"
	"dicom2mesh/dicom"
	"dicom2mesh/mesh"
	"dicom2mesh/models"
	"dicom2mesh/strategy"
)

// JobRepository is the persistence contract the pool needs. Implemented by
// services.JobService over Postgres.
type JobRepository interface {
	ClaimNext(ctx context.Context, lease time.Duration) (*models.ConversionJob, error)
	MarkSucceeded(ctx context.Context, jobID string, artifact *models.Artifact) (*models.Artifact, error)
	MarkFailed(ctx context.Context, jobID, reason, detail string) error
	Release(ctx context.Context, jobID string) error
	DicomKeys(ctx context.Context, dicomID int64) ([]string, error)
}

// StorageGateway is the blob store contract. Implemented by
// services.S3Service. Put and Delete must be idempotent for a fixed key.
type StorageGateway interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// StatusPublisher mirrors transitions for cheap client polling. Advisory
// only; errors are logged, never acted on.
type StatusPublisher interface {
	Publish(ctx context.Context, jobID, status, errorReason string) error
}

// KeyBuilder derives the deterministic object keys for a job's artifacts.
// Determinism is what makes a duplicate upload after stale-lease reclaim
// overwrite rather than orphan.
type KeyBuilder func(job *models.ConversionJob) (meshKey, previewKey string)

type Pool struct {
	cfg     *config.Config
	repo    JobRepository
	store   StorageGateway
	status  StatusPublisher
	factory *strategy.Factory
	keys    KeyBuilder
	log     *zap.SugaredLogger

	// decode is swapped for a stub in tests.
	decode func([][]byte) (*dicom.Volume, error)
}

func NewPool(cfg *config.Config, repo JobRepository, store StorageGateway,
	status StatusPublisher, factory *strategy.Factory, keys KeyBuilder, log *zap.SugaredLogger) *Pool {
	return &Pool{
		cfg:     cfg,
		repo:    repo,
		store:   store,
		status:  status,
		factory: factory,
		keys:    keys,
		log:     log,
		decode:  dicom.DecodeSeries,
	}
}

// StartWorker claims and processes jobs until ctx is cancelled. Each worker
// runs one job to completion before claiming the next.
func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.log.With("worker", workerID)
	log.Info("starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		default:
		}

		job, err := p.repo.ClaimNext(ctx, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Errorw("claim failed", "error", err)
			p.sleep(ctx, 5*time.Second)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.ClaimInterval)
			continue
		}

		p.processJob(ctx, log.With("job_id", job.ID, "dicom_id", job.DicomID), job)
	}
}

func (p *Pool) processJob(ctx context.Context, log *zap.SugaredLogger, job *models.ConversionJob) {
	log.Infow("processing conversion", "format", job.FileFormat)
	p.publish(job.ID, models.StatusProcessing, "")

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	artifact, uploaded, err := p.runPipeline(jobCtx, job)
	if err == nil {
		stored, err := p.repo.MarkSucceeded(ctx, job.ID, artifact)
		if err != nil {
			// The objects are up but the record is not: roll back so no
			// artifact is referenced by a non-terminal job.
			p.rollback(log, uploaded)
			p.fail(log, job, classify(err), err)
			return
		}
		p.publish(job.ID, models.StatusSucceeded, "")
		log.Infow("conversion succeeded",
			"artifact_id", stored.ID, "version", stored.Version, "duration", time.Since(start))
		return
	}

	// Every failure path deletes partial uploads before the terminal state
	// is recorded, so a FAILED job leaves no orphan objects.
	p.rollback(log, uploaded)

	switch {
	case ctx.Err() != nil:
		// Shutdown mid-job: hand the job back instead of failing it.
		p.release(log, job)
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		// The job context expired. The pipeline error itself may be an
		// opaque wrapper from the storage SDK, so the context is what
		// decides this was a timeout.
		p.handleTimeout(log, job)
	default:
		p.fail(log, job, classify(err), err)
	}
}

// runPipeline executes decode -> strategy -> mesh -> preview -> upload and
// returns the artifact plus every key uploaded so far (for rollback).
func (p *Pool) runPipeline(ctx context.Context, job *models.ConversionJob) (*models.Artifact, []string, error) {
	if job.FileFormat != models.FormatSTL {
		return nil, nil, &models.UnsupportedFormatError{Format: string(job.FileFormat)}
	}

	keys, err := p.repo.DicomKeys(ctx, job.DicomID)
	if err != nil {
		// A repository read fault is an infrastructure failure, never a
		// generation one.
		return nil, nil, &models.StorageError{Op: "lookup", Key: fmt.Sprintf("dicom:%d", job.DicomID), Err: err}
	}
	if len(keys) == 0 {
		return nil, nil, &models.DecodeError{Detail: fmt.Sprintf("dicom record %d has no stored files", job.DicomID)}
	}

	buffers := make([][]byte, 0, len(keys))
	for _, key := range keys {
		buf, err := p.getWithRetry(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		buffers = append(buffers, buf)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	vol, err := p.decode(buffers)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := p.factory.Select(vol)
	if err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m, err := p.generateMesh(vol, cfg)
	if err != nil {
		return nil, nil, err
	}

	stlBytes, err := mesh.EncodeSTL(m)
	if err != nil {
		return nil, nil, &models.GenerationError{Detail: err.Error()}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	meshKey, previewKey := p.keys(job)
	var uploaded []string
	if _, err := p.putWithRetry(ctx, meshKey, stlBytes, "model/stl"); err != nil {
		return nil, uploaded, err
	}
	uploaded = append(uploaded, meshKey)

	artifact := &models.Artifact{
		DicomID:    job.DicomID,
		FileFormat: string(job.FileFormat),
		MeshKey:    meshKey,
		FileSize:   int64(len(stlBytes)),
	}

	// Previews are cosmetic: neither extraction nor upload failure may fail
	// the job.
	if png, _ := dicom.ExtractPreview(vol, cfg.PreviewFrame); png != nil {
		if _, err := p.putWithRetry(ctx, previewKey, png, "image/png"); err == nil {
			uploaded = append(uploaded, previewKey)
			artifact.PreviewKey = previewKey
		} else {
			p.log.Warnw("preview upload failed, continuing without", "job_id", job.ID, "error", err)
		}
	}

	return artifact, uploaded, nil
}

// generateMesh runs iso-surface extraction in world units. Single-frame
// input is extruded to a thin capped slab so both paths share the extractor.
func (p *Pool) generateMesh(vol *dicom.Volume, cfg strategy.Config) (*mesh.Mesh, error) {
	var (
		grid  []float64
		depth int
	)
	if vol.Is3D() {
		grid = make([]float64, 0, vol.Depth()*vol.Rows*vol.Cols)
		for _, frame := range vol.Frames {
			grid = append(grid, frame...)
		}
		depth = vol.Depth()
	} else {
		grid = mesh.ExtrudeSingleSlice(vol.Frames[0], cfg.IsoLevel)
		depth = 4
	}

	mc := mesh.NewMarchingCubes(grid, vol.Cols, vol.Rows, depth, cfg.IsoLevel)
	mc.SetScale(cfg.ScaleX, cfg.ScaleY, cfg.ScaleZ)
	return mc.Extract()
}

func (p *Pool) handleTimeout(log *zap.SugaredLogger, job *models.ConversionJob) {
	if p.cfg.TimeoutPolicy == config.TimeoutRequeue {
		log.Warnw("job timed out, releasing for retry", "timeout", p.cfg.JobTimeout)
		p.release(log, job)
		return
	}
	p.fail(log, job, models.ReasonTimeout, &models.TimeoutError{Limit: p.cfg.JobTimeout})
}

func (p *Pool) fail(log *zap.SugaredLogger, job *models.ConversionJob, reason string, cause error) {
	log.Errorw("conversion failed", "reason", reason, "error", cause)
	// Use a fresh context: the job context may already be dead.
	markCtx, cancel := detachedContext()
	defer cancel()
	if err := p.repo.MarkFailed(markCtx, job.ID, reason, cause.Error()); err != nil {
		var ite *models.InvalidTransitionError
		if errors.As(err, &ite) {
			// Defect or race signal, never swallowed.
			log.Errorw("illegal transition while failing job", "error", ite)
			return
		}
		log.Errorw("failed to record failure", "error", err)
		return
	}
	p.publish(job.ID, models.StatusFailed, reason)
}

func (p *Pool) release(log *zap.SugaredLogger, job *models.ConversionJob) {
	markCtx, cancel := detachedContext()
	defer cancel()
	if err := p.repo.Release(markCtx, job.ID); err != nil {
		log.Errorw("failed to release job", "error", err)
		return
	}
	p.publish(job.ID, models.StatusPending, "")
}

// rollback deletes uploaded objects best-effort before a failure is
// recorded. Deletes run on a fresh context since the job's own context is
// typically what failed.
func (p *Pool) rollback(log *zap.SugaredLogger, uploadedKeys []string) {
	if len(uploadedKeys) == 0 {
		return
	}
	ctx, cancel := detachedContext()
	defer cancel()
	for _, key := range uploadedKeys {
		if err := p.store.Delete(ctx, key); err != nil {
			log.Errorw("rollback delete failed", "key", key, "error", err)
		} else {
			log.Infow("rolled back upload", "key", key)
		}
	}
}

func (p *Pool) putWithRetry(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.StorageRetries; attempt++ {
		if attempt > 0 {
			p.sleep(ctx, backoff(attempt))
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
		url, err := p.store.Put(ctx, key, body, contentType)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (p *Pool) getWithRetry(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.StorageRetries; attempt++ {
		if attempt > 0 {
			p.sleep(ctx, backoff(attempt))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		buf, err := p.store.Get(ctx, key)
		if err == nil {
			return buf, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// retryable: only storage faults are worth another attempt, and not when
// the underlying cause is the job's own context.
func retryable(err error) bool {
	var se *models.StorageError
	return errors.As(err, &se) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// classify maps a pipeline error to its stable reason code.
func classify(err error) string {
	var (
		decodeErr     *models.DecodeError
		modalityErr   *models.UnsupportedModalityError
		formatErr     *models.UnsupportedFormatError
		generationErr *models.GenerationError
		storageErr    *models.StorageError
		timeoutErr    *models.TimeoutError
		transitionErr *models.InvalidTransitionError
	)
	switch {
	case errors.As(err, &decodeErr):
		return models.ReasonDecode
	case errors.As(err, &modalityErr):
		return models.ReasonModality
	case errors.As(err, &formatErr):
		return models.ReasonUnsupported
	case errors.As(err, &generationErr):
		return models.ReasonGenerate
	case errors.As(err, &storageErr):
		return models.ReasonStorage
	case errors.As(err, &transitionErr):
		return models.ReasonTransition
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return models.ReasonTimeout
	default:
		return models.ReasonGenerate
	}
}

func (p *Pool) publish(jobID string, status models.Status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.status.Publish(ctx, jobID, string(status), reason); err != nil {
		p.log.Warnw("status mirror update failed", "job_id", jobID, "error", err)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// detachedContext gives terminal-state writes and rollback deletes a bounded
// lifetime independent of the (possibly expired) job context.
func detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
