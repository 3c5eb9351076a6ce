package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dicom2mesh/config"
	"dicom2mesh/dicom"
	"dicom2mesh/models"
	"dicom2mesh/strategy"
)

type fakeRepo struct {
	mu    sync.Mutex
	queue []*models.ConversionJob

	dicomKeys []string
	keysErr   error

	succeeded        map[string]*models.Artifact
	failed           map[string][2]string
	released         map[string]bool
	claimed          []string
	markSucceededErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		dicomKeys: []string{"dicom/42/0.dcm"},
		succeeded: make(map[string]*models.Artifact),
		failed:    make(map[string][2]string),
		released:  make(map[string]bool),
	}
}

func (r *fakeRepo) ClaimNext(ctx context.Context, lease time.Duration) (*models.ConversionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, nil
	}
	job := r.queue[0]
	r.queue = r.queue[1:]
	r.claimed = append(r.claimed, job.ID)
	job.Status = models.StatusProcessing
	return job, nil
}

func (r *fakeRepo) MarkSucceeded(ctx context.Context, jobID string, artifact *models.Artifact) (*models.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markSucceededErr != nil {
		return nil, r.markSucceededErr
	}
	stored := *artifact
	stored.ID = int64(len(r.succeeded) + 1)
	stored.Version = 1
	r.succeeded[jobID] = &stored
	return &stored, nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, jobID, reason, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[jobID] = [2]string{reason, detail}
	return nil
}

func (r *fakeRepo) Release(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[jobID] = true
	return nil
}

func (r *fakeRepo) DicomKeys(ctx context.Context, dicomID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keysErr != nil {
		return nil, r.keysErr
	}
	return r.dicomKeys, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string

	putHook func(key string) error
	getHook func(ctx context.Context, key string) ([]byte, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	hook := s.putHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return "s3://test/" + key, nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	hook := s.getHook
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if hook != nil {
		return hook(ctx, key)
	}
	if !ok {
		return []byte("raw dicom bytes"), nil
	}
	return obj, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type fakeStatus struct {
	mu      sync.Mutex
	updates [][3]string
}

func (f *fakeStatus) Publish(ctx context.Context, jobID, status, errorReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, [3]string{jobID, status, errorReason})
	return nil
}

func (f *fakeStatus) last() [3]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return [3]string{}
	}
	return f.updates[len(f.updates)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerCount:    1,
		ClaimInterval:  10 * time.Millisecond,
		LeaseDuration:  time.Minute,
		JobTimeout:     5 * time.Second,
		TimeoutPolicy:  config.TimeoutFail,
		StorageRetries: 0,
	}
}

func testKeys(job *models.ConversionJob) (string, string) {
	return fmt.Sprintf("meshes/%d/%s.stl", job.DicomID, job.ID),
		fmt.Sprintf("previews/%d/%s.png", job.DicomID, job.ID)
}

func newTestPool(cfg *config.Config, repo *fakeRepo, store *fakeStore, status *fakeStatus) *Pool {
	return NewPool(cfg, repo, store, status,
		strategy.NewFactory(strategy.DefaultParams()), testKeys, zap.NewNop().Sugar())
}

// sphereVolume returns a 10-frame MR volume holding a binary sphere, enough
// structure for extraction and preview alike.
func sphereVolume() *dicom.Volume {
	size, depth := 16, 10
	frames := make([][]float64, depth)
	for z := range frames {
		f := make([]float64, size*size)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - 8
				dy := float64(y) - 8
				dz := float64(z) - 5
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < 4 {
					f[y*size+x] = 1.0
				}
			}
		}
		frames[z] = f
	}
	return &dicom.Volume{
		Frames:          frames,
		Rows:            size,
		Cols:            size,
		Modality:        "MR",
		PixelSpacingRow: 1,
		PixelSpacingCol: 1,
		SliceSpacing:    1,
		OrderedByPos:    true,
	}
}

func testJob() *models.ConversionJob {
	return &models.ConversionJob{
		ID:         "job-1",
		DicomID:    42,
		Status:     models.StatusProcessing,
		FileFormat: models.FormatSTL,
	}
}

func TestProcessJob_Success(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	status := &fakeStatus{}
	pool := newTestPool(testConfig(), repo, store, status)
	pool.decode = func([][]byte) (*dicom.Volume, error) { return sphereVolume(), nil }

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	artifact := repo.succeeded[job.ID]
	if artifact == nil {
		t.Fatalf("job not marked succeeded; failed=%v", repo.failed)
	}
	if artifact.Version != 1 {
		t.Errorf("expected version 1, got %d", artifact.Version)
	}
	if artifact.MeshKey != "meshes/42/job-1.stl" {
		t.Errorf("unexpected mesh key %q", artifact.MeshKey)
	}
	if artifact.PreviewKey != "previews/42/job-1.png" {
		t.Errorf("unexpected preview key %q", artifact.PreviewKey)
	}
	if artifact.FileSize <= 84 {
		t.Errorf("implausible STL size %d", artifact.FileSize)
	}
	if !store.has(artifact.MeshKey) || !store.has(artifact.PreviewKey) {
		t.Error("expected mesh and preview objects in the store")
	}
	if got := status.last(); got[1] != string(models.StatusSucceeded) {
		t.Errorf("expected final status succeeded, got %v", got)
	}
}

func TestProcessJob_DecodeFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	status := &fakeStatus{}
	pool := newTestPool(testConfig(), repo, store, status)
	pool.decode = func([][]byte) (*dicom.Volume, error) {
		return nil, &models.DecodeError{Detail: "instance 0", Err: errors.New("bad magic word")}
	}

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	if reason := repo.failed[job.ID][0]; reason != models.ReasonDecode {
		t.Fatalf("expected reason %q, got %q", models.ReasonDecode, reason)
	}
	if store.count() != 0 {
		t.Errorf("decode failure must leave no stored objects, found %d", store.count())
	}
	if got := status.last(); got[1] != string(models.StatusFailed) || got[2] != models.ReasonDecode {
		t.Errorf("expected failed/decode_error status, got %v", got)
	}
}

func TestProcessJob_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	pool := newTestPool(testConfig(), repo, store, &fakeStatus{})
	pool.decode = func([][]byte) (*dicom.Volume, error) {
		t.Fatal("decode must not run for an unsupported format")
		return nil, nil
	}

	job := testJob()
	job.FileFormat = models.FormatOBJ
	pool.processJob(context.Background(), pool.log, job)

	if reason := repo.failed[job.ID][0]; reason != models.ReasonUnsupported {
		t.Fatalf("expected reason %q, got %q", models.ReasonUnsupported, reason)
	}
}

func TestProcessJob_UnsupportedModality(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	pool := NewPool(testConfig(), repo, store, &fakeStatus{},
		strategy.NewFactory(strategy.Params{IsoLevels: map[string]float64{"CT": 300}}),
		testKeys, zap.NewNop().Sugar())
	pool.decode = func([][]byte) (*dicom.Volume, error) {
		vol := sphereVolume()
		vol.Modality = "XA"
		return vol, nil
	}

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	if reason := repo.failed[job.ID][0]; reason != models.ReasonModality {
		t.Fatalf("expected reason %q, got %q", models.ReasonModality, reason)
	}
	if store.count() != 0 {
		t.Errorf("expected no stored objects, found %d", store.count())
	}
}

func TestProcessJob_MeshUploadFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	store.putHook = func(key string) error {
		return &models.StorageError{Op: "put", Key: key, Err: errors.New("bucket gone")}
	}
	pool := newTestPool(testConfig(), repo, store, &fakeStatus{})
	pool.decode = func([][]byte) (*dicom.Volume, error) { return sphereVolume(), nil }

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	if reason := repo.failed[job.ID][0]; reason != models.ReasonStorage {
		t.Fatalf("expected reason %q, got %q", models.ReasonStorage, reason)
	}
	if store.count() != 0 {
		t.Errorf("expected no stored objects, found %d", store.count())
	}
}

func TestProcessJob_PreviewUploadFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	store.putHook = func(key string) error {
		if key == "previews/42/job-1.png" {
			return &models.StorageError{Op: "put", Key: key, Err: errors.New("throttled")}
		}
		return nil
	}
	pool := newTestPool(testConfig(), repo, store, &fakeStatus{})
	pool.decode = func([][]byte) (*dicom.Volume, error) { return sphereVolume(), nil }

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	artifact := repo.succeeded[job.ID]
	if artifact == nil {
		t.Fatalf("preview failure must not fail the job; failed=%v", repo.failed)
	}
	if artifact.PreviewKey != "" {
		t.Errorf("artifact should have no preview key, got %q", artifact.PreviewKey)
	}
	if !store.has(artifact.MeshKey) {
		t.Error("mesh object missing")
	}
}

func TestProcessJob_RollbackWhenRecordingFails(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.markSucceededErr = &models.StorageError{Op: "tx", Err: errors.New("db down")}
	store := newFakeStore()
	pool := newTestPool(testConfig(), repo, store, &fakeStatus{})
	pool.decode = func([][]byte) (*dicom.Volume, error) { return sphereVolume(), nil }

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	// Uploaded objects must be deleted so no artifact outlives a failed job.
	if store.count() != 0 {
		t.Errorf("expected rollback to remove all objects, %d remain", store.count())
	}
	store.mu.Lock()
	deleted := len(store.deleted)
	store.mu.Unlock()
	if deleted != 2 {
		t.Errorf("expected mesh and preview deletes, got %d", deleted)
	}
	if _, ok := repo.failed[job.ID]; !ok {
		t.Error("job not marked failed")
	}
}

func TestProcessJob_TimeoutFailPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond

	repo := newFakeRepo()
	store := newFakeStore()
	store.getHook = func(ctx context.Context, key string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	status := &fakeStatus{}
	pool := newTestPool(cfg, repo, store, status)

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	if reason := repo.failed[job.ID][0]; reason != models.ReasonTimeout {
		t.Fatalf("expected reason %q, got %q", models.ReasonTimeout, reason)
	}
	if repo.released[job.ID] {
		t.Error("fail policy must not release the job")
	}
}

func TestProcessJob_TimeoutRequeuePolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.TimeoutPolicy = config.TimeoutRequeue

	repo := newFakeRepo()
	store := newFakeStore()
	store.getHook = func(ctx context.Context, key string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	pool := newTestPool(cfg, repo, store, &fakeStatus{})

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	if !repo.released[job.ID] {
		t.Fatal("requeue policy must release the job")
	}
	if _, failed := repo.failed[job.ID]; failed {
		t.Error("requeued job must not be marked failed")
	}
}

func TestProcessJob_TimeoutWithOpaqueStorageError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond

	repo := newFakeRepo()
	store := newFakeStore()
	// An SDK error that does not unwrap to the context deadline; the expired
	// job context must still classify this run as a timeout.
	store.getHook = func(ctx context.Context, key string) ([]byte, error) {
		<-ctx.Done()
		return nil, &models.StorageError{Op: "get", Key: key, Err: errors.New("request aborted")}
	}
	pool := newTestPool(cfg, repo, store, &fakeStatus{})

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	if reason := repo.failed[job.ID][0]; reason != models.ReasonTimeout {
		t.Fatalf("expected reason %q, got %q", models.ReasonTimeout, reason)
	}
}

func TestProcessJob_SourceLookupFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.keysErr = errors.New("connection refused")
	store := newFakeStore()
	pool := newTestPool(testConfig(), repo, store, &fakeStatus{})

	job := testJob()
	pool.processJob(context.Background(), pool.log, job)

	// A repository read fault is infrastructure, not a generation defect.
	if reason := repo.failed[job.ID][0]; reason != models.ReasonStorage {
		t.Fatalf("expected reason %q, got %q", models.ReasonStorage, reason)
	}
	if store.count() != 0 {
		t.Errorf("expected no stored objects, found %d", store.count())
	}
}

func TestProcessJob_ShutdownReleasesJob(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := newFakeStore()
	store.getHook = func(ctx context.Context, key string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	pool := newTestPool(testConfig(), repo, store, &fakeStatus{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	job := testJob()
	pool.processJob(ctx, pool.log, job)

	if !repo.released[job.ID] {
		t.Fatal("shutdown mid-job must release the job back to pending")
	}
	if _, failed := repo.failed[job.ID]; failed {
		t.Error("released job must not be marked failed")
	}
}

func TestStartWorker_DrainsQueueOnce(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		repo.queue = append(repo.queue, &models.ConversionJob{
			ID:         fmt.Sprintf("job-%d", i),
			DicomID:    int64(i),
			Status:     models.StatusPending,
			FileFormat: models.FormatSTL,
		})
	}

	var processed sync.Map
	pool := newTestPool(testConfig(), repo, newFakeStore(), &fakeStatus{})
	pool.decode = func([][]byte) (*dicom.Volume, error) { return sphereVolume(), nil }

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pool.StartWorker(ctx, id)
		}(w)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		repo.mu.Lock()
		done := len(repo.succeeded) == jobs
		repo.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.succeeded) != jobs {
		t.Fatalf("expected %d completed jobs, got %d", jobs, len(repo.succeeded))
	}
	// Every job claimed exactly once.
	for _, id := range repo.claimed {
		if _, dup := processed.LoadOrStore(id, true); dup {
			t.Fatalf("job %s claimed twice", id)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{&models.DecodeError{Detail: "x"}, models.ReasonDecode},
		{&models.UnsupportedModalityError{Modality: "XA"}, models.ReasonModality},
		{&models.UnsupportedFormatError{Format: "ply"}, models.ReasonUnsupported},
		{&models.GenerationError{Detail: "x"}, models.ReasonGenerate},
		{&models.StorageError{Op: "put"}, models.ReasonStorage},
		{&models.InvalidTransitionError{JobID: "j"}, models.ReasonTransition},
		{&models.TimeoutError{Limit: time.Second}, models.ReasonTimeout},
		{context.DeadlineExceeded, models.ReasonTimeout},
		{errors.New("anything else"), models.ReasonGenerate},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !retryable(&models.StorageError{Op: "put", Err: errors.New("503")}) {
		t.Error("transient storage error should be retryable")
	}
	if retryable(&models.StorageError{Op: "put", Err: context.DeadlineExceeded}) {
		t.Error("context-caused storage error must not be retryable")
	}
	if retryable(&models.DecodeError{Detail: "x"}) {
		t.Error("decode errors must not be retryable")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	if backoff(1) != 2*time.Second {
		t.Errorf("backoff(1) = %v", backoff(1))
	}
	if backoff(3) != 8*time.Second {
		t.Errorf("backoff(3) = %v", backoff(3))
	}
	if backoff(10) != 30*time.Second {
		t.Errorf("backoff must cap at 30s, got %v", backoff(10))
	}
}
