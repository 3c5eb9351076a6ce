package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"dicom2mesh/config"
	"dicom2mesh/models"
)

func testS3Config() *config.Config {
	return &config.Config{
		S3Bucket:       "test-bucket",
		S3Region:       "us-east-1",
		AWSS3AccessKey: "test-key",
		AWSS3SecretKey: "test-secret",
		S3Endpoint:     "http://localhost:9000",
		S3UsePathStyle: true,
	}
}

func TestMeshKey(t *testing.T) {
	t.Parallel()

	got := MeshKey(42, "abc-123", models.FormatSTL)
	if got != "meshes/42/abc-123.stl" {
		t.Errorf("unexpected mesh key %q", got)
	}
}

func TestPreviewKey(t *testing.T) {
	t.Parallel()

	got := PreviewKey(42, "abc-123")
	if got != "previews/42/abc-123.png" {
		t.Errorf("unexpected preview key %q", got)
	}
}

func TestKeysAreDeterministic(t *testing.T) {
	t.Parallel()

	// A reclaimed job re-uploads under the same key, overwriting its own
	// earlier partial output instead of orphaning it.
	if MeshKey(7, "j", models.FormatSTL) != MeshKey(7, "j", models.FormatSTL) {
		t.Error("mesh keys must be deterministic")
	}
}

// Presigning is pure request signing, no network involved.
func TestPresignDownload(t *testing.T) {
	t.Parallel()

	svc := NewS3Service(testS3Config())
	url, err := svc.PresignDownload("meshes/42/abc.stl", 15*time.Minute)
	if err != nil {
		t.Fatalf("PresignDownload failed: %v", err)
	}
	if !strings.Contains(url, "meshes/42/abc.stl") {
		t.Errorf("presigned URL missing key: %s", url)
	}
	if !strings.Contains(url, "X-Amz-Signature=") {
		t.Errorf("presigned URL not signed: %s", url)
	}
	if !strings.Contains(url, "test-bucket") {
		t.Errorf("presigned URL missing bucket: %s", url)
	}
}

func TestStatusCache_NilSafe(t *testing.T) {
	t.Parallel()

	var c *StatusCache
	if err := c.Publish(context.Background(), "job-1", "processing", ""); err != nil {
		t.Fatalf("nil cache must be a no-op, got %v", err)
	}

	empty := NewStatusCache(nil)
	if err := empty.Publish(context.Background(), "job-1", "failed", "decode_error"); err != nil {
		t.Fatalf("nil client must be a no-op, got %v", err)
	}
}

func TestStatusKey(t *testing.T) {
	t.Parallel()

	if got := statusKey("abc"); got != "conversion:status:abc" {
		t.Errorf("unexpected status key %q", got)
	}
}
