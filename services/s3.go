package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"dicom2mesh/config"
	"dicom2mesh/models"
)

// S3Service is the storage gateway for mesh and preview artifacts. Keys are
// deterministic per job, so a duplicate upload after a stale-lease reclaim
// overwrites instead of duplicating, and deletes are idempotent.
type S3Service struct {
	session    *session.Session
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
}

func NewS3Service(cfg *config.Config) *S3Service {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		session:    sess,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     cfg.S3Bucket,
	}
}

// Get fetches a blob into memory. Used for DICOM source series, which are
// bounded in size by the upload layer.
func (s *S3Service) Get(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &models.StorageError{Op: "get", Key: key, Err: err}
	}
	return buf.Bytes(), nil
}

// Put uploads a blob under key and returns the key.
func (s *S3Service) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", &models.StorageError{Op: "put", Key: key, Err: err}
	}
	return key, nil
}

// Delete removes a blob. Deleting an absent key is not an error, which is
// what makes failure rollback safely repeatable.
func (s *S3Service) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &models.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// PresignDownload returns a time-limited download URL for a stored artifact.
func (s *S3Service) PresignDownload(key string, expiry time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", key, err)
	}
	return url, nil
}

// MeshKey and PreviewKey build the deterministic object keys for a job's
// artifacts.
func MeshKey(dicomID int64, jobID string, format models.FileFormat) string {
	return fmt.Sprintf("meshes/%d/%s.%s", dicomID, jobID, format)
}

func PreviewKey(dicomID int64, jobID string) string {
	return fmt.Sprintf("previews/%d/%s.png", dicomID, jobID)
}
