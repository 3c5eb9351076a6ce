package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// statusTTL bounds how long a mirrored status entry outlives its last
// update.
const statusTTL = 24 * time.Hour

// StatusCache mirrors job status into Redis so the CRUD layer can poll
// progress without hitting the job table. It is advisory only: the database
// stays authoritative and a nil cache disables mirroring entirely.
type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

func statusKey(jobID string) string {
	return fmt.Sprintf("conversion:status:%s", jobID)
}

// Publish writes the latest status (plus optional error reason) for a job.
// Failures are returned for logging but callers never fail a job over them.
func (c *StatusCache) Publish(ctx context.Context, jobID, status, errorReason string) error {
	if c == nil || c.client == nil {
		return nil
	}
	fields := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Format(time.RFC3339),
	}
	if errorReason != "" {
		fields["error"] = errorReason
	}
	key := statusKey(jobID)
	if err := c.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("mirroring status for %s: %w", jobID, err)
	}
	c.client.Expire(ctx, key, statusTTL)
	return nil
}
