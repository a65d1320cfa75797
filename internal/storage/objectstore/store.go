// Package objectstore is the run-scoped storage surface. External jobs read
// their input payloads and write their results here; the execution core
// never embeds large payloads in envelopes.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// InputKey is where a step's payload is written before dispatch.
func InputKey(runID, stepID, name string) string {
	return fmt.Sprintf("runs/%s/input/%s/%s", runID, stepID, name)
}

// OutputPrefix is where the external job writes its results.
func OutputPrefix(runID, stepID string) string {
	return fmt.Sprintf("runs/%s/output/%s/", runID, stepID)
}
