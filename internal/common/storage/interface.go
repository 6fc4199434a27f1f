package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage is the object store surface used for judge transcript archives.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader. A size of -1 streams with unknown length.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// PresignGet returns a time-limited download URL.
	PresignGet(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
