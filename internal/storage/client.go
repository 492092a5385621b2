// Package storage archives transfer tool log files to an S3-compatible bucket.
package storage

import (
	"context"
	"io"
)

// Client is the slice of the S3 API the log archiver uses
type Client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	// ObjectSize returns the stored length of an object in bytes.
	ObjectSize(ctx context.Context, bucket, key string) (int64, error)
}

// PutOptions carries the content type and user metadata of an upload
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config locates and authenticates against the archive endpoint
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
