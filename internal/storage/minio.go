package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient is the minio-go backed archive Client
type MinIOClient struct {
	api *minio.Client
}

// NewMinIOClient connects to the archive endpoint in cfg
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	host, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("archive endpoint %q: %w", cfg.Endpoint, err)
	}

	api, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	return &MinIOClient{api: api}, nil
}

// cleanEndpoint reduces an endpoint to the host:port form minio-go expects.
// A URL scheme is accepted; a path is not.
func cleanEndpoint(endpoint string) (string, error) {
	switch {
	case endpoint == "":
		return "", errors.New("empty endpoint")
	case !strings.Contains(endpoint, "://"):
		if strings.Contains(endpoint, "/") {
			return "", errors.New("path given without a scheme")
		}
		return endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if strings.Trim(u.Path, "/") != "" {
		return "", fmt.Errorf("unexpected path %q", u.Path)
	}
	return u.Host, nil
}

func (c *MinIOClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return c.api.BucketExists(ctx, bucket)
}

func (c *MinIOClient) MakeBucket(ctx context.Context, bucket string) error {
	return c.api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (c *MinIOClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error {
	_, err := c.api.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	return err
}

func (c *MinIOClient) ObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	info, err := c.api.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}
