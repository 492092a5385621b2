package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// LogArchiver uploads tool log files under prefix/run/account/
type LogArchiver struct {
	client Client
	bucket string
	prefix string
	runID  string
	logger *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewLogArchiver creates an archiver for the run
func NewLogArchiver(client Client, bucket, prefix, runID string, logger *zap.Logger) *LogArchiver {
	return &LogArchiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		runID:  runID,
		logger: logger,
	}
}

// Key returns the object key of a log file
func (a *LogArchiver) Key(account, file string) string {
	return path.Join(a.prefix, a.runID, account, filepath.Base(file))
}

// Archive uploads the log file at file. The bucket is created on first use;
// a failed check is retried by the next call.
func (a *LogArchiver) Archive(ctx context.Context, account, file string) error {
	if err := a.prepare(ctx); err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}

	key := a.Key(account, file)
	opts := PutOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"account": account, "run-id": a.runID},
	}
	if err := a.client.PutObject(ctx, a.bucket, key, f, info.Size(), opts); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	stored, err := a.client.ObjectSize(ctx, a.bucket, key)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", key, err)
	}
	if stored != info.Size() {
		return fmt.Errorf("verifying %s: stored %d bytes, expected %d", key, stored, info.Size())
	}

	a.logger.Debug("Archived tool log", zap.String("bucket", a.bucket), zap.String("key", key), zap.Int64("size", info.Size()))
	return nil
}

func (a *LogArchiver) prepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready {
		return nil
	}
	if err := a.ensureBucket(ctx); err != nil {
		return err
	}
	a.ready = true
	return nil
}

func (a *LogArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket); err != nil {
		return fmt.Errorf("creating bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("Created log archive bucket", zap.String("bucket", a.bucket))
	return nil
}
