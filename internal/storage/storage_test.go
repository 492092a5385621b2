package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memClient struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	meta    map[string]PutOptions
	makes   int

	// failExists makes the next n BucketExists calls fail.
	failExists int
}

func newMemClient() *memClient {
	return &memClient{buckets: map[string]bool{}, objects: map[string][]byte{}, meta: map[string]PutOptions{}}
}

func (m *memClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.failExists > 0 {
		m.failExists--
		return false, errors.New("connection refused")
	}
	return m.buckets[bucket], nil
}

func (m *memClient) MakeBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.makes++
	m.buckets[bucket] = true
	return nil
}

func (m *memClient) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, opts PutOptions) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = buf.Bytes()
	m.meta[bucket+"/"+key] = opts
	return nil
}

func (m *memClient) ObjectSize(_ context.Context, bucket, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.objects[bucket+"/"+key])), nil
}

func TestLogArchiver_Archive(t *testing.T) {
	client := newMemClient()
	a := NewLogArchiver(client, "logs", "imapsync", "run1", zaptest.NewLogger(t))

	file := filepath.Join(t.TempDir(), "sync_alice_batch-1_x.log")
	require.NoError(t, os.WriteFile(file, []byte("Exiting with return value 0\n"), 0o644))

	require.NoError(t, a.Archive(context.Background(), "alice@example.com", file))
	require.NoError(t, a.Archive(context.Background(), "alice@example.com", file))

	key := "logs/imapsync/run1/alice@example.com/sync_alice_batch-1_x.log"
	assert.Equal(t, "Exiting with return value 0\n", string(client.objects[key]))
	assert.Equal(t, "run1", client.meta[key].Metadata["run-id"])
	assert.Equal(t, 1, client.makes)

	size, err := client.ObjectSize(context.Background(), "logs", "imapsync/run1/alice@example.com/sync_alice_batch-1_x.log")
	require.NoError(t, err)
	assert.Equal(t, int64(28), size)
}

type truncatingClient struct{ *memClient }

func (c truncatingClient) ObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	size, err := c.memClient.ObjectSize(ctx, bucket, key)
	return size - 1, err
}

func TestLogArchiver_SizeMismatch(t *testing.T) {
	a := NewLogArchiver(truncatingClient{newMemClient()}, "logs", "", "run1", zaptest.NewLogger(t))

	file := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, os.WriteFile(file, []byte("line\n"), 0o644))

	err := a.Archive(context.Background(), "a@b.c", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored 4 bytes, expected 5")
}

func TestLogArchiver_BucketCheckRetriedAfterFailure(t *testing.T) {
	client := newMemClient()
	client.failExists = 1
	a := NewLogArchiver(client, "logs", "", "run1", zaptest.NewLogger(t))

	file := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, os.WriteFile(file, []byte("line\n"), 0o644))

	err := a.Archive(context.Background(), "a@b.c", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checking bucket logs")

	require.NoError(t, a.Archive(context.Background(), "a@b.c", file))
	assert.Equal(t, 1, client.makes)
}

func TestLogArchiver_CancelledFirstCallDoesNotStick(t *testing.T) {
	client := newMemClient()
	a := NewLogArchiver(client, "logs", "", "run1", zaptest.NewLogger(t))

	file := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, os.WriteFile(file, []byte("line\n"), 0o644))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Archive(cancelled, "a@b.c", file), context.Canceled)

	require.NoError(t, a.Archive(context.Background(), "a@b.c", file))
	assert.Len(t, client.objects, 1)
}

func TestLogArchiver_MissingFile(t *testing.T) {
	a := NewLogArchiver(newMemClient(), "logs", "", "run1", zaptest.NewLogger(t))
	require.Error(t, a.Archive(context.Background(), "a@b.c", filepath.Join(t.TempDir(), "none.log")))
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"localhost:9000", "localhost:9000", false},
		{"http://localhost:9000", "localhost:9000", false},
		{"https://s3.example.com/", "s3.example.com", false},
		{"https://s3.example.com/bucket", "", true},
		{"s3.example.com/bucket", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanEndpoint(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
