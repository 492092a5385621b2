package worker

import (
	"errors"
	"fmt"
	"time"

	"mailmigrate/internal/transfer"
)

// BatchStatus is the lifecycle status of a FolderBatch
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
)

// ErrInvalidTransition is returned when a batch status would move backwards.
var ErrInvalidTransition = errors.New("invalid batch status transition")

// FolderBatch is a subset of an account's folders handled by one transfer
// invocation. An empty folder list means the whole account. Status only moves
// forward: pending, running, then succeeded or failed.
type FolderBatch struct {
	ID       string
	Account  string
	Folders  []string
	Attempts int
	Outcome  transfer.Outcome

	status BatchStatus
}

// NewBatch creates a pending batch
func NewBatch(account, id string, folders []string) *FolderBatch {
	return &FolderBatch{
		ID:      id,
		Account: account,
		Folders: folders,
		status:  BatchPending,
	}
}

// Status returns the batch status
func (b *FolderBatch) Status() BatchStatus {
	return b.status
}

// WholeAccount reports whether the batch covers the whole account
func (b *FolderBatch) WholeAccount() bool {
	return len(b.Folders) == 0
}

// Start moves the batch from pending to running
func (b *FolderBatch) Start() error {
	if b.status != BatchPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.status, BatchRunning)
	}
	b.status = BatchRunning
	return nil
}

// Finish records the final outcome and moves the batch to succeeded or failed
func (b *FolderBatch) Finish(out transfer.Outcome) error {
	next := BatchFailed
	if out.Success {
		next = BatchSucceeded
	}
	if b.status != BatchRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.status, next)
	}
	b.Outcome = out
	b.status = next
	return nil
}

// Retry returns a fresh pending batch over the same folders. The original
// keeps its terminal status.
func (b *FolderBatch) Retry() *FolderBatch {
	return NewBatch(b.Account, b.ID+"-retry", append([]string(nil), b.Folders...))
}

// Split divides folders into consecutive batches of at most size folders
func Split(folders []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(folders); i += size {
		end := i + size
		if end > len(folders) {
			end = len(folders)
		}
		out = append(out, folders[i:end])
	}
	return out
}

// Config contains worker configuration
type Config struct {
	BatchSize    int
	MaxBatches   int
	Retries      int
	RetryBackoff time.Duration
	DryRun       bool
}
