package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"mailmigrate/internal/transfer"

	"go.uber.org/zap"
)

// TaskState is a state of the per-batch retry machine
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskBackoff
	TaskSucceeded
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskBackoff:
		return "backoff"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Transition returns the state following an attempt that produced out.
// Only transient failures with attempts left go to backoff; token expiry and
// fatal failures end the task at once so the caller can deal with the cause.
func Transition(out transfer.Outcome, attempt, maxAttempts int) TaskState {
	switch {
	case out.Success:
		return TaskSucceeded
	case out.Kind != transfer.FailureTransient, out.Interrupted:
		return TaskFailed
	case attempt < maxAttempts:
		return TaskBackoff
	}
	return TaskFailed
}

// Backoff returns the delay before the attempt following attempt:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

// Transferer runs one transfer invocation
type Transferer interface {
	Run(ctx context.Context, req transfer.Request) transfer.Outcome
}

// Observer receives batch lifecycle notifications
type Observer interface {
	BatchStarted(b *FolderBatch)
	BatchRetrying(b *FolderBatch, attempt int, delay time.Duration)
	BatchFinished(b *FolderBatch)
}

// TaskProcessor drives one batch through its retry state machine
type TaskProcessor struct {
	config     Config
	transferer Transferer
	observer   Observer
	sleep      func(time.Duration) bool
	logger     *zap.Logger
}

// Process runs the batch until it succeeds, fails for a non-transient reason
// or exhausts config.Retries attempts.
func (p *TaskProcessor) Process(ctx context.Context, batch *FolderBatch, req transfer.Request) transfer.Outcome {
	return p.process(ctx, batch, req, p.config.Retries)
}

// ProcessOnce runs the batch for a single attempt without backoff
func (p *TaskProcessor) ProcessOnce(ctx context.Context, batch *FolderBatch, req transfer.Request) transfer.Outcome {
	return p.process(ctx, batch, req, 1)
}

func (p *TaskProcessor) process(ctx context.Context, batch *FolderBatch, req transfer.Request, maxAttempts int) transfer.Outcome {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	logger := p.logger.With(zap.String("batch", batch.ID), zap.Strings("folders", batch.Folders))
	startTime := time.Now()

	if err := batch.Start(); err != nil {
		logger.Error("Cannot start batch", zap.Error(err))
		return transfer.Outcome{Kind: transfer.FailureFatal, Message: err.Error(), Failed: batch.Folders}
	}
	if p.observer != nil {
		p.observer.BatchStarted(batch)
	}

	req.Folders = batch.Folders
	req.Tag = batch.ID

	var out transfer.Outcome
	state := TaskRunning
	for state == TaskRunning {
		batch.Attempts++
		out = p.transferer.Run(ctx, req)
		state = Transition(out, batch.Attempts, maxAttempts)

		switch state {
		case TaskSucceeded:
			logger.Info("Batch completed successfully",
				zap.Int("attempt", batch.Attempts),
				zap.Int("messages", out.Messages),
				zap.Duration("duration", time.Since(startTime)),
			)

		case TaskBackoff:
			delay := Backoff(p.config.RetryBackoff, batch.Attempts)
			logger.Warn("Batch attempt failed, retrying",
				zap.Int("attempt", batch.Attempts),
				zap.Duration("backoff", delay),
				zap.String("error", out.Message),
			)
			if p.observer != nil {
				p.observer.BatchRetrying(batch, batch.Attempts, delay)
			}
			if p.sleep(delay) {
				state = TaskRunning
			} else {
				out.Interrupted = true
				out.Message = "interrupted during backoff: " + out.Message
				state = TaskFailed
			}

		case TaskFailed:
			if out.Kind == transfer.FailureTransient && !out.Interrupted && batch.Attempts >= maxAttempts && maxAttempts > 1 {
				out.Message = fmt.Sprintf("failed after %d attempts: %s", batch.Attempts, out.Message)
			}
			logger.Error("Batch failed",
				zap.Int("attempts", batch.Attempts),
				zap.String("failure", out.Kind.String()),
				zap.String("error", out.Message),
			)
		}
	}

	if !out.Success && len(out.Failed) == 0 {
		out.Failed = batch.Folders
	}
	if err := batch.Finish(out); err != nil {
		logger.Error("Cannot finish batch", zap.Error(err))
	}
	if p.observer != nil {
		p.observer.BatchFinished(batch)
	}
	return out
}
