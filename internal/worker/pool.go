package worker

import (
	"context"

	"mailmigrate/internal/runctx"
	"mailmigrate/internal/transfer"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs the batches of one account on a bounded number of workers
type Pool struct {
	size      int
	processor *TaskProcessor
	run       *runctx.Run
	logger    *zap.Logger
}

// NewPool creates a new batch pool
func NewPool(size int, processor *TaskProcessor, run *runctx.Run, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:      size,
		processor: processor,
		run:       run,
		logger:    logger,
	}
}

// Run processes every batch and calls done as each one finishes. Once
// shutdown is requested no further batch is launched; those batches stay
// pending.
func (p *Pool) Run(ctx context.Context, batches []*FolderBatch, req transfer.Request, done func(*FolderBatch)) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)

	for _, batch := range batches {
		if p.run.Stopping() || ctx.Err() != nil {
			p.logger.Info("Not launching remaining batches")
			break
		}

		batch := batch
		g.Go(func() error {
			if p.run.Stopping() {
				return nil
			}
			p.processor.Process(ctx, batch, req)
			done(batch)
			return nil
		})
	}

	_ = g.Wait()
}
