// Package runctx holds the state shared by every component of one
// orchestrator run: its identifier, the cooperative shutdown signal and the
// registry of running child processes.
package runctx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Run is created once per orchestrator run and torn down when it ends.
type Run struct {
	ID        string
	Processes *ProcessRegistry

	grace    time.Duration
	stopping atomic.Bool
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// New creates a run whose child processes get grace to exit after a
// termination request before being killed.
func New(grace time.Duration, logger *zap.Logger) *Run {
	id := xid.New().String()
	return &Run{
		ID:        id,
		Processes: NewProcessRegistry(),
		grace:     grace,
		done:      make(chan struct{}),
		logger:    logger.With(zap.String("run_id", id)),
	}
}

// Stopping reports whether shutdown has been requested.
func (r *Run) Stopping() bool {
	return r.stopping.Load()
}

// Done is closed when shutdown is requested.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Grace is the time a child process gets between terminate and kill.
func (r *Run) Grace() time.Duration {
	return r.grace
}

// Shutdown trips the shutdown flag and asks every running child process to
// terminate. Safe to call more than once.
func (r *Run) Shutdown() {
	r.once.Do(func() {
		r.stopping.Store(true)
		close(r.done)
		n := r.Processes.Len()
		r.logger.Info("Shutdown requested, terminating child processes", zap.Int("processes", n))
		r.Processes.TerminateAll(r.grace)
	})
}

// Sleep waits for d unless shutdown is requested first. It returns false when
// interrupted.
func (r *Run) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !r.Stopping()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.done:
		return false
	}
}
