package runctx

import (
	"os"
	"sync"
	"syscall"
	"time"
)

// ProcessRegistry tracks the child processes currently running.
type ProcessRegistry struct {
	mu    sync.Mutex
	procs map[int]*os.Process
}

// NewProcessRegistry creates an empty registry
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{procs: make(map[int]*os.Process)}
}

// Add registers a launched process
func (r *ProcessRegistry) Add(p *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Pid] = p
}

// Remove unregisters an exited process
func (r *ProcessRegistry) Remove(p *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, p.Pid)
}

// Len returns the number of running processes
func (r *ProcessRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// TerminateAll asks every registered process to terminate and kills the ones
// still registered after grace.
func (r *ProcessRegistry) TerminateAll(grace time.Duration) {
	r.mu.Lock()
	procs := make([]*os.Process, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		Terminate(p, grace, r)
	}
}

func (r *ProcessRegistry) contains(p *os.Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.procs[p.Pid]
	return ok && cur == p
}

// Terminate sends SIGTERM to p's process group and kills the group after
// grace unless p has left the registry by then. A nil registry kills
// unconditionally after grace.
func Terminate(p *os.Process, grace time.Duration, r *ProcessRegistry) {
	if err := signalGroup(p, syscall.SIGTERM); err != nil {
		_ = signalGroup(p, syscall.SIGKILL)
		return
	}
	time.AfterFunc(grace, func() {
		if r == nil || r.contains(p) {
			_ = signalGroup(p, syscall.SIGKILL)
		}
	})
}
