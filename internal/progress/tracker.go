package progress

import (
	"sync"
	"time"
)

// Status represents the current run status
type Status struct {
	TotalAccounts     int
	FinishedAccounts  int
	SucceededAccounts int
	FailedAccounts    int
	SkippedAccounts   int
	StartedBatches    int
	SucceededBatches  int
	FailedBatches     int
	RetriedBatches    int
	Messages          int64
	CurrentAccount    string
	CurrentFolder     string
	StartTime         time.Time
	LastUpdateTime    time.Time
	CurrentSpeed      float64 // messages/second over the last samples
	AverageSpeed      float64 // messages/second since start
	ETA               time.Duration
}

// Tracker tracks run progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	messages  int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		now:          time.Now,
	}
}

// SetTotalAccounts sets the number of accounts in the run
func (t *Tracker) SetTotalAccounts(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalAccounts = n
}

// AccountFinished records a finished account by its status
func (t *Tracker) AccountFinished(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FinishedAccounts++
	switch status {
	case "succeeded":
		t.status.SucceededAccounts++
	case "skipped":
		t.status.SkippedAccounts++
	default:
		t.status.FailedAccounts++
	}
	t.status.LastUpdateTime = t.now()
	t.calculateETA()
}

// BatchStarted records a batch launch
func (t *Tracker) BatchStarted(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.StartedBatches++
	t.status.CurrentAccount = account
	t.status.LastUpdateTime = t.now()
}

// BatchRetried records a batch going to backoff
func (t *Tracker) BatchRetried() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.RetriedBatches++
}

// BatchFinished records a finished batch
func (t *Tracker) BatchFinished(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.status.SucceededBatches++
	} else {
		t.status.FailedBatches++
	}
	t.status.LastUpdateTime = t.now()
}

// SetCurrentFolder records the folder the tool is working on
func (t *Tracker) SetCurrentFolder(account, folder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CurrentAccount = account
	t.status.CurrentFolder = folder
}

// AddMessages adds transferred messages
func (t *Tracker) AddMessages(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Messages += int64(n)
	t.updateSpeed(int64(n))
}

// updateSpeed updates the speed calculation (must be called with lock held)
func (t *Tracker) updateSpeed(messages int64) {
	now := t.now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, messages: messages})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses the samples of the last minute
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-time.Minute)
	var recent int64
	var first *speedSample
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recent += sample.messages
		first = sample
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recent) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.Messages) / elapsed.Seconds()
	}
}

// calculateETA extrapolates from the average time per finished account
func (t *Tracker) calculateETA() {
	s := &t.status
	if s.FinishedAccounts == 0 || s.TotalAccounts <= s.FinishedAccounts {
		s.ETA = 0
		return
	}
	perAccount := t.now().Sub(s.StartTime) / time.Duration(s.FinishedAccounts)
	s.ETA = perAccount * time.Duration(s.TotalAccounts-s.FinishedAccounts)
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// GetProgressPercent returns the account progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalAccounts == 0 {
		return 0
	}
	return float64(t.status.FinishedAccounts) / float64(t.status.TotalAccounts) * 100
}
