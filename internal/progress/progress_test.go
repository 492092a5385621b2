package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Counts(t *testing.T) {
	tr := NewTracker()
	tr.SetTotalAccounts(4)

	tr.BatchStarted("alice@example.com")
	tr.BatchStarted("alice@example.com")
	tr.BatchRetried()
	tr.BatchFinished(true)
	tr.BatchFinished(false)
	tr.AddMessages(1200)
	tr.AddMessages(0)
	tr.SetCurrentFolder("alice@example.com", "INBOX")
	tr.AccountFinished("succeeded")
	tr.AccountFinished("partially_failed")
	tr.AccountFinished("skipped")

	s := tr.GetStatus()
	assert.Equal(t, 2, s.StartedBatches)
	assert.Equal(t, 1, s.SucceededBatches)
	assert.Equal(t, 1, s.FailedBatches)
	assert.Equal(t, 1, s.RetriedBatches)
	assert.Equal(t, int64(1200), s.Messages)
	assert.Equal(t, 3, s.FinishedAccounts)
	assert.Equal(t, 1, s.SucceededAccounts)
	assert.Equal(t, 1, s.FailedAccounts)
	assert.Equal(t, 1, s.SkippedAccounts)
	assert.Equal(t, "INBOX", s.CurrentFolder)
	assert.InDelta(t, 75.0, tr.GetProgressPercent(), 0.001)
}

func TestTracker_ETA(t *testing.T) {
	tr := NewTracker()
	start := tr.GetStatus().StartTime
	tr.now = func() time.Time { return start.Add(10 * time.Minute) }
	tr.SetTotalAccounts(3)

	tr.AccountFinished("succeeded")

	assert.Equal(t, 20*time.Minute, tr.GetStatus().ETA)
}

func TestRender(t *testing.T) {
	status := Status{
		TotalAccounts:     2,
		FinishedAccounts:  1,
		SucceededAccounts: 1,
		Messages:          12345,
		CurrentAccount:    "bob@contoso.com",
		CurrentFolder:     "Sent Items",
		StartTime:         time.Now(),
	}

	out := strings.Join(Render(status, 50), "\n")
	assert.Contains(t, out, "Accounts: 1/2")
	assert.Contains(t, out, "50.0%")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "bob@contoso.com [Sent Items]")

	final := strings.Join(RenderFinal(status), "\n")
	assert.Contains(t, final, "1 succeeded, 0 failed, 0 skipped")
}

func TestDisplay_StopRendersFinal(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(NewTracker(), time.Hour, &buf)
	d.Start()
	d.Stop()
	d.Stop()

	require.Contains(t, buf.String(), "Migration finished")
}
