// Package progress tracks run progress and renders it to the console.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Display periodically renders the tracker's status
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop renders the final status and stops the display
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, strings.Join(Render(d.tracker.GetStatus(), d.tracker.GetProgressPercent()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(RenderFinal(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

// Render returns the progress lines for status
func Render(status Status, percent float64) []string {
	lines := []string{
		"",
		"Mailbox migration progress",
		strings.Repeat("=", 51),
		fmt.Sprintf("Accounts: %d/%d  %s", status.FinishedAccounts, status.TotalAccounts, progressBar(percent, 40)),
		fmt.Sprintf("  succeeded %d, failed %d, skipped %d",
			status.SucceededAccounts, status.FailedAccounts, status.SkippedAccounts),
		fmt.Sprintf("Batches: %d started, %d succeeded, %d failed, %d retried",
			status.StartedBatches, status.SucceededBatches, status.FailedBatches, status.RetriedBatches),
		fmt.Sprintf("Messages: %s (%s msg/s, avg %s msg/s)",
			humanize.Comma(status.Messages),
			humanize.FtoaWithDigits(status.CurrentSpeed, 1),
			humanize.FtoaWithDigits(status.AverageSpeed, 1)),
	}
	if status.CurrentAccount != "" {
		current := status.CurrentAccount
		if status.CurrentFolder != "" {
			current += " [" + status.CurrentFolder + "]"
		}
		lines = append(lines, "Working on: "+current)
	}
	lines = append(lines, "Started "+humanize.Time(status.StartTime))
	if status.ETA > 0 {
		lines = append(lines, "Estimated completion "+humanize.Time(time.Now().Add(status.ETA)))
	}
	return lines
}

// RenderFinal returns the completion lines for status
func RenderFinal(status Status) []string {
	elapsed := time.Since(status.StartTime).Round(time.Second)
	return []string{
		"",
		"Migration finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Accounts: %d succeeded, %d failed, %d skipped",
			status.SucceededAccounts, status.FailedAccounts, status.SkippedAccounts),
		fmt.Sprintf("Batches: %d succeeded, %d failed", status.SucceededBatches, status.FailedBatches),
		fmt.Sprintf("Messages: %s", humanize.Comma(status.Messages)),
		fmt.Sprintf("Elapsed: %s", elapsed),
		"",
	}
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
