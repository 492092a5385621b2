package app

import (
	"fmt"
	"strings"
	"time"

	"mailmigrate/internal/worker"

	"github.com/dustin/go-humanize"
)

// Summary reports the outcome of a run
type Summary struct {
	RunID           string
	DryRun          bool
	Interrupted     bool
	Accounts        []worker.Result
	Succeeded       int
	PartiallyFailed int
	Failed          int
	Skipped         int
	Messages        int
	Duration        time.Duration
}

func (s *Summary) tally() {
	s.Succeeded, s.PartiallyFailed, s.Failed, s.Skipped, s.Messages = 0, 0, 0, 0, 0
	for _, r := range s.Accounts {
		switch r.Status {
		case worker.AccountSucceeded:
			s.Succeeded++
		case worker.AccountPartiallyFailed:
			s.PartiallyFailed++
		case worker.AccountFailed:
			s.Failed++
		case worker.AccountSkipped:
			s.Skipped++
		}
		s.Messages += r.Messages
	}
}

// OK reports whether every account succeeded
func (s Summary) OK() bool {
	return s.Succeeded == len(s.Accounts)
}

// Status is "succeeded", "interrupted" or "failed"
func (s Summary) Status() string {
	switch {
	case s.OK():
		return "succeeded"
	case s.Interrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// Lines renders one line per account followed by the totals
func (s Summary) Lines() []string {
	var lines []string
	for _, r := range s.Accounts {
		line := fmt.Sprintf("%-40s %-16s", r.Account, r.Status)
		switch r.Status {
		case worker.AccountSkipped:
			line += " " + firstLine(r.Reason)
		default:
			line += fmt.Sprintf(" %s messages", humanize.Comma(int64(r.Messages)))
			if r.WholeAccount {
				line += " (whole account)"
			}
			if len(r.Failed) > 0 {
				line += " failed: " + strings.Join(r.Failed, ", ")
			}
			if len(r.Pending) > 0 {
				line += " pending: " + strings.Join(r.Pending, ", ")
			}
			if r.Reason != "" && r.Status != worker.AccountSucceeded {
				line += " (" + firstLine(r.Reason) + ")"
			}
		}
		lines = append(lines, line)
	}

	mode := ""
	if s.DryRun {
		mode = " [dry run]"
	}
	lines = append(lines, fmt.Sprintf("%d accounts: %d succeeded, %d partially failed, %d failed, %d skipped; %s messages in %s%s",
		len(s.Accounts), s.Succeeded, s.PartiallyFailed, s.Failed, s.Skipped,
		humanize.Comma(int64(s.Messages)), s.Duration.Round(time.Second), mode))
	return lines
}

// firstLine drops the output tail that failure reasons carry
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
