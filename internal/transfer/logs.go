package transfer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// logFile returns a fresh log file path for the request, or "" when the tool
// log directory cannot be created.
func (s *Supervisor) logFile(req Request) string {
	if s.tool.LogDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.tool.LogDir, 0o755); err != nil {
		s.logger.Warn("Cannot create tool log directory", zap.String("dir", s.tool.LogDir), zap.Error(err))
		return ""
	}

	tag := req.Tag
	if tag == "" {
		tag = "full"
	}
	name := strings.Join([]string{"sync", sanitize(req.Account.Email), sanitize(tag), xid.New().String()}, "_") + ".log"
	return filepath.Join(s.tool.LogDir, name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '-'
		}
		return r
	}, s)
}

func fileHasContent(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// tailFile returns the last n non-empty lines of the file at path.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := newRing(n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			r.push(line)
		}
	}
	return r.lines(), scanner.Err()
}

// ring keeps the last few lines written to it
type ring struct {
	buf  []string
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]string, n)}
}

func (r *ring) push(line string) {
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) lines() []string {
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (s *Supervisor) notifyStarted(account string) {
	for _, o := range s.observers {
		o.ProcessStarted(account)
	}
}

func (s *Supervisor) notifyEvent(account string, ev Event) {
	for _, o := range s.observers {
		o.ProcessEvent(account, ev)
	}
}

func (s *Supervisor) notifyExited(account string, out Outcome, elapsed time.Duration) {
	for _, o := range s.observers {
		o.ProcessExited(account, out, elapsed)
	}
}
