package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mailmigrate/internal/config"
	"mailmigrate/internal/runctx"
	"mailmigrate/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeTool creates a shell script standing in for the transfer tool. The
// script sees the log file path in $logfile.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imapsync")
	script := `#!/bin/sh
logfile=""
while [ $# -gt 0 ]; do
  case "$1" in
    --logfile) logfile="$2"; shift ;;
  esac
  shift
done
` + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type fakeTokens struct {
	tok string
	err error
}

func (f fakeTokens) GetValidToken(context.Context, string) (*token.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &token.Token{AccessToken: f.tok, Expiry: time.Now().Add(time.Hour)}, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	started int
	events  []EventKind
	exited  []Outcome
}

func (r *recordingObserver) ProcessStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingObserver) ProcessEvent(_ string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Kind)
}

func (r *recordingObserver) ProcessExited(_ string, out Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited = append(r.exited, out)
}

type recordingArchiver struct {
	paths []string
}

func (a *recordingArchiver) Archive(_ context.Context, _ string, path string) error {
	a.paths = append(a.paths, path)
	return nil
}

func newTestSupervisor(t *testing.T, toolPath string, opts ...Option) (*Supervisor, *runctx.Run) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	run := runctx.New(time.Second, logger)
	tool := config.Tool{Path: toolPath, LogDir: filepath.Join(t.TempDir(), "logs")}
	dest := config.Destination{Host: "mail.example.net", Port: 993, TLS: true}
	return NewSupervisor(tool, dest, run, fakeTokens{tok: "tok"}, logger, opts...), run
}

func passwordRequest(folders ...string) Request {
	return Request{
		Account:    config.Account{Email: "alice@example.com", Auth: config.AuthPassword, Password: "pw"},
		DestUser:   "alice@example.net",
		DestSecret: "dst",
		Folders:    folders,
		Tag:        "batch-1",
	}
}

func TestSupervisor_ScopedSuccess(t *testing.T) {
	tool := writeTool(t, `echo "Host1: success login on [imap.example.com]"
echo "3/3 msg"
echo "Exiting with return value 0"
exit 0`)
	obs := &recordingObserver{}
	s, run := newTestSupervisor(t, tool, WithObserver(obs))

	out := s.Run(context.Background(), passwordRequest("INBOX", "Sent"))

	assert.True(t, out.Success)
	assert.Equal(t, FailureNone, out.Kind)
	assert.Equal(t, []string{"INBOX", "Sent"}, out.Confirmed)
	assert.Empty(t, out.Failed)
	assert.Equal(t, 3, out.Messages)
	assert.Equal(t, 0, run.Processes.Len())
	assert.Equal(t, 1, obs.started)
	assert.Contains(t, obs.events, EventLogin)
	require.Len(t, obs.exited, 1)
	assert.True(t, obs.exited[0].Success)
}

func TestSupervisor_WholeAccountConfirmsEndedFolders(t *testing.T) {
	tool := writeTool(t, `echo "++++ Folder [INBOX] ended"
echo "++++ Folder [Archive] ended"
exit 0`)
	s, _ := newTestSupervisor(t, tool)

	out := s.Run(context.Background(), passwordRequest())

	assert.True(t, out.Success)
	assert.Equal(t, []string{"INBOX", "Archive"}, out.Confirmed)
}

func TestSupervisor_NonzeroExitIsTransientWithOutputTail(t *testing.T) {
	tool := writeTool(t, `i=0
while [ $i -lt 15 ]; do echo "line $i"; i=$((i+1)); done
exit 2`)
	s, _ := newTestSupervisor(t, tool)

	out := s.Run(context.Background(), passwordRequest("INBOX"))

	assert.False(t, out.Success)
	assert.Equal(t, FailureTransient, out.Kind)
	assert.Equal(t, 2, out.ExitCode)
	assert.Equal(t, []string{"INBOX"}, out.Failed)
	assert.Contains(t, out.Message, "exited with code 2")
	assert.Contains(t, out.Message, "line 14")
	assert.Contains(t, out.Message, "line 5")
	assert.NotContains(t, out.Message, "line 4\n")
}

func TestSupervisor_FailureTailPrefersLogFile(t *testing.T) {
	tool := writeTool(t, `echo "stdout noise"
echo "from log file" > "$logfile"
exit 1`)
	archiver := &recordingArchiver{}
	s, _ := newTestSupervisor(t, tool, WithArchiver(archiver))

	out := s.Run(context.Background(), passwordRequest("INBOX"))

	assert.Equal(t, FailureTransient, out.Kind)
	assert.Contains(t, out.Message, "from log file")
	assert.NotContains(t, out.Message, "stdout noise")
	require.NotEmpty(t, out.LogFile)
	assert.True(t, strings.HasPrefix(filepath.Base(out.LogFile), "sync_alice@example.com_batch-1_"))
	assert.Equal(t, []string{out.LogFile}, archiver.paths)
}

func TestSupervisor_TokenMarkerBeatsExitZero(t *testing.T) {
	tool := writeTool(t, `echo "Host1 failure: Error login on [outlook.office365.com] with user [bob] auth [XOAUTH2]: 2 NO AUTHENTICATE failed."
exit 0`)
	s, _ := newTestSupervisor(t, tool)
	req := passwordRequest("INBOX")
	req.Account = config.Account{Email: "bob@contoso.com", Auth: config.AuthOAuth}

	out := s.Run(context.Background(), req)

	assert.False(t, out.Success)
	assert.Equal(t, FailureTokenExpired, out.Kind)
	assert.Equal(t, "tok", out.UsedToken)
	assert.Empty(t, out.Confirmed)
}

func TestSupervisor_TokenUnavailable(t *testing.T) {
	tool := writeTool(t, `exit 0`)
	logger := zaptest.NewLogger(t)
	run := runctx.New(time.Second, logger)
	s := NewSupervisor(config.Tool{Path: tool}, config.Destination{Host: "h", Port: 993}, run,
		fakeTokens{err: errors.New("endpoint down")}, logger)
	req := passwordRequest("INBOX")
	req.Account = config.Account{Email: "bob@contoso.com", Auth: config.AuthOAuth}

	out := s.Run(context.Background(), req)

	assert.Equal(t, FailureTokenExpired, out.Kind)
	assert.Contains(t, out.Message, "endpoint down")
}

func TestSupervisor_ToolMissingIsFatal(t *testing.T) {
	s, _ := newTestSupervisor(t, filepath.Join(t.TempDir(), "no-such-imapsync"))

	out := s.Run(context.Background(), passwordRequest("INBOX"))

	assert.False(t, out.Success)
	assert.Equal(t, FailureFatal, out.Kind)
}

func TestSupervisor_ShutdownInterruptsRunningProcess(t *testing.T) {
	tool := writeTool(t, `echo "started"
exec sleep 30`)
	s, run := newTestSupervisor(t, tool)

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(context.Background(), passwordRequest("INBOX")) }()

	require.Eventually(t, func() bool { return run.Processes.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	run.Shutdown()

	select {
	case out := <-done:
		assert.False(t, out.Success)
		assert.True(t, out.Interrupted)
		assert.Equal(t, FailureTransient, out.Kind)
		assert.Empty(t, out.Confirmed)
	case <-time.After(10 * time.Second):
		t.Fatal("transfer was not interrupted")
	}
}

func TestSupervisor_CleanExitAfterShutdownIsInterrupted(t *testing.T) {
	tool := writeTool(t, `trap 'exit 0' TERM
echo "started"
sleep 30 &
wait`)
	s, run := newTestSupervisor(t, tool)

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(context.Background(), passwordRequest("INBOX")) }()

	require.Eventually(t, func() bool { return run.Processes.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	start := time.Now()
	run.Shutdown()

	select {
	case out := <-done:
		assert.False(t, out.Success)
		assert.True(t, out.Interrupted)
		assert.Equal(t, 0, out.ExitCode)
		assert.Empty(t, out.Confirmed)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("transfer was not interrupted")
	}
}

func TestSupervisor_ShutdownKillsDescendantsHoldingOutput(t *testing.T) {
	tool := writeTool(t, `echo "started"
(trap '' TERM; exec sleep 30) &
trap 'exit 0' TERM
wait`)
	s, run := newTestSupervisor(t, tool)

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(context.Background(), passwordRequest("INBOX")) }()

	require.Eventually(t, func() bool { return run.Processes.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	start := time.Now()
	run.Shutdown()

	select {
	case out := <-done:
		assert.True(t, out.Interrupted)
		assert.Less(t, time.Since(start), 8*time.Second)
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown was not bounded by the grace period")
	}
}

func TestSupervisor_OverlongLineDoesNotBlock(t *testing.T) {
	tool := writeTool(t, `head -c 2000000 /dev/zero | tr '\0' 'a'
echo
i=0
while [ $i -lt 2000 ]; do echo "Folder 1/1 [INBOX] line $i"; i=$((i+1)); done
exit 0`)
	s, _ := newTestSupervisor(t, tool)

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(context.Background(), passwordRequest("INBOX")) }()

	select {
	case out := <-done:
		assert.True(t, out.Success)
		assert.Equal(t, []string{"INBOX"}, out.Confirmed)
	case <-time.After(15 * time.Second):
		t.Fatal("transfer blocked on an overlong output line")
	}
}

func TestSupervisor_NoLaunchAfterShutdown(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "launched")
	tool := writeTool(t, `touch "`+marker+`"`)
	s, run := newTestSupervisor(t, tool)
	run.Shutdown()

	out := s.Run(context.Background(), passwordRequest("INBOX"))

	assert.True(t, out.Interrupted)
	assert.NoFileExists(t, marker)
}
