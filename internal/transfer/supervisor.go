// Package transfer runs the external IMAP transfer tool. Every invocation is
// supervised from launch to exit: its output is classified line by line and
// its exit status is reduced to an Outcome the scheduler can act on.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"mailmigrate/internal/config"
	"mailmigrate/internal/runctx"
	"mailmigrate/internal/token"

	"go.uber.org/zap"
)

const (
	tailLines     = 10
	maxLineLength = 1024 * 1024
)

// FailureKind classifies a failed invocation
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTokenExpired
	FailureTransient
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTokenExpired:
		return "token_expired"
	case FailureTransient:
		return "transient"
	case FailureFatal:
		return "fatal"
	}
	return "unknown"
}

// Request describes one invocation: the whole account when Folders is empty,
// otherwise only the named folders.
type Request struct {
	Account    config.Account
	DestUser   string
	DestSecret string
	Folders    []string
	DryRun     bool
	Tag        string
}

// Outcome is produced once per invocation.
type Outcome struct {
	Success     bool
	Kind        FailureKind
	Message     string
	Confirmed   []string
	Failed      []string
	Messages    int
	ExitCode    int
	LogFile     string
	Interrupted bool
	// UsedToken is the access token the invocation ran with, empty for
	// password accounts.
	UsedToken string
}

// TokenSource hands out bearer tokens for OAuth identities
type TokenSource interface {
	GetValidToken(ctx context.Context, identity string) (*token.Token, error)
}

// Archiver stores a finished invocation's log file
type Archiver interface {
	Archive(ctx context.Context, account, path string) error
}

// Observer receives supervision events
type Observer interface {
	ProcessStarted(account string)
	ProcessEvent(account string, ev Event)
	ProcessExited(account string, out Outcome, elapsed time.Duration)
}

// Supervisor launches and supervises transfer tool invocations
type Supervisor struct {
	tool      config.Tool
	dest      config.Destination
	run       *runctx.Run
	tokens    TokenSource
	archiver  Archiver
	observers []Observer
	logger    *zap.Logger
	lookPath  func(string) (string, error)
}

// Option customizes a Supervisor
type Option func(*Supervisor)

// WithArchiver uploads every produced log file
func WithArchiver(a Archiver) Option {
	return func(s *Supervisor) { s.archiver = a }
}

// WithObserver adds an observer
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observers = append(s.observers, o) }
}

// WithLookPath overrides executable resolution
func WithLookPath(fn func(string) (string, error)) Option {
	return func(s *Supervisor) { s.lookPath = fn }
}

// NewSupervisor creates a supervisor. tokens may be nil when no account uses OAuth.
func NewSupervisor(tool config.Tool, dest config.Destination, run *runctx.Run, tokens TokenSource, logger *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		tool:     tool,
		dest:     dest,
		run:      run,
		tokens:   tokens,
		logger:   logger,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run launches exactly one tool invocation and blocks until it exits.
func (s *Supervisor) Run(ctx context.Context, req Request) Outcome {
	logger := s.logger.With(zap.String("account", req.Account.Email), zap.String("batch", req.Tag))

	if s.run.Stopping() {
		return Outcome{Kind: FailureTransient, Interrupted: true, Message: "shutdown requested before launch", Failed: req.Folders}
	}

	path, err := s.lookPath(s.tool.Path)
	if err != nil {
		return Outcome{
			Kind:    FailureFatal,
			Message: fmt.Sprintf("%s not found: %v", s.tool.Path, err),
			Failed:  req.Folders,
		}
	}

	creds := Credentials{
		SourcePassword: req.Account.Password,
		DestUser:       req.DestUser,
		DestPassword:   req.DestSecret,
	}
	if req.Account.IsOAuth() {
		if s.tokens == nil {
			return Outcome{Kind: FailureTokenExpired, Message: "no token source configured", Failed: req.Folders}
		}
		tok, err := s.tokens.GetValidToken(ctx, req.Account.Identity())
		if err != nil {
			logger.Error("Failed to get OAuth2 token", zap.Error(err))
			return Outcome{Kind: FailureTokenExpired, Message: fmt.Sprintf("failed to get OAuth2 token: %v", err), Failed: req.Folders}
		}
		creds.AccessToken = tok.AccessToken
	}

	logFile := s.logFile(req)
	args := BuildArgs(s.tool, s.dest, req, creds, logFile)
	logger.Info("Running transfer tool", zap.String("command", path+" "+strings.Join(MaskArgs(args), " ")))

	out := s.supervise(logger, path, args, req, logFile)
	out.LogFile = logFile
	out.UsedToken = creds.AccessToken

	if s.archiver != nil && fileHasContent(logFile) {
		if err := s.archiver.Archive(ctx, req.Account.Email, logFile); err != nil {
			logger.Warn("Failed to archive tool log", zap.String("file", logFile), zap.Error(err))
		}
	}
	return out
}

func (s *Supervisor) supervise(logger *zap.Logger, path string, args []string, req Request, logFile string) Outcome {
	start := time.Now()
	cmd := exec.Command(path, args...)
	runctx.SetProcessGroup(cmd)
	cmd.WaitDelay = s.run.Grace()

	stdout, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		kind := FailureTransient
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			kind = FailureFatal
		}
		return Outcome{Kind: kind, Message: fmt.Sprintf("starting %s: %v", path, err), Failed: req.Folders}
	}
	s.run.Processes.Add(cmd.Process)
	defer s.run.Processes.Remove(cmd.Process)
	s.notifyStarted(req.Account.Email)

	type exit struct {
		err      error
		stopping bool
	}
	exited := make(chan exit, 1)
	go func() {
		err := cmd.Wait()
		stopping := s.run.Stopping()
		pw.Close()
		exited <- exit{err: err, stopping: stopping}
	}()

	var (
		progress    Progress
		tail        = newRing(tailLines)
		interrupted bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		if s.run.Stopping() {
			if !interrupted {
				interrupted = true
				logger.Warn("Shutdown requested, terminating transfer")
				runctx.Terminate(cmd.Process, s.run.Grace(), s.run.Processes)
			}
			continue
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.push(line)

		ev := Classify(line)
		progress.Apply(ev)
		s.notifyEvent(req.Account.Email, ev)

		switch ev.Kind {
		case EventTokenExpired:
			logger.Warn("Token expired during transfer", zap.String("line", line))
		case EventError:
			logger.Warn("Transfer tool error", zap.String("line", line))
		case EventLogin:
			logger.Info("Connection established", zap.Int("host", ev.Host))
		case EventFolderEnded:
			logger.Info("Folder completed", zap.String("folder", ev.Folder))
		default:
			logger.Debug("imapsync", zap.String("line", line))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Error reading tool output, discarding the rest", zap.Error(err))
		_, _ = io.Copy(io.Discard, stdout)
	}

	res := <-exited
	waitErr := res.err
	exitCode := cmd.ProcessState.ExitCode()
	if res.stopping {
		interrupted = true
	}

	out := s.classify(req, &progress, exitCode, waitErr, interrupted)
	out.Messages = progress.Transferred()
	if !out.Success {
		out.Message = withTail(out.Message, logFile, tail)
	}

	elapsed := time.Since(start)
	logger.Info("Transfer tool exited",
		zap.Int("exit_code", exitCode),
		zap.Bool("success", out.Success),
		zap.String("failure", out.Kind.String()),
		zap.Int("messages", out.Messages),
		zap.Duration("duration", elapsed),
	)
	s.notifyExited(req.Account.Email, out, elapsed)
	return out
}

// classify reduces the exit status and observed events to an outcome. A
// token expiry marker seen before exit wins over exit code 0.
func (s *Supervisor) classify(req Request, p *Progress, exitCode int, waitErr error, interrupted bool) Outcome {
	out := Outcome{ExitCode: exitCode}

	switch {
	case interrupted:
		out.Kind = FailureTransient
		out.Interrupted = true
		out.Message = "interrupted by shutdown"
	case p.TokenExpired:
		out.Kind = FailureTokenExpired
		out.Message = "access token expired during transfer"
	case exitCode == 0 && waitErr == nil:
		out.Success = true
		if len(req.Folders) > 0 {
			out.Confirmed = append([]string(nil), req.Folders...)
		} else {
			out.Confirmed = append([]string(nil), p.FoldersEnded...)
		}
		return out
	default:
		out.Kind = FailureTransient
		out.Message = fmt.Sprintf("imapsync exited with code %d", exitCode)
		if exitCode < 0 && waitErr != nil {
			out.Message = fmt.Sprintf("imapsync terminated: %v", waitErr)
		}
	}

	if len(req.Folders) > 0 {
		out.Failed = append([]string(nil), req.Folders...)
	}
	return out
}

// withTail appends the last lines of the tool's log file when it has one,
// otherwise the last lines of captured output.
func withTail(msg, logFile string, output *ring) string {
	lines := output.lines()
	if logFile != "" {
		if fromFile, err := tailFile(logFile, tailLines); err == nil && len(fromFile) > 0 {
			lines = fromFile
		}
	}
	if len(lines) == 0 {
		return msg
	}
	return msg + "\n" + strings.Join(lines, "\n")
}
