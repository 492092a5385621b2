// Package discovery lists the folders of a source mailbox by running the
// transfer tool in folder-listing mode.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"mailmigrate/internal/config"
	"mailmigrate/internal/transfer"

	"go.uber.org/zap"
)

// DefaultDenylist holds non-mail folders that are never synced.
var DefaultDenylist = []string{"Calendar", "Contacts", "Tasks", "Journal", "Notes"}

// Lister discovers account folders
type Lister struct {
	tool     config.Tool
	dest     config.Destination
	tokens   transfer.TokenSource
	timeout  time.Duration
	exclude  map[string]bool
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewLister creates a lister. Folders named in exclude are skipped along
// with DefaultDenylist.
func NewLister(tool config.Tool, dest config.Destination, tokens transfer.TokenSource, timeout time.Duration, exclude []string, logger *zap.Logger) *Lister {
	skip := make(map[string]bool, len(DefaultDenylist)+len(exclude))
	for _, name := range DefaultDenylist {
		skip[name] = true
	}
	for _, name := range exclude {
		skip[name] = true
	}
	return &Lister{
		tool:     tool,
		dest:     dest,
		tokens:   tokens,
		timeout:  timeout,
		exclude:  skip,
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// ListFolders returns the account's folders in the order the tool reported
// them, whatever the tool's exit status. It returns an empty list on timeout,
// launch failure or when no folder was listed; callers treat that as
// "discovery unavailable", not "no folders".
func (l *Lister) ListFolders(ctx context.Context, account config.Account) []string {
	logger := l.logger.With(zap.String("account", account.Email))

	path, err := l.lookPath(l.tool.Path)
	if err != nil {
		logger.Error("Failed to get folders", zap.Error(err))
		return nil
	}

	args, ok := l.args(ctx, account, logger)
	if !ok {
		return nil
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	logger.Debug("Listing folders", zap.String("command", path+" "+strings.Join(transfer.MaskArgs(args), " ")))

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		logger.Error("Failed to get folders", zap.Error(err))
		return nil
	}
	// The dummy host2 login normally fails; the exit status is ignored.
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		logger.Warn("Folder discovery timed out", zap.Duration("timeout", l.timeout))
		return nil
	}

	folders := l.parse(&stdout)
	if len(folders) == 0 {
		logger.Warn("Folder discovery found no folders", zap.NamedError("exit", waitErr))
		return nil
	}
	logger.Info("Discovered folders", zap.Int("count", len(folders)), zap.NamedError("exit", waitErr))
	return folders
}

func (l *Lister) args(ctx context.Context, account config.Account, logger *zap.Logger) ([]string, bool) {
	args := []string{
		"--host1", account.Host(),
		"--port1", strconv.Itoa(account.Port()),
		"--ssl1",
		"--user1", account.Email,
		"--justfolders",
		"--nocolor",
		"--host2", l.dest.Host,
		"--port2", strconv.Itoa(l.dest.Port),
		"--user2", "dummy@dummy.com",
		"--password2", "dummy",
	}

	if !account.IsOAuth() {
		return append(args, "--password1", account.Password), true
	}
	if l.tokens == nil {
		return nil, false
	}
	tok, err := l.tokens.GetValidToken(ctx, account.Identity())
	if err != nil {
		logger.Error("Failed to get OAuth2 token for folder discovery", zap.Error(err))
		return nil, false
	}
	return append(args, "--authmech1", "XOAUTH2", "--oauthaccesstoken1", tok.AccessToken, "--password1", "dummy"), true
}

func (l *Lister) parse(stdout *bytes.Buffer) []string {
	seen := make(map[string]bool)
	var folders []string

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		ev := transfer.Classify(line)
		listed := ev.Kind == transfer.EventFolderListed ||
			(ev.Kind == transfer.EventFolderSize && strings.HasPrefix(line, "Host1"))
		if !listed || ev.Folder == "" {
			continue
		}
		if l.exclude[ev.Folder] || seen[ev.Folder] {
			continue
		}
		seen[ev.Folder] = true
		folders = append(folders, ev.Folder)
	}
	return folders
}
