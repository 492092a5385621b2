package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"mailmigrate/internal/config"
	"mailmigrate/internal/runctx"
	"mailmigrate/internal/worker"

	"go.uber.org/zap"
)

// AccountLister feeds account indexes to the account workers
type AccountLister struct {
	run    *runctx.Run
	fatal  *atomic.Bool
	logger *zap.Logger
}

// ListAndEnqueue enqueues the indexes 0..n-1 until shutdown is requested or
// a fatal failure stops the run.
func (l *AccountLister) ListAndEnqueue(ctx context.Context, n int, jobs chan<- int) {
	for i := 0; i < n; i++ {
		if l.run.Stopping() || l.fatal.Load() {
			l.logger.Info("Not starting remaining accounts", zap.Int("remaining", n-i))
			return
		}

		select {
		case jobs <- i:
		case <-l.run.Done():
			l.logger.Info("Not starting remaining accounts", zap.Int("remaining", n-i))
			return
		case <-ctx.Done():
			return
		}
	}
}

// resolveTarget returns the destination mailbox of account and checks that
// every credential it needs is configured.
func resolveTarget(cfg *config.Config, account config.Account) (worker.Target, error) {
	dest := account.Destination()
	secret, ok := cfg.Destination.Passwords[dest]
	if !ok || secret == "" {
		return worker.Target{}, fmt.Errorf("%w: no destination password for %s", ErrCredentialMissing, dest)
	}

	if account.IsOAuth() {
		if _, ok := cfg.IdentityByName(account.Identity()); !ok {
			return worker.Target{}, fmt.Errorf("%w: unknown oauth identity %s", ErrCredentialMissing, account.Identity())
		}
	} else if account.Password == "" {
		return worker.Target{}, fmt.Errorf("%w: no source password for %s", ErrCredentialMissing, account.Email)
	}

	return worker.Target{User: dest, Secret: secret}, nil
}

func notStarted(account config.Account, fatal bool) worker.Result {
	reason := "not started: shutdown requested"
	if fatal {
		reason = "not started: transfer tool unavailable"
	}
	return worker.Result{Account: account.Email, Status: worker.AccountSkipped, Reason: reason}
}
