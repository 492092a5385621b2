// Package worker splits an account's outstanding folders into batches and
// runs them on a bounded pool, retrying each batch according to its failure
// kind and recording successful batches in the checkpoint.
package worker

import (
	"context"
	"fmt"
	"time"

	"mailmigrate/internal/checkpoint"
	"mailmigrate/internal/config"
	"mailmigrate/internal/runctx"
	"mailmigrate/internal/token"
	"mailmigrate/internal/transfer"

	"go.uber.org/zap"
)

// AccountStatus is the aggregated outcome of one account
type AccountStatus string

const (
	AccountSucceeded       AccountStatus = "succeeded"
	AccountPartiallyFailed AccountStatus = "partially_failed"
	AccountFailed          AccountStatus = "failed"
	AccountSkipped         AccountStatus = "skipped"
)

// FolderLister discovers an account's folders; empty means unavailable
type FolderLister interface {
	ListFolders(ctx context.Context, account config.Account) []string
}

// Refresher forces a token refresh for an identity
type Refresher interface {
	ForceRefresh(ctx context.Context, identity, stale string) (*token.Token, error)
}

// Target is the destination mailbox of an account
type Target struct {
	User   string
	Secret string
}

// Result is the outcome of syncing one account
type Result struct {
	Account      string
	Status       AccountStatus
	Succeeded    []string
	Failed       []string
	Pending      []string
	Messages     int
	Batches      int
	WholeAccount bool
	Reason       string
	// Fatal is set when a batch reported a failure no account can recover from.
	Fatal bool
}

// Scheduler syncs accounts batch by batch
type Scheduler struct {
	config     Config
	store      checkpoint.Store
	lister     FolderLister
	transferer Transferer
	refresher  Refresher
	run        *runctx.Run
	observer   Observer
	sleep      func(time.Duration) bool
	logger     *zap.Logger
}

// SchedulerOption customizes a Scheduler
type SchedulerOption func(*Scheduler)

// WithObserver receives batch lifecycle notifications
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observer = o }
}

// WithSleep replaces the backoff sleep. fn returns false when interrupted.
func WithSleep(fn func(time.Duration) bool) SchedulerOption {
	return func(s *Scheduler) { s.sleep = fn }
}

// NewScheduler creates a scheduler. refresher may be nil when no account uses OAuth.
func NewScheduler(
	config Config,
	store checkpoint.Store,
	lister FolderLister,
	transferer Transferer,
	refresher Refresher,
	run *runctx.Run,
	logger *zap.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		config:     config,
		store:      store,
		lister:     lister,
		transferer: transferer,
		refresher:  refresher,
		run:        run,
		sleep:      run.Sleep,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncAccount syncs the folders of account not yet in the checkpoint.
func (s *Scheduler) SyncAccount(ctx context.Context, account config.Account, target Target) Result {
	logger := s.logger.With(zap.String("account", account.Email))
	processor := &TaskProcessor{
		config:     s.config,
		transferer: s.transferer,
		observer:   s.observer,
		sleep:      s.sleep,
		logger:     logger,
	}
	req := transfer.Request{
		Account:    account,
		DestUser:   target.User,
		DestSecret: target.Secret,
		DryRun:     s.config.DryRun,
	}

	confirmed, err := s.store.Confirmed(account.Email)
	if err != nil {
		logger.Warn("Cannot read checkpoint, syncing every folder", zap.Error(err))
		confirmed = nil
	}

	discovered := s.lister.ListFolders(ctx, account)
	if len(discovered) == 0 {
		logger.Info("Folder discovery unavailable, syncing whole account")
		return s.syncWhole(ctx, account, processor, req, logger)
	}

	outstanding := checkpoint.Outstanding(discovered, confirmed)
	logger.Info("Computed outstanding folders",
		zap.Int("discovered", len(discovered)),
		zap.Int("confirmed", len(confirmed)),
		zap.Int("outstanding", len(outstanding)),
	)
	if len(outstanding) == 0 {
		return Result{Account: account.Email, Status: AccountSucceeded, Reason: "nothing outstanding"}
	}

	groups := Split(outstanding, s.config.BatchSize)
	batches := make([]*FolderBatch, len(groups))
	for i, folders := range groups {
		batches[i] = NewBatch(account.Email, fmt.Sprintf("batch-%d", i+1), folders)
	}

	pool := NewPool(s.config.MaxBatches, processor, s.run, logger)
	pool.Run(ctx, batches, req, func(b *FolderBatch) {
		s.record(account.Email, b, logger)
	})

	final := s.retryExpired(ctx, account, processor, req, batches, logger)
	return s.aggregate(account.Email, final, false)
}

func (s *Scheduler) syncWhole(ctx context.Context, account config.Account, processor *TaskProcessor, req transfer.Request, logger *zap.Logger) Result {
	batch := NewBatch(account.Email, "full", nil)
	if s.run.Stopping() {
		return s.aggregate(account.Email, []*FolderBatch{batch}, true)
	}

	processor.Process(ctx, batch, req)
	s.record(account.Email, batch, logger)

	final := s.retryExpired(ctx, account, processor, req, []*FolderBatch{batch}, logger)
	return s.aggregate(account.Email, final, true)
}

// record writes a succeeded batch's confirmed folders to the checkpoint.
func (s *Scheduler) record(account string, b *FolderBatch, logger *zap.Logger) {
	if b.Status() != BatchSucceeded || s.config.DryRun {
		return
	}
	folders := b.Outcome.Confirmed
	if len(folders) == 0 {
		return
	}
	if err := s.store.MarkSynced(account, folders); err != nil {
		logger.Error("Failed to save checkpoint", zap.String("batch", b.ID), zap.Error(err))
	}
}

// retryExpired gives every batch that failed on token expiry one more
// attempt after a single forced refresh, serially and without backoff.
func (s *Scheduler) retryExpired(ctx context.Context, account config.Account, processor *TaskProcessor, req transfer.Request, batches []*FolderBatch, logger *zap.Logger) []*FolderBatch {
	var expired []int
	for i, b := range batches {
		if b.Status() == BatchFailed && b.Outcome.Kind == transfer.FailureTokenExpired {
			expired = append(expired, i)
		}
	}
	if len(expired) == 0 {
		return batches
	}
	if !account.IsOAuth() || s.refresher == nil {
		logger.Warn("Token expiry reported for an account without a refreshable token")
		return batches
	}
	if s.run.Stopping() {
		return batches
	}

	stale := batches[expired[0]].Outcome.UsedToken
	logger.Info("Refreshing token before retrying expired batches", zap.Int("batches", len(expired)))
	if _, err := s.refresher.ForceRefresh(ctx, account.Identity(), stale); err != nil {
		logger.Error("Token refresh failed, expired batches stay failed", zap.Error(err))
		for _, i := range expired {
			batches[i].Outcome.Message = fmt.Sprintf("%s; token refresh failed: %v", batches[i].Outcome.Message, err)
		}
		return batches
	}

	final := append([]*FolderBatch(nil), batches...)
	for _, i := range expired {
		if s.run.Stopping() {
			break
		}
		retry := batches[i].Retry()
		processor.ProcessOnce(ctx, retry, req)
		s.record(account.Email, retry, logger)
		final[i] = retry
	}
	return final
}

func (s *Scheduler) aggregate(account string, batches []*FolderBatch, whole bool) Result {
	res := Result{Account: account, Batches: len(batches), WholeAccount: whole}

	var failed, pending int
	for _, b := range batches {
		switch b.Status() {
		case BatchSucceeded:
			res.Messages += b.Outcome.Messages
			if whole {
				res.Succeeded = append(res.Succeeded, b.Outcome.Confirmed...)
			} else {
				res.Succeeded = append(res.Succeeded, b.Folders...)
			}
		case BatchFailed:
			failed++
			res.Messages += b.Outcome.Messages
			res.Failed = append(res.Failed, b.Folders...)
			if res.Reason == "" {
				res.Reason = b.Outcome.Message
			}
			if b.Outcome.Kind == transfer.FailureFatal {
				res.Fatal = true
			}
		default:
			pending++
			res.Pending = append(res.Pending, b.Folders...)
		}
	}

	switch {
	case failed == 0 && pending == 0:
		res.Status = AccountSucceeded
	case whole:
		res.Status = AccountFailed
	default:
		res.Status = AccountPartiallyFailed
	}
	if pending > 0 && res.Reason == "" {
		res.Reason = "shutdown requested"
	}
	return res
}
