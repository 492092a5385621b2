package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mailmigrate/internal/checkpoint"
	"mailmigrate/internal/config"
	"mailmigrate/internal/discovery"
	"mailmigrate/internal/events"
	"mailmigrate/internal/metrics"
	"mailmigrate/internal/probe"
	"mailmigrate/internal/progress"
	"mailmigrate/internal/runctx"
	"mailmigrate/internal/storage"
	"mailmigrate/internal/token"
	"mailmigrate/internal/transfer"
	"mailmigrate/internal/worker"

	"go.uber.org/zap"
)

var (
	// ErrDestinationUnreachable aborts a run before any account work starts
	ErrDestinationUnreachable = errors.New("destination server unreachable")
	// ErrToolUnavailable aborts a run when the transfer tool cannot be executed
	ErrToolUnavailable = errors.New("transfer tool unavailable")
	// ErrCredentialMissing skips a single account
	ErrCredentialMissing = errors.New("credential missing")
)

// Prober checks that the destination server accepts connections
type Prober interface {
	Destination(ctx context.Context, dest config.Destination) error
}

// AccountSyncer syncs one account
type AccountSyncer interface {
	SyncAccount(ctx context.Context, account config.Account, target worker.Target) worker.Result
}

// TokenPreflighter reports whether an OAuth identity can authenticate at all
type TokenPreflighter interface {
	Preflight(ctx context.Context, identity string) error
}

// AccountObserver is told the final status of each account
type AccountObserver interface {
	AccountFinished(status worker.AccountStatus)
}

// Deps are the collaborators of a Migrator
type Deps struct {
	Prober     Prober
	Syncer     AccountSyncer
	Tokens     TokenPreflighter
	Checkpoint checkpoint.Store
	Publisher  events.Publisher
	Observer   AccountObserver
	Tracker    *progress.Tracker
	Display    *progress.Display
	LookPath   func(string) (string, error)
	Now        func() time.Time
}

// Migrator represents the main migration application
type Migrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	run     *runctx.Run
	deps    Deps
	metrics *metrics.Collector
}

// New wires the production collaborators for cfg
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	run := runctx.New(time.Duration(cfg.Sync.ShutdownGraceSeconds)*time.Second, logger)
	logger = logger.With(zap.String("run_id", run.ID))

	// Create metrics collector
	metricsCollector := metrics.New()

	tokens := token.NewRegistry(cfg.OAuth, logger, token.WithRenewHook(metricsCollector.TokenRenewed))

	// Create checkpoint store
	store, err := checkpoint.Open(cfg.Sync.CheckpointBackend, cfg.Sync.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	opts := []transfer.Option{transfer.WithObserver(metricsCollector)}
	if cfg.Archive.Enabled() {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Secure:    cfg.Archive.Secure,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		opts = append(opts, transfer.WithArchiver(storage.NewLogArchiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix, run.ID, logger)))
	}
	supervisor := transfer.NewSupervisor(cfg.Tool, cfg.Destination, run, tokens, logger, opts...)

	lister := discovery.NewLister(cfg.Tool, cfg.Destination, tokens,
		time.Duration(cfg.Sync.DiscoveryTimeoutSeconds)*time.Second, cfg.Sync.ExcludeFolders, logger)

	scheduler := worker.NewScheduler(worker.Config{
		BatchSize:    cfg.Sync.BatchSize,
		MaxBatches:   cfg.Sync.MaxBatches,
		Retries:      cfg.Sync.Retries,
		RetryBackoff: time.Duration(cfg.Sync.RetryBackoffSeconds) * time.Second,
		DryRun:       cfg.Sync.DryRun,
	}, store, lister, supervisor, tokens, run, logger, worker.WithObserver(metricsCollector))

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			logger.Warn("Event publishing disabled", zap.Error(err))
		} else {
			publisher = p
		}
	}

	// Create progress display if enabled and supported and not in dry-run mode
	tracker := metricsCollector.GetProgressTracker()
	var display *progress.Display
	if cfg.Sync.ShowProgress && !cfg.Sync.DryRun && progress.IsTerminalSupported() {
		display = progress.NewDisplay(tracker, 2*time.Second, os.Stdout)
		logger.Info("Progress display enabled")
	} else if cfg.Sync.DryRun {
		logger.Info("Progress display disabled (dry-run mode)")
	}

	m := NewWithDeps(cfg, run, Deps{
		Prober:     probe.New(cfg.Sync.ProbeRetries, logger),
		Syncer:     scheduler,
		Tokens:     tokens,
		Checkpoint: store,
		Publisher:  publisher,
		Observer:   metricsCollector,
		Tracker:    tracker,
		Display:    display,
	}, logger)
	m.metrics = metricsCollector
	return m, nil
}

// NewWithDeps creates a migrator around already-built collaborators
func NewWithDeps(cfg *config.Config, run *runctx.Run, deps Deps, logger *zap.Logger) *Migrator {
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	return &Migrator{
		cfg:    cfg,
		logger: logger,
		run:    run,
		deps:   deps,
	}
}

// RunID identifies this run
func (m *Migrator) RunID() string {
	return m.run.ID
}

// Run executes the migration of every selected account. The returned error
// is non-nil only for run-fatal conditions; per-account failures are
// reported in the summary.
func (m *Migrator) Run(ctx context.Context) (Summary, error) {
	started := m.deps.Now()
	accounts := m.cfg.Selected()
	summary := Summary{RunID: m.run.ID, DryRun: m.cfg.Sync.DryRun}

	m.logger.Info("Starting migration",
		zap.Int("accounts", len(accounts)),
		zap.Int("max_accounts", m.cfg.Sync.MaxAccounts),
		zap.Int("max_batches", m.cfg.Sync.MaxBatches),
		zap.Int("batch_size", m.cfg.Sync.BatchSize),
		zap.Bool("dry_run", m.cfg.Sync.DryRun),
	)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			m.run.Shutdown()
		case <-finished:
		}
	}()

	if m.metrics != nil && m.cfg.MetricsAddr != "" {
		go func() {
			if err := m.metrics.StartServer(m.cfg.MetricsAddr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if err := m.preflight(ctx, accounts); err != nil {
		m.logger.Error("Run aborted", zap.Error(err))
		return summary, err
	}

	if m.cfg.Sync.ResetCheckpoint {
		if err := m.resetCheckpoint(); err != nil {
			return summary, err
		}
	}

	m.publish(ctx, events.Event{Type: events.TypeRunStarted, Accounts: len(accounts), DryRun: m.cfg.Sync.DryRun})

	if m.deps.Tracker != nil {
		m.deps.Tracker.SetTotalAccounts(len(accounts))
	}
	if m.deps.Display != nil {
		m.deps.Display.Start()
	}

	results, fatal := m.syncAccounts(ctx, accounts)

	if m.deps.Display != nil {
		m.deps.Display.Stop()
	}

	summary.Accounts = results
	summary.Interrupted = m.run.Stopping()
	summary.Duration = m.deps.Now().Sub(started)
	summary.tally()

	if !m.cfg.Sync.DryRun {
		if err := m.saveStats(accounts, results); err != nil {
			m.logger.Error("Failed to save account statistics", zap.Error(err))
		}
	}

	m.publish(ctx, events.Event{
		Type:     events.TypeRunFinished,
		Accounts: len(results),
		Messages: summary.Messages,
		DryRun:   summary.DryRun,
		Status:   summary.Status(),
	})

	m.logger.Info("Migration completed",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("partially_failed", summary.PartiallyFailed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("messages", summary.Messages),
		zap.Bool("interrupted", summary.Interrupted),
	)

	if fatal {
		return summary, fmt.Errorf("%w: %s", ErrToolUnavailable, m.cfg.Tool.Path)
	}
	return summary, nil
}

// preflight checks the run-fatal conditions once, before any account work
func (m *Migrator) preflight(ctx context.Context, accounts []config.Account) error {
	if _, err := m.deps.LookPath(m.cfg.Tool.Path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, m.cfg.Tool.Path, err)
	}

	if err := m.deps.Prober.Destination(ctx, m.cfg.Destination); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDestinationUnreachable, m.cfg.Destination.Address(), err)
	}

	if m.deps.Tokens == nil {
		return nil
	}
	for _, identity := range oauthIdentities(accounts) {
		if err := m.deps.Tokens.Preflight(ctx, identity); err != nil {
			return fmt.Errorf("no usable token for identity %s: %w", identity, err)
		}
	}
	return nil
}

func (m *Migrator) resetCheckpoint() error {
	if m.deps.Checkpoint == nil {
		return nil
	}
	if len(m.cfg.Sync.Only) == 0 {
		m.logger.Info("Resetting checkpoint")
		return m.deps.Checkpoint.Reset("")
	}
	for _, email := range m.cfg.Sync.Only {
		m.logger.Info("Resetting checkpoint", zap.String("account", email))
		if err := m.deps.Checkpoint.Reset(email); err != nil {
			return fmt.Errorf("failed to reset checkpoint of %s: %w", email, err)
		}
	}
	return nil
}

// syncAccounts runs the accounts on max_accounts workers. Results keep the
// order of accounts.
func (m *Migrator) syncAccounts(ctx context.Context, accounts []config.Account) ([]worker.Result, bool) {
	results := make([]worker.Result, len(accounts))
	var fatal atomic.Bool

	size := m.cfg.Sync.MaxAccounts
	if size < 1 {
		size = 1
	}

	jobs := make(chan int, size*2)
	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go m.worker(ctx, i, accounts, results, jobs, &fatal, &wg)
	}

	lister := &AccountLister{run: m.run, fatal: &fatal, logger: m.logger}
	lister.ListAndEnqueue(ctx, len(accounts), jobs)
	close(jobs)
	wg.Wait()

	for i := range results {
		if results[i].Account == "" {
			results[i] = notStarted(accounts[i], fatal.Load())
			m.finish(ctx, results[i])
		}
	}
	return results, fatal.Load()
}

func (m *Migrator) worker(ctx context.Context, id int, accounts []config.Account, results []worker.Result, jobs <-chan int, fatal *atomic.Bool, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := m.logger.With(zap.Int("worker_id", id))
	logger.Debug("Account worker started")

	for i := range jobs {
		if m.run.Stopping() || fatal.Load() {
			continue
		}

		account := accounts[i]
		target, err := resolveTarget(m.cfg, account)
		if err != nil {
			logger.Warn("Skipping account", zap.String("account", account.Email), zap.Error(err))
			results[i] = worker.Result{Account: account.Email, Status: worker.AccountSkipped, Reason: err.Error()}
			m.finish(ctx, results[i])
			continue
		}

		result := m.deps.Syncer.SyncAccount(ctx, account, target)
		if result.Fatal {
			logger.Error("Fatal transfer failure, no further accounts will start", zap.String("account", account.Email))
			fatal.Store(true)
		}
		results[i] = result
		m.finish(ctx, result)
	}
}

// finish reports one account's final result
func (m *Migrator) finish(ctx context.Context, r worker.Result) {
	if m.deps.Observer != nil {
		m.deps.Observer.AccountFinished(r.Status)
	}
	m.publish(ctx, events.Event{
		Type:      events.TypeAccountFinished,
		Account:   r.Account,
		Status:    string(r.Status),
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Pending:   r.Pending,
		Messages:  r.Messages,
		Reason:    r.Reason,
		DryRun:    m.cfg.Sync.DryRun,
	})
}

func (m *Migrator) publish(ctx context.Context, ev events.Event) {
	ev.RunID = m.run.ID
	if err := m.deps.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("Failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// saveStats adds the transferred message counts of accounts that made
// progress and stamps their last sync time.
func (m *Migrator) saveStats(accounts []config.Account, results []worker.Result) error {
	now := m.deps.Now().UTC()
	var updated []config.Account
	for i, r := range results {
		if r.Status != worker.AccountSucceeded && r.Status != worker.AccountPartiallyFailed {
			continue
		}
		acct := accounts[i]
		acct.Stats.SyncedMessages += r.Messages
		acct.Stats.LastSync = &now
		updated = append(updated, acct)

		for j := range m.cfg.Accounts {
			if m.cfg.Accounts[j].Email == acct.Email {
				m.cfg.Accounts[j].Stats = acct.Stats
			}
		}
	}
	if len(updated) == 0 {
		return nil
	}
	return config.SaveStats(m.cfg.Sync.StatsFile, updated)
}

// Close cleans up resources
func (m *Migrator) Close() error {
	m.deps.Publisher.Close()
	if m.deps.Checkpoint != nil {
		return m.deps.Checkpoint.Close()
	}
	return nil
}

func oauthIdentities(accounts []config.Account) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range accounts {
		if a.IsOAuth() && !seen[a.Identity()] {
			seen[a.Identity()] = true
			ids = append(ids, a.Identity())
		}
	}
	sort.Strings(ids)
	return ids
}
