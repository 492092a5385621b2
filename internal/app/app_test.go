package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mailmigrate/internal/config"
	"mailmigrate/internal/events"
	"mailmigrate/internal/runctx"
	"mailmigrate/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Destination(context.Context, config.Destination) error {
	p.calls++
	return p.err
}

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	targets []worker.Target
	results map[string]worker.Result
	hook    func(account string)
}

func (s *fakeSyncer) SyncAccount(_ context.Context, account config.Account, target worker.Target) worker.Result {
	s.mu.Lock()
	s.calls = append(s.calls, account.Email)
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	if s.hook != nil {
		s.hook(account.Email)
	}
	if r, ok := s.results[account.Email]; ok {
		r.Account = account.Email
		return r
	}
	return worker.Result{Account: account.Email, Status: worker.AccountSucceeded, Messages: 10}
}

func (s *fakeSyncer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeTokens struct {
	errs  map[string]error
	calls []string
}

func (f *fakeTokens) Preflight(_ context.Context, identity string) error {
	f.calls = append(f.calls, identity)
	return f.errs[identity]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() { p.closed = true }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, ev := range p.events {
		types = append(types, ev.Type)
	}
	return types
}

type statusCounter struct {
	mu     sync.Mutex
	counts map[worker.AccountStatus]int
}

func (c *statusCounter) AccountFinished(status worker.AccountStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[worker.AccountStatus]int{}
	}
	c.counts[status]++
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Destination.Host = "mail.example.net"
	cfg.Destination.Passwords = map[string]string{
		"alice@example.net": "alice-dest",
		"bob@example.com":   "bob-dest",
		"carol@example.com": "carol-dest",
	}
	cfg.Accounts = []config.Account{
		{Email: "alice@example.com", DestEmail: "alice@example.net", Auth: config.AuthPassword, Password: "a"},
		{Email: "bob@example.com", Auth: config.AuthPassword, Password: "b"},
		{Email: "carol@example.com", Auth: config.AuthOAuth},
	}
	cfg.OAuth.Identities = []config.Identity{{Name: config.DefaultIdentity, ClientID: "x"}}
	cfg.Sync.StatsFile = filepath.Join(t.TempDir(), "stats.yaml")
	cfg.Sync.MaxAccounts = 1
	return cfg
}

type harness struct {
	cfg       *config.Config
	run       *runctx.Run
	prober    *fakeProber
	syncer    *fakeSyncer
	tokens    *fakeTokens
	publisher *recordingPublisher
	observer  *statusCounter
	migrator  *Migrator
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		cfg:       cfg,
		run:       runctx.New(time.Second, logger),
		prober:    &fakeProber{},
		syncer:    &fakeSyncer{results: map[string]worker.Result{}},
		tokens:    &fakeTokens{errs: map[string]error{}},
		publisher: &recordingPublisher{},
		observer:  &statusCounter{},
	}
	h.migrator = NewWithDeps(cfg, h.run, Deps{
		Prober:    h.prober,
		Syncer:    h.syncer,
		Tokens:    h.tokens,
		Publisher: h.publisher,
		Observer:  h.observer,
		LookPath:  func(string) (string, error) { return "/usr/bin/imapsync", nil },
		Now:       func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
	}, logger)
	return h
}

func TestRun_AllAccountsSucceed(t *testing.T) {
	h := newHarness(t, testConfig(t))

	summary, err := h.migrator.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, h.syncer.Calls())
	assert.Equal(t, 1, h.prober.calls)
	assert.Equal(t, []string{config.DefaultIdentity}, h.tokens.calls)
	assert.Equal(t, worker.Target{User: "alice@example.net", Secret: "alice-dest"}, h.syncer.targets[0])

	assert.True(t, summary.OK())
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 30, summary.Messages)
	assert.Equal(t, "succeeded", summary.Status())
	assert.Equal(t, 3, h.observer.counts[worker.AccountSucceeded])

	types := h.publisher.Types()
	require.Len(t, types, 5)
	assert.Equal(t, events.TypeRunStarted, types[0])
	assert.Equal(t, events.TypeRunFinished, types[4])
	for _, ev := range h.publisher.events {
		assert.Equal(t, h.migrator.RunID(), ev.RunID)
	}
}

func TestRun_DestinationUnreachableAbortsBeforeAnyAccount(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.prober.err = errors.New("connection refused")

	_, err := h.migrator.Run(context.Background())
	require.ErrorIs(t, err, ErrDestinationUnreachable)
	assert.Empty(t, h.syncer.Calls())
	assert.Empty(t, h.publisher.Types())
}

func TestRun_ToolMissingAbortsBeforeAnyAccount(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.migrator.deps.LookPath = func(string) (string, error) { return "", errors.New("not found") }

	_, err := h.migrator.Run(context.Background())
	require.ErrorIs(t, err, ErrToolUnavailable)
	assert.Empty(t, h.syncer.Calls())
	assert.Zero(t, h.prober.calls)
}

func TestRun_TokenPreflightFailureAborts(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.tokens.errs[config.DefaultIdentity] = errors.New("no token")

	_, err := h.migrator.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable token for identity default")
	assert.Empty(t, h.syncer.Calls())
}

func TestRun_MissingCredentialSkipsOnlyThatAccount(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.Destination.Passwords, "bob@example.com")
	h := newHarness(t, cfg)

	summary, err := h.migrator.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@example.com", "carol@example.com"}, h.syncer.Calls())
	require.Len(t, summary.Accounts, 3)
	bob := summary.Accounts[1]
	assert.Equal(t, worker.AccountSkipped, bob.Status)
	assert.Contains(t, bob.Reason, "no destination password for bob@example.com")
	assert.Equal(t, 1, summary.Skipped)
	assert.False(t, summary.OK())
}

func TestResolveTarget(t *testing.T) {
	cfg := testConfig(t)

	_, err := resolveTarget(cfg, config.Account{Email: "bob@example.com", Auth: config.AuthPassword})
	require.ErrorIs(t, err, ErrCredentialMissing)
	assert.Contains(t, err.Error(), "no source password")

	_, err = resolveTarget(cfg, config.Account{Email: "carol@example.com", Auth: config.AuthOAuth, OAuthIdentity: "other"})
	require.ErrorIs(t, err, ErrCredentialMissing)

	target, err := resolveTarget(cfg, cfg.Accounts[2])
	require.NoError(t, err)
	assert.Equal(t, worker.Target{User: "carol@example.com", Secret: "carol-dest"}, target)
}

func TestRun_FatalResultStopsRemainingAccounts(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.syncer.results["alice@example.com"] = worker.Result{Status: worker.AccountFailed, Fatal: true, Reason: "imapsync not found"}

	summary, err := h.migrator.Run(context.Background())
	require.ErrorIs(t, err, ErrToolUnavailable)

	assert.Equal(t, []string{"alice@example.com"}, h.syncer.Calls())
	require.Len(t, summary.Accounts, 3)
	assert.Equal(t, worker.AccountFailed, summary.Accounts[0].Status)
	assert.Equal(t, worker.AccountSkipped, summary.Accounts[1].Status)
	assert.Contains(t, summary.Accounts[2].Reason, "transfer tool unavailable")
}

func TestRun_ShutdownStopsSchedulingAccounts(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.syncer.hook = func(string) { h.run.Shutdown() }

	summary, err := h.migrator.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@example.com"}, h.syncer.Calls())
	assert.True(t, summary.Interrupted)
	assert.Equal(t, "interrupted", summary.Status())
	assert.Contains(t, summary.Accounts[2].Reason, "shutdown requested")
}

func TestRun_SavesStatsForAccountsThatMadeProgress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Accounts[0].Stats.SyncedMessages = 5
	h := newHarness(t, cfg)
	h.syncer.results["bob@example.com"] = worker.Result{Status: worker.AccountPartiallyFailed, Messages: 3, Failed: []string{"Junk"}}
	h.syncer.results["carol@example.com"] = worker.Result{Status: worker.AccountFailed}

	_, err := h.migrator.Run(context.Background())
	require.NoError(t, err)

	stats, err := config.LoadStats(cfg.Sync.StatsFile)
	require.NoError(t, err)
	assert.Equal(t, 15, stats["alice@example.com"].SyncedMessages)
	assert.Equal(t, 3, stats["bob@example.com"].SyncedMessages)
	require.NotNil(t, stats["bob@example.com"].LastSync)
	assert.True(t, stats["bob@example.com"].LastSync.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)))
	assert.NotContains(t, stats, "carol@example.com")
	assert.Equal(t, 15, cfg.Accounts[0].Stats.SyncedMessages)
}

func TestRun_DryRunDoesNotSaveStats(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.DryRun = true
	h := newHarness(t, cfg)

	summary, err := h.migrator.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)

	stats, err := config.LoadStats(cfg.Sync.StatsFile)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestRun_ConcurrentAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.MaxAccounts = 3
	h := newHarness(t, cfg)

	summary, err := h.migrator.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, h.syncer.Calls())
	assert.Equal(t, "alice@example.com", summary.Accounts[0].Account)
	assert.Equal(t, "carol@example.com", summary.Accounts[2].Account)
}

func TestSummary_Lines(t *testing.T) {
	s := Summary{
		Accounts: []worker.Result{
			{Account: "alice@example.com", Status: worker.AccountSucceeded, Messages: 12345},
			{Account: "bob@example.com", Status: worker.AccountPartiallyFailed, Messages: 2, Failed: []string{"Junk", "Spam"}, Reason: "exit status 1"},
			{Account: "carol@example.com", Status: worker.AccountSkipped, Reason: "credential missing"},
		},
		Duration: 90 * time.Second,
	}
	s.tally()

	lines := s.Lines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "12,345 messages")
	assert.Contains(t, lines[1], "failed: Junk, Spam")
	assert.Contains(t, lines[2], "credential missing")
	assert.Contains(t, lines[3], "3 accounts: 1 succeeded, 1 partially failed, 0 failed, 1 skipped")
	assert.Equal(t, "failed", s.Status())
}

func TestSummary_LinesKeepOneLinePerAccount(t *testing.T) {
	s := Summary{
		Accounts: []worker.Result{
			{Account: "alice@example.com", Status: worker.AccountFailed, WholeAccount: true,
				Reason: "imapsync exited with code 1\nHost1: connecting\nErr 1/1: timeout"},
			{Account: "bob@example.com", Status: worker.AccountSucceeded},
		},
	}
	s.tally()

	lines := s.Lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "(imapsync exited with code 1)")
	assert.NotContains(t, lines[0], "timeout")
	assert.Contains(t, lines[1], "bob@example.com")
}

func TestClose_ClosesPublisher(t *testing.T) {
	h := newHarness(t, testConfig(t))
	require.NoError(t, h.migrator.Close())
	assert.True(t, h.publisher.closed)
}
