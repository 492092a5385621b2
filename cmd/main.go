package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"mailmigrate/internal/app"
	"mailmigrate/internal/checkpoint"
	"mailmigrate/internal/config"
	"mailmigrate/internal/discovery"
	"mailmigrate/internal/logger"
	"mailmigrate/internal/probe"
	"mailmigrate/internal/token"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "mailmigrate",
	Short:        "Migrate IMAP mailboxes with imapsync",
	Long:         `A resumable, concurrent IMAP mailbox migration tool that drives imapsync folder batch by folder batch, with OAuth2 token management, checkpointing and retry.`,
	RunE:         runSync,
	SilenceUsage: true,
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the folders of a source account",
	RunE:  runFolders,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint and account statistics",
	RunE:  runStatus,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Obtain OAuth2 tokens",
}

var tokenExchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Exchange an authorization code for a token",
	RunE:  runTokenExchange,
}

var tokenAcquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire or renew a token for an identity",
	RunE:  runTokenAcquire,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the destination server and optionally a source login",
	RunE:  runVerify,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")

	// Destination flags
	rootCmd.PersistentFlags().String("dst-host", "", "Destination IMAP host")
	rootCmd.PersistentFlags().Int("dst-port", 993, "Destination IMAP port")
	rootCmd.PersistentFlags().Bool("dst-tls", true, "Use TLS for destination")
	rootCmd.PersistentFlags().Bool("dst-tls-verify", true, "Verify destination TLS certificate")
	rootCmd.PersistentFlags().String("tool", "imapsync", "Path of the imapsync executable")
	rootCmd.PersistentFlags().String("log-dir", "./logs/imapsync", "Directory for imapsync log files")
	rootCmd.PersistentFlags().String("checkpoint", "./logs/sync_state.json", "Checkpoint file")
	rootCmd.PersistentFlags().String("checkpoint-backend", "json", "Checkpoint backend (json/sqlite)")

	// Sync flags
	rootCmd.Flags().Bool("dry-run", false, "Run imapsync with --dry and leave checkpoint and statistics untouched")
	rootCmd.Flags().Int("max-accounts", 1, "Number of accounts synced concurrently")
	rootCmd.Flags().Int("max-batches", 3, "Number of folder batches per account run concurrently")
	rootCmd.Flags().Int("batch-size", 5, "Folders per batch")
	rootCmd.Flags().Int("retries", 3, "Maximum attempts per batch")
	rootCmd.Flags().StringSlice("account", nil, "Only sync these source accounts")
	rootCmd.Flags().Bool("reset-checkpoint", false, "Forget confirmed folders before syncing")
	rootCmd.Flags().Bool("show-progress", true, "Show progress display (auto-disabled for dry-run)")
	rootCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	foldersCmd.Flags().String("account", "", "Source account email")
	_ = foldersCmd.MarkFlagRequired("account")

	tokenCmd.PersistentFlags().String("identity", config.DefaultIdentity, "OAuth identity name")
	tokenExchangeCmd.Flags().String("code", "", "Authorization code")
	_ = tokenExchangeCmd.MarkFlagRequired("code")
	tokenCmd.AddCommand(tokenExchangeCmd, tokenAcquireCmd)

	verifyCmd.Flags().String("account", "", "Also log in to this OAuth source account")

	rootCmd.AddCommand(foldersCmd, statusCmd, tokenCmd, verifyCmd)
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Create application
	migrator, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	summary, err := migrator.Run(ctx)

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	return report(cmd.OutOrStdout(), summary, err)
}

// report prints the summary of every account that was reached, then returns
// runErr or an error counting the accounts that did not fully succeed.
func report(out io.Writer, summary app.Summary, runErr error) error {
	if len(summary.Accounts) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, strings.Join(summary.Lines(), "\n"))
	}

	if runErr != nil {
		return runErr
	}
	if !summary.OK() {
		return fmt.Errorf("%d of %d accounts did not fully succeed", len(summary.Accounts)-summary.Succeeded, len(summary.Accounts))
	}
	return nil
}

func runFolders(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	email, _ := cmd.Flags().GetString("account")
	account, ok := findAccount(cfg, email)
	if !ok {
		return fmt.Errorf("account %s is not configured", email)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	tokens := token.NewRegistry(cfg.OAuth, log)
	lister := discovery.NewLister(cfg.Tool, cfg.Destination, tokens,
		time.Duration(cfg.Sync.DiscoveryTimeoutSeconds)*time.Second, cfg.Sync.ExcludeFolders, log)

	folders := lister.ListFolders(ctx, account)
	if len(folders) == 0 {
		return errors.New("folder discovery returned nothing; a sync would transfer the whole account")
	}

	store, err := checkpoint.Open(cfg.Sync.CheckpointBackend, cfg.Sync.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer store.Close()

	confirmed, err := store.Confirmed(account.Email)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	done := make(map[string]bool, len(confirmed))
	for _, f := range confirmed {
		done[f] = true
	}

	out := cmd.OutOrStdout()
	for _, f := range folders {
		mark := " "
		if done[f] {
			mark = "x"
		}
		fmt.Fprintf(out, "[%s] %s\n", mark, f)
	}
	fmt.Fprintf(out, "%d folders, %d outstanding\n", len(folders), len(checkpoint.Outstanding(folders, confirmed)))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := checkpoint.Open(cfg.Sync.CheckpointBackend, cfg.Sync.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer store.Close()

	snapshot, err := store.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, acct := range cfg.Accounts {
		last := "never"
		if acct.Stats.LastSync != nil {
			last = humanize.Time(*acct.Stats.LastSync)
		}
		fmt.Fprintf(out, "%-40s %4d folders confirmed  %s messages  last sync %s\n",
			acct.Email, len(snapshot[acct.Email]), humanize.Comma(int64(acct.Stats.SyncedMessages)), last)
	}

	var orphaned []string
	for email := range snapshot {
		if _, ok := findAccount(cfg, email); !ok {
			orphaned = append(orphaned, email)
		}
	}
	sort.Strings(orphaned)
	for _, email := range orphaned {
		fmt.Fprintf(out, "%-40s %4d folders confirmed  (not configured)\n", email, len(snapshot[email]))
	}
	return nil
}

func runTokenExchange(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	identity, _ := cmd.Flags().GetString("identity")
	code, _ := cmd.Flags().GetString("code")

	m, err := token.NewRegistry(cfg.OAuth, log).Manager(identity)
	if err != nil {
		return err
	}
	tok, err := m.Exchange(cmd.Context(), code)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token for %s stored, expires %s\n", identity, humanize.Time(tok.Expiry))
	return nil
}

func runTokenAcquire(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	identity, _ := cmd.Flags().GetString("identity")
	id, ok := cfg.IdentityByName(identity)
	if !ok {
		return fmt.Errorf("%w: %s", token.ErrUnknownIdentity, identity)
	}

	m, err := token.NewRegistry(cfg.OAuth, log).Manager(identity)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tok, err := m.GetValidToken(cmd.Context())
	if errors.Is(err, token.ErrNoToken) {
		fmt.Fprintln(out, "No token yet. Open this URL, sign in, then run `token exchange --code <code>`:")
		fmt.Fprintln(out, token.NewOAuthEndpoint(id).AuthCodeURL(xid.New().String()))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Token for %s valid, expires %s\n", identity, humanize.Time(tok.Expiry))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	p := probe.New(cfg.Sync.ProbeRetries, log)
	if err := p.Destination(ctx, cfg.Destination); err != nil {
		return fmt.Errorf("%w: %v", app.ErrDestinationUnreachable, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Destination %s reachable\n", cfg.Destination.Address())

	email, _ := cmd.Flags().GetString("account")
	if email == "" {
		return nil
	}
	account, ok := findAccount(cfg, email)
	if !ok {
		return fmt.Errorf("account %s is not configured", email)
	}
	if !account.IsOAuth() {
		return fmt.Errorf("account %s does not use OAuth", email)
	}

	tok, err := token.NewRegistry(cfg.OAuth, log).GetValidToken(ctx, account.Identity())
	if err != nil {
		return err
	}
	if err := p.SourceLogin(ctx, account, tok.AccessToken); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Source login for %s succeeded\n", email)
	return nil
}

func findAccount(cfg *config.Config, email string) (config.Account, bool) {
	for _, a := range cfg.Accounts {
		if a.Email == email {
			return a, true
		}
	}
	return config.Account{}, false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
