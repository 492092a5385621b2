package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// AuthMode selects how the source mailbox authenticates
type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthOAuth    AuthMode = "oauth"
)

// GrantKind selects how an OAuth identity obtains its tokens
type GrantKind string

const (
	GrantAuthorizationCode GrantKind = "authorization_code"
	GrantClientCredentials GrantKind = "client_credentials"
)

// Config represents the application configuration
type Config struct {
	Destination Destination `yaml:"destination"`
	Accounts    []Account   `yaml:"accounts"`
	OAuth       OAuth       `yaml:"oauth"`
	Sync        Sync        `yaml:"sync"`
	Tool        Tool        `yaml:"tool"`
	Archive     Archive     `yaml:"archive"`
	Events      Events      `yaml:"events"`
	MetricsAddr string      `yaml:"metrics_addr"`
	LogLevel    string      `yaml:"log_level"`
}

// Destination represents the destination IMAP server
type Destination struct {
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	TLS       bool              `yaml:"tls"`
	TLSVerify bool              `yaml:"tls_verify"`
	Passwords map[string]string `yaml:"passwords"`
}

// Address returns host:port of the destination
func (d Destination) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Account represents one source mailbox to migrate
type Account struct {
	Email         string    `yaml:"email"`
	Auth          AuthMode  `yaml:"auth"`
	Password      string    `yaml:"password,omitempty"`
	DestEmail     string    `yaml:"dest_email,omitempty"`
	SourceHost    string    `yaml:"source_host,omitempty"`
	SourcePort    int       `yaml:"source_port,omitempty"`
	OAuthIdentity string    `yaml:"oauth_identity,omitempty"`
	Stats         SyncStats `yaml:"-"`
}

// SyncStats holds the running statistics of an account
type SyncStats struct {
	SyncedMessages int        `yaml:"synced_messages"`
	LastSync       *time.Time `yaml:"last_sync,omitempty"`
}

// IsOAuth reports whether the account authenticates with a bearer token
func (a Account) IsOAuth() bool {
	return a.Auth == AuthOAuth
}

// Destination returns the destination mailbox address of the account
func (a Account) Destination() string {
	if a.DestEmail != "" {
		return a.DestEmail
	}
	return a.Email
}

// Host returns the source IMAP host
func (a Account) Host() string {
	if a.SourceHost != "" {
		return a.SourceHost
	}
	if a.IsOAuth() {
		return "outlook.office365.com"
	}
	if at := strings.LastIndex(a.Email, "@"); at >= 0 {
		return "imap." + a.Email[at+1:]
	}
	return a.Email
}

// Port returns the source IMAP port
func (a Account) Port() int {
	if a.SourcePort > 0 {
		return a.SourcePort
	}
	return 993
}

// Identity returns the OAuth identity the account draws tokens from
func (a Account) Identity() string {
	if a.OAuthIdentity != "" {
		return a.OAuthIdentity
	}
	return DefaultIdentity
}

// DefaultIdentity is used by OAuth accounts that do not name an identity
const DefaultIdentity = "default"

// OAuth represents OAuth2 configuration
type OAuth struct {
	TokensDir  string     `yaml:"tokens_dir"`
	Identities []Identity `yaml:"identities"`
}

// Identity represents one OAuth application registration
type Identity struct {
	Name              string    `yaml:"name"`
	TenantID          string    `yaml:"tenant_id"`
	ClientID          string    `yaml:"client_id"`
	ClientSecret      string    `yaml:"client_secret"`
	Grant             GrantKind `yaml:"grant"`
	TokenURL          string    `yaml:"token_url"`
	RedirectURI       string    `yaml:"redirect_uri"`
	Scopes            []string  `yaml:"scopes"`
	AuthorizationCode string    `yaml:"authorization_code,omitempty"`
}

// Endpoint returns the token endpoint URL of the identity
func (i Identity) Endpoint() string {
	if i.TokenURL != "" {
		return i.TokenURL
	}
	tenant := i.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
}

// Sync represents orchestration settings
type Sync struct {
	DryRun                  bool     `yaml:"dry_run"`
	MaxAccounts             int      `yaml:"max_accounts"`
	MaxBatches              int      `yaml:"max_batches"`
	BatchSize               int      `yaml:"batch_size"`
	Retries                 int      `yaml:"retries"`
	RetryBackoffSeconds     int      `yaml:"retry_backoff_seconds"`
	DiscoveryTimeoutSeconds int      `yaml:"discovery_timeout_seconds"`
	ShutdownGraceSeconds    int      `yaml:"shutdown_grace_seconds"`
	Checkpoint              string   `yaml:"checkpoint"`
	CheckpointBackend       string   `yaml:"checkpoint_backend"`
	ExcludeFolders          []string `yaml:"exclude_folders"`
	StatsFile               string   `yaml:"stats_file"`
	ShowProgress            bool     `yaml:"show_progress"`
	ProbeRetries            int      `yaml:"probe_retries"`
	Only                    []string `yaml:"only"`
	ResetCheckpoint         bool     `yaml:"-"`
}

// Tool represents the external transfer tool
type Tool struct {
	Path            string   `yaml:"path"`
	LogDir          string   `yaml:"log_dir"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	ErrorsMax       int      `yaml:"errors_max"`
	MirrorDeletions bool     `yaml:"mirror_deletions"`
	ExtraArgs       []string `yaml:"extra_args"`
}

// Archive represents the S3-compatible bucket that receives tool log files
type Archive struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether log archiving is configured
func (a Archive) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// Events represents the NATS event sink
type Events struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Destination: Destination{
			Port:      993,
			TLS:       true,
			TLSVerify: true,
			Passwords: map[string]string{},
		},
		OAuth: OAuth{
			TokensDir: "./tokens",
		},
		Sync: Sync{
			MaxAccounts:             1,
			MaxBatches:              3,
			BatchSize:               5,
			Retries:                 3,
			RetryBackoffSeconds:     2,
			DiscoveryTimeoutSeconds: 60,
			ShutdownGraceSeconds:    5,
			Checkpoint:              "./logs/sync_state.json",
			CheckpointBackend:       "json",
			StatsFile:               "./logs/account_stats.yaml",
			ShowProgress:            true,
			ProbeRetries:            3,
		},
		Tool: Tool{
			Path:           "imapsync",
			LogDir:         "./logs/imapsync",
			TimeoutSeconds: 300,
			ErrorsMax:      200,
		},
		Events: Events{
			Subject: "mailmigrate",
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg.normalize()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stats, err := LoadStats(cfg.Sync.StatsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load account stats: %w", err)
	}
	for i := range cfg.Accounts {
		if s, ok := stats[cfg.Accounts[i].Email]; ok {
			cfg.Accounts[i].Stats = s
		}
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("dst-host") {
		cfg.Destination.Host, _ = flags.GetString("dst-host")
	}
	if flags.Changed("dst-port") {
		cfg.Destination.Port, _ = flags.GetInt("dst-port")
	}
	if flags.Changed("dst-tls") {
		cfg.Destination.TLS, _ = flags.GetBool("dst-tls")
	}
	if flags.Changed("dst-tls-verify") {
		cfg.Destination.TLSVerify, _ = flags.GetBool("dst-tls-verify")
	}

	if flags.Changed("dry-run") {
		cfg.Sync.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("max-accounts") {
		cfg.Sync.MaxAccounts, _ = flags.GetInt("max-accounts")
	}
	if flags.Changed("max-batches") {
		cfg.Sync.MaxBatches, _ = flags.GetInt("max-batches")
	}
	if flags.Changed("batch-size") {
		cfg.Sync.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("retries") {
		cfg.Sync.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("checkpoint") {
		cfg.Sync.Checkpoint, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Sync.CheckpointBackend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("account") {
		cfg.Sync.Only, _ = flags.GetStringSlice("account")
	}
	if flags.Changed("reset-checkpoint") {
		cfg.Sync.ResetCheckpoint, _ = flags.GetBool("reset-checkpoint")
	}
	if flags.Changed("show-progress") {
		cfg.Sync.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("tool") {
		cfg.Tool.Path, _ = flags.GetString("tool")
	}
	if flags.Changed("log-dir") {
		cfg.Tool.LogDir, _ = flags.GetString("log-dir")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) normalize() {
	for i := range c.Accounts {
		if c.Accounts[i].Auth == "" {
			c.Accounts[i].Auth = AuthPassword
		}
	}
	for i := range c.OAuth.Identities {
		id := &c.OAuth.Identities[i]
		if id.Name == "" {
			id.Name = DefaultIdentity
		}
		if id.Grant == "" {
			id.Grant = GrantAuthorizationCode
		}
		if id.RedirectURI == "" {
			id.RedirectURI = "http://localhost:8080/callback"
		}
		if len(id.Scopes) == 0 {
			if id.Grant == GrantClientCredentials {
				id.Scopes = []string{"https://outlook.office365.com/.default"}
			} else {
				id.Scopes = []string{"https://outlook.office365.com/IMAP.AccessAsUser.All", "offline_access"}
			}
		}
	}
	if c.Destination.Passwords == nil {
		c.Destination.Passwords = map[string]string{}
	}
}

func (c *Config) validate() error {
	if c.Destination.Host == "" {
		return fmt.Errorf("destination host is required")
	}
	if c.Destination.Port <= 0 {
		return fmt.Errorf("destination port must be positive")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.Email == "" {
			return fmt.Errorf("account email is required")
		}
		if seen[acct.Email] {
			return fmt.Errorf("duplicate account %s", acct.Email)
		}
		seen[acct.Email] = true

		switch acct.Auth {
		case AuthPassword:
		case AuthOAuth:
			if _, ok := c.IdentityByName(acct.Identity()); !ok {
				return fmt.Errorf("account %s references unknown oauth identity %q", acct.Email, acct.Identity())
			}
		default:
			return fmt.Errorf("account %s has unknown auth mode %q", acct.Email, acct.Auth)
		}
	}

	for _, id := range c.OAuth.Identities {
		if id.ClientID == "" {
			return fmt.Errorf("oauth identity %s: client id is required", id.Name)
		}
		if id.Grant != GrantAuthorizationCode && id.Grant != GrantClientCredentials {
			return fmt.Errorf("oauth identity %s: unknown grant %q", id.Name, id.Grant)
		}
		if id.Grant == GrantClientCredentials && id.ClientSecret == "" {
			return fmt.Errorf("oauth identity %s: client secret is required for client credentials", id.Name)
		}
	}

	if c.Sync.MaxAccounts <= 0 {
		return fmt.Errorf("max accounts must be positive")
	}
	if c.Sync.MaxBatches <= 0 {
		return fmt.Errorf("max batches must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Sync.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	if c.Sync.CheckpointBackend != "json" && c.Sync.CheckpointBackend != "sqlite" {
		return fmt.Errorf("checkpoint backend must be json or sqlite")
	}
	if c.Tool.Path == "" {
		return fmt.Errorf("tool path is required")
	}

	return nil
}

// IdentityByName looks up an OAuth identity
func (c *Config) IdentityByName(name string) (Identity, bool) {
	for _, id := range c.OAuth.Identities {
		if id.Name == name {
			return id, true
		}
	}
	return Identity{}, false
}

// Selected returns the accounts chosen by the --account filter, or all accounts
func (c *Config) Selected() []Account {
	if len(c.Sync.Only) == 0 {
		return c.Accounts
	}
	want := make(map[string]bool, len(c.Sync.Only))
	for _, e := range c.Sync.Only {
		want[e] = true
	}
	var out []Account
	for _, a := range c.Accounts {
		if want[a.Email] {
			out = append(out, a)
		}
	}
	return out
}
