package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath         string
	DBDriver          string
	DBDSN             string
	SearchResultLimit int
	LogLevel          string
	ThreadCacheSize   int

	Pool PoolConfig
	Sync SyncConfig

	SendMaxAttempts int
	// IOTimeout bounds every IMAP command and SMTP exchange.
	IOTimeout time.Duration

	// Credential storage
	KeyringBackend string
	KeyringDir     string

	// Accounts
	Accounts []AccountConfig
}

// PoolConfig bounds the shared IMAP connection pool.
type PoolConfig struct {
	MaxConnections  int
	IdleTimeout     time.Duration
	CheckoutTimeout time.Duration
	// ProviderCaps limits connections per IMAP host.
	ProviderCaps map[string]int
}

// SyncConfig tunes batch sizes and scheduling of folder sync.
type SyncConfig struct {
	BootstrapBatch    int
	IncrementalBatch  int
	CatchUpBatch      int
	CatchUpInterval   time.Duration
	SyncWindowDays    int
	ParseRetries      int
	FolderConcurrency int
	// CatchUpPassBatches caps the batches per folder in one scheduler pass.
	CatchUpPassBatches int
	PushFolders        []string
	PushMaxListen      time.Duration
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name   string
	Active bool

	// IMAP settings
	IMAPHost     string
	IMAPPort     int
	IMAPSecurity string
	IMAPUsername string
	IMAPPassword string

	// SMTP settings
	SMTPHost     string
	SMTPPort     int
	SMTPSecurity string
	SMTPUsername string
	SMTPPassword string

	// Auth is "password" or "xoauth2".
	Auth              string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
}

// Security modes accepted for IMAP_SECURITY / SMTP_SECURITY.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Auth mechanisms accepted for AUTH.
const (
	AuthPassword = "password"
	AuthXOAuth2  = "xoauth2"
)

// LoadConfig loads configuration from environment variables, optionally
// layered over a YAML file named by CONFIG_FILE.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	caps, err := parseProviderCaps(v.GetString("POOL_PROVIDER_CAPS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CachePath:         v.GetString("CACHE_PATH"),
		DBDriver:          strings.ToLower(v.GetString("DB_DRIVER")),
		DBDSN:             v.GetString("DB_DSN"),
		SearchResultLimit: v.GetInt("SEARCH_RESULT_LIMIT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		ThreadCacheSize:   v.GetInt("THREAD_CACHE_SIZE"),
		Pool: PoolConfig{
			MaxConnections:  v.GetInt("POOL_MAX_CONNECTIONS"),
			IdleTimeout:     v.GetDuration("POOL_IDLE_TIMEOUT"),
			CheckoutTimeout: v.GetDuration("POOL_CHECKOUT_TIMEOUT"),
			ProviderCaps:    caps,
		},
		Sync: SyncConfig{
			BootstrapBatch:     v.GetInt("BOOTSTRAP_BATCH"),
			IncrementalBatch:   v.GetInt("INCREMENTAL_BATCH"),
			CatchUpBatch:       v.GetInt("CATCHUP_BATCH"),
			CatchUpInterval:    v.GetDuration("CATCHUP_INTERVAL"),
			SyncWindowDays:     v.GetInt("SYNC_WINDOW_DAYS"),
			ParseRetries:       v.GetInt("PARSE_RETRIES"),
			FolderConcurrency:  v.GetInt("FOLDER_CONCURRENCY"),
			CatchUpPassBatches: v.GetInt("CATCHUP_PASS_BATCHES"),
			PushFolders:        splitList(v.GetString("PUSH_FOLDERS")),
			PushMaxListen:      v.GetDuration("PUSH_MAX_LISTEN"),
		},
		SendMaxAttempts: v.GetInt("SEND_MAX_ATTEMPTS"),
		IOTimeout:       v.GetDuration("IMAP_TIMEOUT"),
		KeyringBackend:  v.GetString("KEYRING_BACKEND"),
		KeyringDir:      v.GetString("KEYRING_DIR"),
	}

	// Load accounts
	accounts, err := loadAccounts(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CACHE_PATH", "/data/email_cache.db")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("SEARCH_RESULT_LIMIT", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("THREAD_CACHE_SIZE", 4096)

	v.SetDefault("POOL_MAX_CONNECTIONS", 30)
	v.SetDefault("POOL_IDLE_TIMEOUT", 5*time.Minute)
	v.SetDefault("POOL_CHECKOUT_TIMEOUT", 30*time.Second)

	v.SetDefault("BOOTSTRAP_BATCH", 30)
	v.SetDefault("INCREMENTAL_BATCH", 200)
	v.SetDefault("CATCHUP_BATCH", 100)
	v.SetDefault("CATCHUP_INTERVAL", 2*time.Minute)
	v.SetDefault("SYNC_WINDOW_DAYS", 0)
	v.SetDefault("PARSE_RETRIES", 2)
	v.SetDefault("FOLDER_CONCURRENCY", 4)
	v.SetDefault("CATCHUP_PASS_BATCHES", 5)
	v.SetDefault("PUSH_FOLDERS", "INBOX")
	v.SetDefault("PUSH_MAX_LISTEN", 25*time.Minute)

	v.SetDefault("SEND_MAX_ATTEMPTS", 3)
	v.SetDefault("IMAP_TIMEOUT", time.Minute)
}

// loadAccounts loads email account configurations
func loadAccounts(v *viper.Viper) ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration (for backward compatibility)
	if v.GetString("IMAP_HOST") != "" && v.GetString("SMTP_HOST") != "" {
		name := v.GetString("ACCOUNT_NAME")
		if name == "" {
			name = "default"
		}
		account, err := loadAccount(v, "", name)
		if err != nil {
			return nil, err
		}
		return append(accounts, *account), nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		name := v.GetString(prefix + "NAME")
		if name == "" {
			break
		}
		account, err := loadAccount(v, prefix, name)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", num, err)
		}
		accounts = append(accounts, *account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// loadAccount reads one account's keys under prefix.
func loadAccount(v *viper.Viper, prefix, name string) (*AccountConfig, error) {
	get := func(key, def string) string {
		if s := v.GetString(prefix + key); s != "" {
			return s
		}
		return def
	}
	getInt := func(key string, def int) (int, error) {
		s := v.GetString(prefix + key)
		if s == "" {
			return def, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s%s: %w", prefix, key, err)
		}
		return n, nil
	}

	imapPort, err := getInt("IMAP_PORT", 993)
	if err != nil {
		return nil, err
	}
	smtpPort, err := getInt("SMTP_PORT", 587)
	if err != nil {
		return nil, err
	}

	acc := &AccountConfig{
		Name:              name,
		Active:            true,
		IMAPHost:          get("IMAP_HOST", ""),
		IMAPPort:          imapPort,
		IMAPSecurity:      strings.ToLower(get("IMAP_SECURITY", SecurityTLS)),
		IMAPUsername:      get("IMAP_USERNAME", ""),
		IMAPPassword:      get("IMAP_PASSWORD", ""),
		SMTPHost:          get("SMTP_HOST", ""),
		SMTPPort:          smtpPort,
		SMTPSecurity:      strings.ToLower(get("SMTP_SECURITY", defaultSMTPSecurity(smtpPort))),
		SMTPUsername:      get("SMTP_USERNAME", ""),
		SMTPPassword:      get("SMTP_PASSWORD", ""),
		Auth:              strings.ToLower(get("AUTH", AuthPassword)),
		OAuthClientID:     get("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: get("OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:     get("OAUTH_TOKEN_URL", ""),
	}
	if s := v.GetString(prefix + "ACTIVE"); s != "" {
		active, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %sACTIVE: %w", prefix, err)
		}
		acc.Active = active
	}

	if acc.IMAPHost == "" || acc.SMTPHost == "" {
		return nil, fmt.Errorf("IMAP_HOST and SMTP_HOST are required")
	}
	if acc.IMAPUsername == "" || acc.SMTPUsername == "" {
		return nil, fmt.Errorf("IMAP_USERNAME and SMTP_USERNAME are required")
	}

	return acc, nil
}

// defaultSMTPSecurity picks implicit TLS for 465 and STARTTLS otherwise.
func defaultSMTPSecurity(port int) string {
	if port == 465 {
		return SecurityTLS
	}
	return SecurityStartTLS
}

// parseProviderCaps parses "host=limit,host=limit".
func parseProviderCaps(s string) (map[string]int, error) {
	caps := make(map[string]int)
	for _, item := range splitList(s) {
		host, limit, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid POOL_PROVIDER_CAPS entry %q", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(limit))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid POOL_PROVIDER_CAPS limit for %s", host)
		}
		caps[strings.ToLower(strings.TrimSpace(host))] = n
	}
	return caps, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// GetDefaultAccount returns the first account (or default account if named "default")
func (c *Config) GetDefaultAccount() *AccountConfig {
	if len(c.Accounts) == 0 {
		return nil
	}

	for i := range c.Accounts {
		if c.Accounts[i].Name == "default" {
			return &c.Accounts[i]
		}
	}

	return &c.Accounts[0]
}

// ActiveAccounts returns the accounts that should be synced.
func (c *Config) ActiveAccounts() []AccountConfig {
	var out []AccountConfig
	for _, acc := range c.Accounts {
		if acc.Active {
			out = append(out, acc)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.CachePath == "" && c.DBDSN == "" {
			return fmt.Errorf("CACHE_PATH is required")
		}
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}
	if c.Pool.MaxConnections < 1 {
		return fmt.Errorf("POOL_MAX_CONNECTIONS must be positive")
	}
	if c.Sync.BootstrapBatch < 1 || c.Sync.IncrementalBatch < 1 || c.Sync.CatchUpBatch < 1 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Sync.SyncWindowDays < 0 {
		return fmt.Errorf("SYNC_WINDOW_DAYS must not be negative")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("IMAP_TIMEOUT must be positive")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.Name] {
			return fmt.Errorf("duplicate account name: %s", acc.Name)
		}
		seen[acc.Name] = true

		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.SMTPHost == "" {
			return fmt.Errorf("account %s: SMTP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.SMTPPort < 1 || acc.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid SMTP_PORT", acc.Name)
		}
		for _, sec := range []string{acc.IMAPSecurity, acc.SMTPSecurity} {
			if sec != SecurityTLS && sec != SecurityStartTLS && sec != SecurityNone {
				return fmt.Errorf("account %s: invalid security mode %q", acc.Name, sec)
			}
		}
		switch acc.Auth {
		case AuthPassword:
		case AuthXOAuth2:
			if acc.OAuthClientID == "" || acc.OAuthTokenURL == "" {
				return fmt.Errorf("account %s: OAUTH_CLIENT_ID and OAUTH_TOKEN_URL are required for xoauth2", acc.Name)
			}
		default:
			return fmt.Errorf("account %s: unsupported AUTH %q", acc.Name, acc.Auth)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
