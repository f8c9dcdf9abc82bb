package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	workers "github.com/sourcegraph/conc/pool"
	"golang.org/x/oauth2"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/outbox"
	"github.com/brandon/mailsync/internal/syncer"
	"github.com/brandon/mailsync/internal/tools"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsyncd version %s\n", version)
		os.Exit(0)
	}

	// stdout carries the MCP protocol.
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting mailsyncd")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("mailsyncd stopped")
	}
	logger.Info("Shutting down mailsyncd")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cache.NewCache(cache.Options{
		Driver: cfg.DBDriver,
		Path:   cfg.CachePath,
		DSN:    cfg.DBDSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer db.Close()

	store, err := cache.NewStore(db, cfg.ThreadCacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	accountIDs := make(map[string]int)
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		id, err := store.UpsertAccount(ctx, acc)
		if err != nil {
			return fmt.Errorf("failed to register account %s: %w", acc.Name, err)
		}
		accountIDs[acc.Name] = id
	}

	ring, err := credential.OpenKeyring(credential.KeyringOptions{
		Backend: cfg.KeyringBackend,
		FileDir: cfg.KeyringDir,
	})
	if err != nil {
		return err
	}
	creds := credential.NewStore(ring, credentialAccounts(cfg.Accounts), logger)
	dialer := email.NewDialer(endpoints(cfg.Accounts, cfg.IOTimeout), creds, logger)

	pool := connpool.New(connpool.Config{
		MaxConnections:  cfg.Pool.MaxConnections,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		CheckoutTimeout: cfg.Pool.CheckoutTimeout,
		ProviderCaps:    cfg.Pool.ProviderCaps,
		Provider:        dialer.Provider,
	}, dialer.DialSession, logger)
	defer pool.Close()

	engine := syncer.New(syncer.Config{
		BootstrapBatch:     cfg.Sync.BootstrapBatch,
		IncrementalBatch:   cfg.Sync.IncrementalBatch,
		CatchUpBatch:       cfg.Sync.CatchUpBatch,
		CatchUpPassBatches: cfg.Sync.CatchUpPassBatches,
		SyncWindow:         time.Duration(cfg.Sync.SyncWindowDays) * 24 * time.Hour,
		ParseRetries:       cfg.Sync.ParseRetries,
		FolderConcurrency:  cfg.Sync.FolderConcurrency,
		MaxListen:          cfg.Sync.PushMaxListen,
	}, store, pool, logger)

	sender := outbox.New(store, dialer, pool, cfg.SendMaxAttempts, logger)

	background := workers.New()
	background.Go(func() { pool.Run(ctx) })
	background.Go(func() { engine.RunCatchUp(ctx, cfg.Sync.CatchUpInterval) })
	background.Go(func() {
		if _, err := sender.Flush(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Failed to flush outbox")
		}
	})
	for _, acc := range cfg.ActiveAccounts() {
		id := accountIDs[acc.Name]
		name := acc.Name
		background.Go(func() { startAccount(ctx, engine, id, name, cfg.Sync.PushFolders, logger) })
	}

	server := mcp.NewServer(tools.NewRegistry(tools.Services{
		Config: cfg,
		Store:  store,
		Engine: engine,
		Outbox: sender,
		Pool:   pool,
	}, logger), version, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Run(ctx, os.Stdin, os.Stdout) }()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err = <-serveErr:
		if err != nil {
			logger.WithError(err).Error("Server error")
		} else {
			logger.Info("Client closed stdin")
		}
	}

	stop()
	background.Wait()
	return err
}

// startAccount bootstraps an account and then keeps its push folders live.
func startAccount(ctx context.Context, engine *syncer.Engine, accountID int, name string, pushFolders []string, logger *logrus.Logger) {
	log := logger.WithField("account", name)
	if _, err := engine.BootstrapAccount(ctx, accountID); err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("Initial sync failed")
		}
		return
	}

	watchers := workers.New()
	for _, folder := range pushFolders {
		path := folder
		watchers.Go(func() {
			if err := engine.WatchFolder(ctx, accountID, path); err != nil {
				log.WithError(err).WithField("folder", path).Warn("Not watching folder")
			}
		})
	}
	watchers.Wait()
}

func endpoints(accounts []config.AccountConfig, timeout time.Duration) []email.Endpoint {
	out := make([]email.Endpoint, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, email.Endpoint{
			Account: acc.Name,
			IMAP: email.ServerConfig{
				Host:     acc.IMAPHost,
				Port:     acc.IMAPPort,
				Security: email.Security(acc.IMAPSecurity),
				Timeout:  timeout,
			},
			SMTP: email.ServerConfig{
				Host:     acc.SMTPHost,
				Port:     acc.SMTPPort,
				Security: email.Security(acc.SMTPSecurity),
				Timeout:  timeout,
			},
		})
	}
	return out
}

func credentialAccounts(accounts []config.AccountConfig) []credential.Account {
	out := make([]credential.Account, 0, len(accounts))
	for _, acc := range accounts {
		ca := credential.Account{
			Name:      acc.Name,
			Username:  acc.IMAPUsername,
			Mechanism: email.AuthMechanism(acc.Auth),
			Password:  acc.IMAPPassword,
		}
		if acc.Auth == config.AuthXOAuth2 {
			ca.OAuth = &oauth2.Config{
				ClientID:     acc.OAuthClientID,
				ClientSecret: acc.OAuthClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: acc.OAuthTokenURL},
			}
		}
		out = append(out, ca)
	}
	return out
}
