package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ajramos/gizreply/internal/config"
	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/internal/llm"
	"github.com/ajramos/gizreply/internal/logging"
	"github.com/ajramos/gizreply/internal/server"
	"github.com/ajramos/gizreply/internal/services"
	"github.com/ajramos/gizreply/internal/version"
	"github.com/ajramos/gizreply/internal/workers"
	"github.com/ajramos/gizreply/pkg/auth"
	"golang.org/x/oauth2"
)

func main() {
	configPathFlag := flag.String("config", "", "Path to configuration file, JSON or YAML (default: ~/.config/gizreply/config.json)")
	credPathFlag := flag.String("credentials", "", "Path to OAuth client credentials JSON (default: ~/.config/gizreply/credentials.json)")
	versionFlag := flag.Bool("version", false, "Show version information and exit")
	watchAllFlag := flag.Bool("watch-all", false, "Renew the Gmail watch of every stored account and exit")
	initConfigFlag := flag.Bool("init-config", false, "Write the default configuration file and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.GetVersionString())
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s                        # Serve the push webhook\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --watch-all            # Renew watches for all accounts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --init-config          # Create the default config file\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config custom.yaml   # Use custom configuration\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  GIZREPLY_CONFIG       Override default config file path\n")
		fmt.Fprintf(os.Stderr, "  GIZREPLY_CREDENTIALS  Override default credentials file path\n")
		fmt.Fprintf(os.Stderr, "  GIZREPLY_<SECTION>_<KEY> Override any config key (e.g. GIZREPLY_SERVER_ADDR)\n")
	}

	flag.Parse()

	if *versionFlag {
		fmt.Println(version.GetDetailedVersionString())
		return
	}

	configPath := getConfigPath(*configPathFlag)
	if *initConfigFlag {
		if err := initConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created configuration file: %s\n", configPath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, *credPathFlag, *watchAllFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *db.Store
	tracker   *services.HistoryTracker
	watch     *services.WatchServiceImpl
	accounts  *services.AccountServiceImpl
	generator *services.AIServiceImpl
}

func run(ctx context.Context, configPath, credFlag string, watchAll bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, File: expandPath(cfg.LogFile)}, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	a, err := wire(ctx, cfg, getCredentialsPath(credFlag, cfg.Google.Credentials), logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if watchAll {
		n, err := a.watch.RegisterAll(ctx)
		logger.Info("watch renewal finished", slog.Int("renewed", n))
		return err
	}
	return a.serve(ctx)
}

func wire(ctx context.Context, cfg *config.Config, credPath string, logger *slog.Logger) (*app, error) {
	dbPath := expandPath(cfg.Database.Path)
	if dbPath == "" {
		dbPath = config.DefaultDatabasePath()
	}
	store, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if ver, err := store.SchemaVersion(ctx); err == nil {
		logger.Debug("database ready", slog.String("path", dbPath), slog.Int("schema_version", ver))
	}
	accounts := db.NewAccountStore(store)

	provider, err := llm.NewProviderFromConfig(cfg.LLM.Provider, cfg.LLM.Endpoint, cfg.LLM.Model, cfg.LLM.Region, cfg.GetLLMTimeout())
	if err != nil {
		// Notifications still advance the cursor; messages are left unread
		logger.Warn("could not initialize LLM provider", slog.String("provider", cfg.LLM.Provider), slog.Any("error", err))
	}
	generator := services.NewAIService(provider, cfg)
	if provider != nil && !generator.Reachable(ctx) {
		logger.Warn("LLM provider not reachable", slog.String("provider", provider.Name()))
	}

	initial, maxBackoff := cfg.GetRetryBackoff()
	retry := services.NewRetryPolicy(cfg.Retry.Attempts, initial, maxBackoff, cfg.Retry.Multiplier)
	processor, err := services.NewMessageProcessor(generator, services.NewReplyDispatcher(logger), services.ProcessorOptions{
		Retry:          retry,
		ClaimCacheSize: cfg.Processor.ClaimCacheSize,
		SettleDelay:    cfg.GetSettleDelay(),
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	credentials := services.NewCredentialService(accounts, nil, cfg.GetTokenRefreshTimeout(), logger)
	mailboxes := &services.GmailMailboxFactory{Timeout: cfg.GetProviderTimeout()}
	locks := services.NewKeyedMutex()

	tracker := services.NewHistoryTracker(accounts, credentials, mailboxes,
		services.NewChangeFetcher(retry, logger), processor, locks, logger)
	watch := services.NewWatchService(accounts, credentials, mailboxes, locks,
		cfg.Google.PubSubTopic, cfg.Watch.LabelIDs, logger)

	var oauthCfg *oauth2.Config
	if credPath != "" {
		oauthCfg, err = auth.NewOAuth2Config(credPath, cfg.Google.RedirectURL, cfg.Google.Scopes...).LoadCredentials()
		if err != nil {
			logger.Warn("consent flow disabled", slog.String("credentials", credPath), slog.Any("error", err))
			oauthCfg = nil
		}
	}
	accountSvc := services.NewAccountService(oauthCfg, db.NewStateStore(store, 0), accounts, watch, cfg.Google.WatchOnLogin, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		tracker:   tracker,
		watch:     watch,
		accounts:  accountSvc,
		generator: generator,
	}, nil
}

func (a *app) serve(ctx context.Context) error {
	pool := workers.NewPool(a.cfg.Workers.Size, a.cfg.Workers.Queue, a.logger)
	srv := server.New(server.Options{
		Notifications:       a.tracker,
		Accounts:            a.accounts,
		Watch:               a.watch,
		Pool:                pool,
		Generator:           a.generator,
		PushToken:           a.cfg.Server.PushToken,
		MaxBodyBytes:        a.cfg.Server.MaxBodyBytes,
		NotificationTimeout: a.cfg.GetNotificationTimeout(),
		ReadTimeout:         a.cfg.GetReadTimeout(),
		MaxConnections:      a.cfg.Server.MaxConnections,
		Logger:              a.logger,
	})

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}

	if interval := a.cfg.GetWatchRenewInterval(); interval > 0 && strings.TrimSpace(a.cfg.Google.PubSubTopic) != "" {
		go a.watch.RenewLoop(ctx, interval)
	}

	a.logger.Info("gizreply started", slog.String("version", version.Version), slog.String("addr", a.cfg.Server.Addr))
	serveErr := srv.Serve(ctx, ln, a.cfg.GetShutdownTimeout())

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.GetShutdownTimeout())
	defer cancel()
	poolErr := pool.Close(sctx)
	a.logger.Info("gizreply stopped")
	return errors.Join(serveErr, poolErr)
}

func initConfig(path string) error {
	if path == "" {
		return fmt.Errorf("no configuration path")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists: %s", path)
	}
	return config.DefaultConfig().SaveConfig(path)
}

// getConfigPath returns the configuration file path using the following priority:
// 1. CLI flag
// 2. Environment variable GIZREPLY_CONFIG
// 3. Default path ~/.config/gizreply/config.json
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envPath := os.Getenv("GIZREPLY_CONFIG"); envPath != "" {
		return expandPath(envPath)
	}

	return config.DefaultConfigPath()
}

// getCredentialsPath returns the credentials file path using the following priority:
// 1. CLI flag
// 2. Environment variable GIZREPLY_CREDENTIALS
// 3. Config file setting
// 4. Default path ~/.config/gizreply/credentials.json
func getCredentialsPath(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envPath := os.Getenv("GIZREPLY_CREDENTIALS"); envPath != "" {
		return expandPath(envPath)
	}

	if configValue != "" {
		return expandPath(configValue)
	}

	return config.DefaultCredentialsPath()
}

// expandPath expands ~ to the user's home directory
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	return filepath.Join(home, path[2:])
}
