package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/linkgate/linkgate/internal/api"
	"github.com/linkgate/linkgate/internal/authn"
	"github.com/linkgate/linkgate/internal/bottoken"
	"github.com/linkgate/linkgate/internal/cleanup"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/linking"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
	"github.com/linkgate/linkgate/internal/realtime"
	"github.com/linkgate/linkgate/internal/session"
	"github.com/linkgate/linkgate/internal/telegram"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the linkgate server",
	Long: `Start the HTTP API, the event stream and, when enabled, the Telegram bot.

Example:
  linkgate serve --config config.yaml

The server listens on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	Timeout    time.Duration
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 0, "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "", "Minimum TLS version (1.2 or 1.3)")

	RootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	applyServeFlags(cfg)
	logger := newLogger(cfg)
	auditor := logging.NewAuditLogger(logger)

	if cfg.Server.TLS.Enabled {
		if err := validateTLSConfig(cfg.Server.TLS); err != nil {
			return fmt.Errorf("TLS validation failed: %w", err)
		}
	}

	// A weak secret must stop startup, never degrade to anonymous.
	codec := session.NewCodec(cfg.Session.Secret, session.WithMinSecretBytes(cfg.Session.MinSecretBytes))
	if err := codec.CheckSecret(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err.Error())
		}
	}()
	logger.Info("store opened", "driver", cfg.Storage.Driver)

	m := metrics.NewMetrics("linkgate")

	backend, closeBackend, err := newRateLimiter(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	rules := func(action string) (config.RateLimitRule, bool) {
		return loader.Get().RateLimit.Rule(action)
	}
	gate := limiter.NewGate(backend, rules, limiter.WithGateAuditor(auditor))

	tokens := bottoken.NewManager(st,
		bottoken.WithTTL(cfg.BotToken.TTL),
		bottoken.WithMetrics(m),
		bottoken.WithAuditor(auditor),
		bottoken.WithLogger(logger),
	)
	linker := linking.NewService(st, tokens,
		linking.WithTTL(cfg.Linking.TTL),
		linking.WithMaxInsertAttempts(cfg.Linking.MaxInsertAttempts),
		linking.WithMetrics(m),
		linking.WithAuditor(auditor),
		linking.WithLogger(logger),
	)
	cookies := session.CookieSettingsFromConfig(cfg.Session)
	auth := authn.NewAuthenticator([]authn.CredentialVerifier{
		authn.NewSessionVerifier(codec, cookies),
		authn.NewBotTokenVerifier(tokens),
	}, authn.WithMetrics(m), authn.WithAuditor(auditor), authn.WithLogger(logger))
	registry := realtime.NewRegistry(realtime.WithMetrics(m), realtime.WithLogger(logger))

	server := api.NewServer(cfg, api.Deps{
		Store:         st,
		Sessions:      codec,
		Cookies:       cookies,
		Authenticator: auth,
		Tokens:        tokens,
		Linking:       linker,
		Gate:          gate,
		Realtime:      registry,
		Metrics:       m,
		Logger:        logger,
		Auditor:       auditor,
	})
	server.StartIPLimiterCleanup(ctx, 10*time.Minute)

	bot, err := setupTelegramBot(cfg, linker, tokens, gate, registry, logger)
	if err != nil {
		return err
	}

	var purger *cleanup.Manager
	if cfg.Cleanup.Enabled {
		purger = cleanup.NewManager(cleanup.Config{
			Interval:        cfg.Cleanup.Interval,
			Retention:       cfg.Storage.Retention,
			ShutdownTimeout: cfg.Cleanup.ShutdownTimeout,
		}, st, cleanup.WithMetrics(m), cleanup.WithLogger(logger))
		if err := purger.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cleanup: %w", err)
		}
	}

	loader.SetOnChange(func(next *config.Config) {
		logger.Info("configuration reloaded", "rules", len(next.RateLimit.Rules))
	})
	loader.SetOnError(func(err error) {
		logger.Warn("configuration reload failed", "error", err.Error())
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("config watch disabled", "error", err.Error())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-api.SetupSignalHandler():
		logger.Info("received signal", "signal", sig.String())
	}

	var components []api.Shutdownable
	if bot != nil {
		components = append(components, api.ShutdownFunc(func(context.Context) error { return bot.Stop() }))
	}
	if purger != nil {
		components = append(components, api.ShutdownFunc(func(context.Context) error { return purger.Stop() }))
	}
	components = append(components, api.ShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	}))

	// Open event streams are closed by the server's shutdown hook.
	if err := api.ShutdownWithComponents(server, cfg.Server.ShutdownTimeout, components); err != nil {
		logger.Error("shutdown error", "error", err.Error())
	}
	logger.Info("graceful shutdown completed")
	return nil
}

// newRateLimiter builds the backend named by rate_limit.backend.
func newRateLimiter(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *logging.Logger) (limiter.RateLimiter, func(), error) {
	if cfg.RateLimit.Backend == "redis" {
		client, err := limiter.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("rate limiter backend", "backend", "redis")
		return limiter.NewRedisLimiter(client, m), func() { closeRedis(client, logger) }, nil
	}

	mem := limiter.New(m)
	mem.StartSweeper(ctx, cfg.RateLimit.SweepInterval)
	logger.Info("rate limiter backend", "backend", "memory")
	return mem, mem.Stop, nil
}

func closeRedis(client *redis.Client, logger *logging.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close redis client", "error", err.Error())
	}
}

// setupTelegramBot starts the link bot when enabled. Links and unlinks made
// in chat are pushed to the account's open streams.
func setupTelegramBot(cfg *config.Config, linker *linking.Service, tokens *bottoken.Manager, gate *limiter.Gate, registry *realtime.Registry, logger *logging.Logger) (*telegram.Bot, error) {
	if !cfg.Telegram.Enabled {
		return nil, nil
	}

	client, err := telegram.NewTGBotAPIClient(cfg.Telegram.BotToken, cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	bot := telegram.NewBot(true, linker, tokens, &telegram.BotOptions{
		BotAPI:            client,
		Gate:              gate,
		MessagesPerSecond: cfg.Telegram.MessagesPerSecond,
		Logger:            logger.With("component", "telegram"),
	})
	bot.SetLinkedCallback(func(ctx context.Context, externalID int64, redeemed *linking.Redeemed) {
		name := ""
		if redeemed.Binding != nil {
			name = redeemed.Binding.ExternalDisplayName
		}
		broadcast(ctx, registry, logger, realtime.AccountKey(redeemed.AccountID), realtime.LinkCompleted(externalID, name))
	})
	bot.SetUnlinkedCallback(func(ctx context.Context, externalID int64, binding *models.Binding) {
		broadcast(ctx, registry, logger, realtime.AccountKey(binding.AccountID), realtime.LinkRevoked(externalID))
	})

	if err := bot.Start(); err != nil {
		return nil, fmt.Errorf("failed to start telegram bot: %w", err)
	}
	logger.Info("telegram bot started")
	return bot, nil
}

func broadcast(ctx context.Context, registry *realtime.Registry, logger *logging.Logger, key string, event models.Event) {
	if _, err := registry.Broadcast(key, event); err != nil {
		logger.WarnWithContext(ctx, "failed to broadcast event", "type", event.Type, "error", err.Error())
	}
}

// validateTLSConfig validates TLS configuration
func validateTLSConfig(tls config.TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}
	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}
	if tls.MinVersion != "" && tls.MinVersion != "1.2" && tls.MinVersion != "1.3" {
		return fmt.Errorf("TLS min_version must be either \"1.2\" or \"1.3\", got: %s", tls.MinVersion)
	}
	return nil
}

