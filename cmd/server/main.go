// Command server runs the extension relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/extension-relay/internal/analytics"
	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/billing"
	"github.com/kuitang/extension-relay/internal/config"
	"github.com/kuitang/extension-relay/internal/crypto"
	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/email"
	"github.com/kuitang/extension-relay/internal/obs"
	"github.com/kuitang/extension-relay/internal/ratelimit"
	"github.com/kuitang/extension-relay/internal/relay"
	"github.com/kuitang/extension-relay/internal/s3client"
	"github.com/kuitang/extension-relay/internal/upstream/completion"
)

const (
	shutdownTimeout   = 15 * time.Second
	revocationSweep   = time.Hour
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(flags.EnvFile); err != nil {
		return err
	}
	cfg := config.MustLoadConfig(flags)

	obs.Init()
	obs.SetLevel(cfg.LogLevel)
	log := obs.Pkg("main")
	cfg.PrintStartupSummary()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DBEncryptionKey)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	sealer, err := crypto.NewSealer(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}

	gate := auth.NewGate(identityProvider(ctx, cfg, store))

	var mailer email.Sender
	if cfg.NoEmail {
		mailer = email.NewRecorder()
	} else {
		mailer = email.NewResend(cfg.ResendAPIKey, cfg.ResendFromEmail)
	}

	billingCfg := billing.Config{
		SecretKey:      cfg.StripeSecretKey,
		PublishableKey: cfg.StripePublishableKey,
		WebhookSecret:  cfg.StripeWebhookSecret,
		ProPriceID:     cfg.StripeProPriceID,
		CallTimeout:    cfg.UpstreamTimeout,
	}
	var billingSvc *billing.Service
	if cfg.NoBilling {
		billingSvc = billing.NewServiceWithAPI(billingCfg, store, sealer, mailer, billing.NewMockStripe())
	} else {
		billingSvc = billing.NewService(billingCfg, store, sealer, mailer)
	}

	sink, err := analyticsSink(ctx, cfg)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewRateLimiter(cfg.RateLimitConfig)
	defer limiter.Stop()

	handler := relay.New(relay.Deps{
		Config:     cfg,
		Gate:       gate,
		Store:      store,
		Completion: completionService(cfg),
		Billing:    billingSvc,
		Analytics:  sink,
		Limiter:    limiter,
	})

	go sweepRevocations(ctx, store)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL, "version", cfg.Version)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := sink.Close(shutdownCtx); err != nil {
		log.Warn("analytics drain incomplete", "error", err)
	}
	return nil
}

func identityProvider(ctx context.Context, cfg *config.Config, store *db.Store) auth.Provider {
	if cfg.IdentityProvider == config.IdentitySupabase {
		return auth.NewSupabaseProvider(ctx, auth.SupabaseConfig{
			URL:       cfg.SupabaseURL,
			AnonKey:   cfg.SupabaseAnonKey,
			JWTSecret: cfg.SupabaseJWTSecret,
			Timeout:   cfg.UpstreamTimeout,
		})
	}
	return auth.NewLocalProvider(store, cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionDuration)
}

func completionService(cfg *config.Config) *completion.Service {
	var adapter completion.Adapter
	if cfg.CompletionProvider == config.ProviderOpenAI {
		adapter = completion.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.CompletionModel, cfg.CompletionMaxTokens)
	} else {
		adapter = completion.NewAnthropic(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.CompletionModel, cfg.CompletionMaxTokens)
	}
	serverKey := cfg.CompletionKey()
	if cfg.NoLLM {
		serverKey = ""
	}
	return completion.NewService(adapter, completion.Options{
		ServerKey: serverKey,
		Degraded:  cfg.CompletionDegraded,
		Timeout:   cfg.CompletionTimeout,
	})
}

func analyticsSink(ctx context.Context, cfg *config.Config) (*analytics.Sink, error) {
	opts := analytics.Options{
		Allowed:   cfg.AnalyticsEvents,
		QueueSize: cfg.AnalyticsQueueSize,
		Timeout:   cfg.UpstreamTimeout,
	}
	if !cfg.NoAnalytics && cfg.PostHogAPIKey != "" {
		opts.Capturer = analytics.NewPostHog(cfg.PostHogHost, cfg.PostHogAPIKey)
	}
	if cfg.AnalyticsArchiveBkt != "" {
		archive, err := s3client.Open(ctx, s3client.Config{
			Endpoint:        cfg.ArchiveEndpointS3,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretKey,
			Bucket:          cfg.AnalyticsArchiveBkt,
			PathStyle:       cfg.ArchiveUsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init analytics archive: %w", err)
		}
		opts.Archive = archive
	}
	return analytics.NewSink(opts), nil
}

// sweepRevocations drops revoked-token rows whose tokens have expired anyway.
func sweepRevocations(ctx context.Context, store *db.Store) {
	ticker := time.NewTicker(revocationSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpiredRevocations(ctx)
			if err != nil {
				obs.From(ctx).Warn("revocation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				obs.From(ctx).Info("revocation sweep", "purged", n)
			}
		}
	}
}
