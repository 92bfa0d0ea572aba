// Package config provides centralized configuration management for the relay.
// It loads configuration from CLI flags and environment variables, validates required fields,
// and provides sensible defaults.
//
// CLI flags control which upstreams are mocked (--no-llm, --no-billing, --no-email,
// --no-analytics, --test). Environment variables provide secrets and service configuration.
// A missing secret for a non-mocked upstream is a startup error: the relay fails closed.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/kuitang/extension-relay/internal/ratelimit"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	IdentityLocal    = "local"
	IdentitySupabase = "supabase"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultPostHogHost       = "https://eu.i.posthog.com"
	defaultAnthropicBaseURL  = "https://api.anthropic.com"
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultAnthropicModel    = "claude-3-5-sonnet-20241022"
	defaultOpenAIModel       = "gpt-4o-mini"
	defaultArchiveRegion     = "auto"
	defaultCompletionTimeout = 25 * time.Second
	defaultUpstreamTimeout   = 8 * time.Second
)

// Flags holds the parsed CLI flags.
type Flags struct {
	NoLLM       bool
	NoBilling   bool
	NoEmail     bool
	NoAnalytics bool
	Test        bool
	Addr        string
	EnvFile     string
}

// Config holds all relay configuration. It is built once at startup and never mutated.
type Config struct {
	// Server settings
	ListenAddr string
	BaseURL    string
	Version    string
	LogLevel   string

	// CORS and host restrictions
	AllowedOrigins []string
	// TrustedConfigNetworks are the caller networks allowed to read
	// secret-bearing /api/config variants and /api/debug/check-env.
	TrustedConfigNetworks []netip.Prefix
	TrustProxyHeaders     bool // use the first X-Forwarded-For hop as the caller address
	badTrustedNetworks    []string

	// Mock service flags (controlled by CLI flags, not env vars)
	NoLLM       bool // --no-llm: completion runs in degraded mock mode
	NoBilling   bool // --no-billing: mock billing service
	NoEmail     bool // --no-email: mock email service
	NoAnalytics bool // --no-analytics: events acknowledged but never forwarded
	TestMode    bool // --test: all of the above plus an in-memory database

	// Completion upstream
	CompletionProvider  string
	AnthropicAPIKey     string
	AnthropicBaseURL    string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	CompletionModel     string
	CompletionMaxTokens int
	CompletionTimeout   time.Duration
	CompletionDegraded  bool // COMPLETION_DEGRADED=mock; only consulted when no provider key is set

	// Identity upstream
	IdentityProvider   string
	JWTSecret          string
	JWTIssuer          string
	SessionDuration    time.Duration
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	SupabaseJWTSecret  string

	// Database and encryption
	DatabaseURL     string
	DatabaseDriver  string
	DBEncryptionKey string // optional SQLCipher key (hex) for the sqlite driver
	MasterKey       string // 64 hex characters, seals bring-your-own API keys

	// Stripe
	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
	StripeProPriceID     string

	// PostHog
	PostHogAPIKey       string
	PostHogHost         string
	AnalyticsEvents     []string
	AnalyticsQueueSize  int
	AnalyticsArchiveBkt string
	ArchiveEndpointS3   string
	ArchiveRegion       string
	ArchiveAccessKeyID  string
	ArchiveSecretKey    string
	ArchiveUsePathStyle bool

	// Resend Email
	ResendAPIKey    string
	ResendFromEmail string

	// Upstream call budget
	UpstreamTimeout time.Duration

	// Rate limiting
	RateLimitConfig ratelimit.Config
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses CLI flags and returns them. Call before LoadConfig.
func ParseFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.BoolVar(&f.NoLLM, "no-llm", false, "Serve the documented mock completion instead of calling the LLM provider")
	fs.BoolVar(&f.NoBilling, "no-billing", false, "Use mock billing service (no Stripe calls)")
	fs.BoolVar(&f.NoEmail, "no-email", false, "Use mock email service (logs emails)")
	fs.BoolVar(&f.NoAnalytics, "no-analytics", false, "Acknowledge analytics events without forwarding them")
	fs.BoolVar(&f.Test, "test", false, "Shorthand for all --no-* flags plus an in-memory database")
	fs.StringVar(&f.Addr, "addr", "", "Listen address (default :8080, overrides LISTEN_ADDR env var)")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if f.Test {
		f.NoLLM = true
		f.NoBilling = true
		f.NoEmail = true
		f.NoAnalytics = true
	}
	return f, nil
}

// LoadDotEnv loads variables from a dotenv file without overriding the real environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration from environment variables and CLI flag values.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{}

	// CLI flag values
	cfg.NoLLM = f.NoLLM
	cfg.NoBilling = f.NoBilling
	cfg.NoEmail = f.NoEmail
	cfg.NoAnalytics = f.NoAnalytics
	cfg.TestMode = f.Test

	// Server settings
	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	if f.Addr != "" {
		cfg.ListenAddr = f.Addr
	}
	cfg.BaseURL = getEnvOrDefault("BASE_URL", "http://localhost"+cfg.ListenAddr)
	cfg.Version = getEnvOrDefault("RELAY_VERSION", "1.0.0")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = parseListOrDefault("ALLOWED_ORIGINS", nil)
	cfg.TrustedConfigNetworks, cfg.badTrustedNetworks = parsePrefixes(parseListOrDefault("TRUSTED_CONFIG_NETWORKS", nil))
	cfg.TrustProxyHeaders = parseBoolOrDefault("TRUST_PROXY_HEADERS", false)

	// Completion upstream
	cfg.CompletionProvider = strings.ToLower(getEnvOrDefault("COMPLETION_PROVIDER", ProviderAnthropic))
	cfg.AnthropicAPIKey = getEnvOrDefault("ANTHROPIC_API_KEY", "")
	cfg.AnthropicBaseURL = getEnvOrDefault("ANTHROPIC_BASE_URL", defaultAnthropicBaseURL)
	cfg.OpenAIAPIKey = getEnvOrDefault("OPENAI_API_KEY", "")
	cfg.OpenAIBaseURL = getEnvOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL)
	defaultModel := defaultAnthropicModel
	if cfg.CompletionProvider == ProviderOpenAI {
		defaultModel = defaultOpenAIModel
	}
	cfg.CompletionModel = getEnvOrDefault("COMPLETION_MODEL", defaultModel)
	cfg.CompletionMaxTokens = parseIntOrDefault("COMPLETION_MAX_TOKENS", 1024)
	cfg.CompletionTimeout = parseDurationOrDefault("COMPLETION_TIMEOUT", defaultCompletionTimeout)
	cfg.CompletionDegraded = f.NoLLM || strings.EqualFold(getEnvOrDefault("COMPLETION_DEGRADED", ""), "mock")

	// Identity upstream
	cfg.IdentityProvider = strings.ToLower(getEnvOrDefault("IDENTITY_PROVIDER", IdentityLocal))
	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", "")
	cfg.JWTIssuer = getEnvOrDefault("JWT_ISSUER", "extension-relay")
	cfg.SessionDuration = parseDurationOrDefault("SESSION_DURATION", 24*time.Hour)
	cfg.SupabaseURL = strings.TrimRight(getEnvOrDefault("SUPABASE_URL", ""), "/")
	cfg.SupabaseAnonKey = getEnvOrDefault("SUPABASE_ANON_KEY", "")
	cfg.SupabaseServiceKey = getEnvOrDefault("SUPABASE_SERVICE_KEY", "")
	cfg.SupabaseJWTSecret = getEnvOrDefault("SUPABASE_JWT_SECRET", "")

	// Database and encryption
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "")
	if cfg.DatabaseURL == "" && f.Test {
		cfg.DatabaseURL = "file:relay?mode=memory&cache=shared"
	}
	cfg.DatabaseDriver = driverFor(cfg.DatabaseURL)
	cfg.DBEncryptionKey = getEnvOrDefault("DB_ENCRYPTION_KEY", "")
	cfg.MasterKey = getEnvOrDefault("MASTER_KEY", "")

	// Stripe
	cfg.StripeSecretKey = getEnvOrDefault("STRIPE_SECRET_KEY", "")
	cfg.StripePublishableKey = getEnvOrDefault("STRIPE_PUBLISHABLE_KEY", "")
	cfg.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", "")
	cfg.StripeProPriceID = getEnvOrDefault("STRIPE_PRO_PRICE_ID", "")

	// PostHog
	cfg.PostHogAPIKey = getEnvOrDefault("POSTHOG_API_KEY", "")
	cfg.PostHogHost = strings.TrimRight(getEnvOrDefault("POSTHOG_API_HOST", defaultPostHogHost), "/")
	cfg.AnalyticsEvents = parseListOrDefault("ANALYTICS_ALLOWED_EVENTS", nil)
	cfg.AnalyticsQueueSize = parseIntOrDefault("ANALYTICS_QUEUE_SIZE", 256)

	// Dead-letter archive (S3-compatible; optional)
	cfg.AnalyticsArchiveBkt = getEnvOrDefault("ANALYTICS_ARCHIVE_BUCKET", "")
	cfg.ArchiveEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.ArchiveRegion = getEnvOrDefault("AWS_REGION", defaultArchiveRegion)
	cfg.ArchiveAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.ArchiveSecretKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")
	cfg.ArchiveUsePathStyle = parseBoolOrDefault("AWS_S3_USE_PATH_STYLE", false)

	// Resend Email
	cfg.ResendAPIKey = getEnvOrDefault("RESEND_API_KEY", "")
	cfg.ResendFromEmail = getEnvOrDefault("RESEND_FROM_EMAIL", "billing@extension-relay.dev")

	cfg.UpstreamTimeout = parseDurationOrDefault("UPSTREAM_TIMEOUT", defaultUpstreamTimeout)

	// Rate limiting
	cfg.RateLimitConfig = ratelimit.Config{
		FreeRPS:         parseFloat64OrDefault("RATE_LIMIT_FREE_RPS", 5),
		FreeBurst:       parseIntOrDefault("RATE_LIMIT_FREE_BURST", 20),
		PaidRPS:         parseFloat64OrDefault("RATE_LIMIT_PAID_RPS", 50),
		PaidBurst:       parseIntOrDefault("RATE_LIMIT_PAID_BURST", 100),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// When mocks are NOT active for an upstream, the corresponding secrets are required.
func (c *Config) Validate() error {
	var errs []string

	// Completion: a provider key is required unless degraded mode is explicit
	switch c.CompletionProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" && !c.CompletionDegraded {
			errs = append(errs, "ANTHROPIC_API_KEY is required (set env var, COMPLETION_DEGRADED=mock, or use --no-llm)")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && !c.CompletionDegraded {
			errs = append(errs, "OPENAI_API_KEY is required (set env var, COMPLETION_DEGRADED=mock, or use --no-llm)")
		}
	default:
		errs = append(errs, fmt.Sprintf("COMPLETION_PROVIDER must be %q or %q", ProviderAnthropic, ProviderOpenAI))
	}
	if c.CompletionMaxTokens <= 0 {
		errs = append(errs, "COMPLETION_MAX_TOKENS must be positive")
	}

	for _, bad := range c.badTrustedNetworks {
		errs = append(errs, fmt.Sprintf("TRUSTED_CONFIG_NETWORKS entry %q is not an IP or CIDR", bad))
	}

	// Identity
	switch c.IdentityProvider {
	case IdentityLocal:
		if len(c.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET is required and must be at least 32 characters (generate with: openssl rand -hex 32)")
		}
	case IdentitySupabase:
		if c.SupabaseURL == "" {
			errs = append(errs, "SUPABASE_URL is required when IDENTITY_PROVIDER=supabase")
		} else if !isOrigin(c.SupabaseURL) {
			errs = append(errs, "SUPABASE_URL must be an absolute http(s) URL")
		}
		if c.SupabaseAnonKey == "" {
			errs = append(errs, "SUPABASE_ANON_KEY is required when IDENTITY_PROVIDER=supabase")
		}
	default:
		errs = append(errs, fmt.Sprintf("IDENTITY_PROVIDER must be %q or %q", IdentityLocal, IdentitySupabase))
	}

	// Database: no implicit fallback outside --test
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required (postgres://... or a sqlite file path; --test uses memory)")
	}
	if c.DBEncryptionKey != "" && !isHexLen(c.DBEncryptionKey, 64) {
		errs = append(errs, "DB_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}

	// MasterKey: always required (losing it = stored API keys unreadable)
	if c.MasterKey == "" {
		errs = append(errs, "MASTER_KEY is required (generate with: openssl rand -hex 32)")
	} else if !isHexLen(c.MasterKey, 64) {
		errs = append(errs, "MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	// Billing: require Stripe credentials unless --no-billing
	if !c.NoBilling {
		if c.StripeSecretKey == "" {
			errs = append(errs, "STRIPE_SECRET_KEY is required (set env var or use --no-billing)")
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, "STRIPE_WEBHOOK_SECRET is required (set env var or use --no-billing)")
		}
		if c.StripeProPriceID == "" {
			errs = append(errs, "STRIPE_PRO_PRICE_ID is required (set env var or use --no-billing)")
		}
	}

	// Email: require Resend API key unless --no-email
	if !c.NoEmail && c.ResendAPIKey == "" {
		errs = append(errs, "RESEND_API_KEY is required (set env var or use --no-email)")
	}

	// Analytics: require PostHog key unless --no-analytics
	if !c.NoAnalytics {
		if c.PostHogAPIKey == "" {
			errs = append(errs, "POSTHOG_API_KEY is required (set env var or use --no-analytics)")
		}
		if !isOrigin(c.PostHogHost) {
			errs = append(errs, "POSTHOG_API_HOST must be an absolute http(s) URL")
		}
	}
	if c.AnalyticsQueueSize <= 0 {
		errs = append(errs, "ANALYTICS_QUEUE_SIZE must be positive")
	}

	for _, origin := range c.AllowedOrigins {
		if !isCORSOrigin(origin) {
			errs = append(errs, fmt.Sprintf("ALLOWED_ORIGINS entry %q is not an origin (scheme://host[:port])", origin))
		}
	}

	if c.UpstreamTimeout <= 0 || c.CompletionTimeout <= 0 {
		errs = append(errs, "UPSTREAM_TIMEOUT and COMPLETION_TIMEOUT must be positive")
	}

	// Validate rate limit config
	if c.RateLimitConfig.FreeRPS <= 0 {
		errs = append(errs, "RATE_LIMIT_FREE_RPS must be positive")
	}
	if c.RateLimitConfig.FreeBurst <= 0 {
		errs = append(errs, "RATE_LIMIT_FREE_BURST must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// CompletionKey returns the server-held key for the configured completion provider.
func (c *Config) CompletionKey() string {
	if c.CompletionProvider == ProviderOpenAI {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

// IsProduction returns true if all mock services are disabled.
func (c *Config) IsProduction() bool {
	return !c.NoLLM && !c.NoBilling && !c.NoEmail && !c.NoAnalytics && !c.TestMode
}

// EnvPresence reports which provider variables are configured, for the debug endpoint.
// Values are never returned.
func (c *Config) EnvPresence() map[string]bool {
	return map[string]bool{
		"SUPABASE_URL":           c.SupabaseURL != "",
		"SUPABASE_ANON_KEY":      c.SupabaseAnonKey != "",
		"SUPABASE_SERVICE_KEY":   c.SupabaseServiceKey != "",
		"POSTHOG_API_KEY":        c.PostHogAPIKey != "",
		"POSTHOG_API_HOST":       c.PostHogHost != "",
		"ANTHROPIC_API_KEY":      c.AnthropicAPIKey != "",
		"STRIPE_SECRET_KEY":      c.StripeSecretKey != "",
		"STRIPE_PUBLISHABLE_KEY": c.StripePublishableKey != "",
		"STRIPE_PRO_PRICE_ID":    c.StripeProPriceID != "",
		"STRIPE_WEBHOOK_SECRET":  c.StripeWebhookSecret != "",
	}
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "extension relay starting...")

	if c.CompletionDegraded && c.CompletionKey() == "" {
		fmt.Fprintln(os.Stderr, "  LLM:       Degraded mock completions")
	} else {
		fmt.Fprintf(os.Stderr, "  LLM:       %s (model: %s)\n", c.CompletionProvider, c.CompletionModel)
	}
	fmt.Fprintf(os.Stderr, "  Identity:  %s\n", c.IdentityProvider)
	fmt.Fprintf(os.Stderr, "  Database:  %s\n", c.DatabaseDriver)

	if c.NoBilling {
		fmt.Fprintln(os.Stderr, "  Billing:   Mock (--no-billing)")
	} else {
		fmt.Fprintln(os.Stderr, "  Billing:   Stripe (real)")
	}
	if c.NoEmail {
		fmt.Fprintln(os.Stderr, "  Email:     Mock (--no-email)")
	} else {
		fmt.Fprintf(os.Stderr, "  Email:     Resend (real, from: %s)\n", c.ResendFromEmail)
	}
	if c.NoAnalytics {
		fmt.Fprintln(os.Stderr, "  Analytics: Acknowledge only (--no-analytics)")
	} else {
		fmt.Fprintf(os.Stderr, "  Analytics: PostHog (%s)\n", c.PostHogHost)
	}

	fmt.Fprintf(os.Stderr, "  Origins:   %d allowed\n", len(c.AllowedOrigins))
	fmt.Fprintf(os.Stderr, "  Listen:    %s\n", c.ListenAddr)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseListOrDefault splits a comma-separated env var, dropping blanks and duplicates.
func parseListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	items := lo.Map(strings.Split(value, ","), func(item string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(item), "/")
	})
	return lo.Uniq(lo.Compact(items))
}

// parsePrefixes accepts CIDRs and bare addresses; a bare address becomes a
// single-host prefix.
func parsePrefixes(items []string) (ok []netip.Prefix, bad []string) {
	for _, item := range items {
		if p, err := netip.ParsePrefix(item); err == nil {
			ok = append(ok, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(item); err == nil {
			ok = append(ok, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		bad = append(bad, item)
	}
	return ok, bad
}

func driverFor(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

func isOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// isCORSOrigin also accepts browser-extension origins.
func isCORSOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Path != "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "chrome-extension", "moz-extension", "safari-web-extension":
		return true
	default:
		return false
	}
}

func isHexLen(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// MustLoadConfig loads configuration and panics if validation fails.
// Use this in main() when you want the application to fail fast on bad config.
func MustLoadConfig(f Flags) *Config {
	cfg, err := LoadConfig(f)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
