package db

import "strings"

// schemaTemplate runs unchanged on Postgres and SQLite; only the identity
// column ({{pk}}) differs. Timestamps are unix milliseconds and booleans are
// 0/1 integers so both drivers scan them the same way.
const schemaTemplate = `
-- Accounts for the local identity provider
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

-- Local session tokens revoked by sign-out
CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti TEXT PRIMARY KEY,
    expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires_at ON revoked_tokens(expires_at);

CREATE TABLE IF NOT EXISTS user_settings (
    user_id TEXT PRIMARY KEY,
    system_prompt TEXT,
    connect_system_prompt TEXT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

-- Rows are never deleted: active -> canceling -> canceled
CREATE TABLE IF NOT EXISTS subscriptions (
    id {{pk}},
    user_id TEXT NOT NULL,
    plan TEXT NOT NULL DEFAULT 'pro',
    status TEXT NOT NULL,
    stripe_customer_id TEXT NOT NULL DEFAULT '',
    stripe_subscription_id TEXT NOT NULL,
    customer_email TEXT NOT NULL DEFAULT '',
    current_period_start BIGINT NOT NULL DEFAULT 0,
    current_period_end BIGINT NOT NULL DEFAULT 0,
    use_own_api_key INTEGER NOT NULL DEFAULT 0,
    own_api_key TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_stripe_id ON subscriptions(stripe_subscription_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active ON subscriptions(user_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_subscriptions_user_created ON subscriptions(user_id, created_at);

CREATE TABLE IF NOT EXISTS processed_webhook_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    processed_at BIGINT NOT NULL
);
`

// Schema returns the DDL for the given driver ("postgres" or "sqlite").
func Schema(driver string) string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(schemaTemplate, "{{pk}}", pk)
}
