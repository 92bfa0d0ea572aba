package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	StatusActive    = "active"
	StatusCanceling = "canceling"
	StatusCanceled  = "canceled"

	PlanTrial = "trial"
	PlanPro   = "pro"
)

// Subscription is a billing-provider subscription mirrored locally.
// OwnAPIKey holds the sealed bring-your-own key, never plaintext.
type Subscription struct {
	ID                   int64
	UserID               string
	Plan                 string
	Status               string
	StripeCustomerID     string
	StripeSubscriptionID string
	CustomerEmail        string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	UseOwnAPIKey         bool
	OwnAPIKey            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsCurrent reports whether the subscription still grants the paid plan.
func (s *Subscription) IsCurrent() bool {
	return s != nil && (s.Status == StatusActive || s.Status == StatusCanceling)
}

const subscriptionColumns = `id, user_id, plan, status, stripe_customer_id, stripe_subscription_id,
	customer_email, current_period_start, current_period_end, use_own_api_key, own_api_key,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub                    Subscription
		periodStart, periodEnd int64
		useOwn                 int
		createdAt, updatedAt   int64
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.Status, &sub.StripeCustomerID,
		&sub.StripeSubscriptionID, &sub.CustomerEmail, &periodStart, &periodEnd, &useOwn,
		&sub.OwnAPIKey, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.CurrentPeriodStart = secondsToTime(periodStart)
	sub.CurrentPeriodEnd = secondsToTime(periodEnd)
	sub.UseOwnAPIKey = useOwn != 0
	sub.CreatedAt = millisToTime(createdAt)
	sub.UpdatedAt = millisToTime(updatedAt)
	return &sub, nil
}

// CurrentSubscription returns the user's most recent active or canceling
// subscription, or ErrNotFound.
func (s *Store) CurrentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND status IN ('active', 'canceling')
		ORDER BY created_at DESC, id DESC LIMIT 1`), userID))
}

// SubscriptionByStripeID returns the row mirrored from a provider subscription id.
func (s *Store) SubscriptionByStripeID(ctx context.Context, stripeID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = ?`), stripeID))
}

// CountActiveSubscriptions counts rows with status active for the user.
func (s *Store) CountActiveSubscriptions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND status = 'active'`), userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active subscriptions: %w", err)
	}
	return n, nil
}

// LockActiveByUser returns the user's active subscription, locking the row.
func (t *Tx) LockActiveByUser(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(t.queryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND status = 'active'
		ORDER BY created_at DESC, id DESC LIMIT 1`+forUpdate(t.driver), userID))
}

// LockCurrentByUser returns the user's active or canceling subscription, locking the row.
func (t *Tx) LockCurrentByUser(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(t.queryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? AND status IN ('active', 'canceling')
		ORDER BY created_at DESC, id DESC LIMIT 1`+forUpdate(t.driver), userID))
}

// LockByStripeID returns the row for a provider subscription id, locking it.
func (t *Tx) LockByStripeID(ctx context.Context, stripeID string) (*Subscription, error) {
	return scanSubscription(t.queryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE stripe_subscription_id = ?`+forUpdate(t.driver), stripeID))
}

// InsertSubscription stores a new row and fills in its id and timestamps.
// Returns ErrDuplicate when the user already has an active row or the
// provider id is already mirrored.
func (t *Tx) InsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub.Plan == "" {
		sub.Plan = PlanPro
	}
	query := `
		INSERT INTO subscriptions (user_id, plan, status, stripe_customer_id, stripe_subscription_id,
			customer_email, current_period_start, current_period_end, use_own_api_key, own_api_key,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		sub.UserID, sub.Plan, sub.Status, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.CustomerEmail, timeToSeconds(sub.CurrentPeriodStart), timeToSeconds(sub.CurrentPeriodEnd),
		boolToInt(sub.UseOwnAPIKey), sub.OwnAPIKey, t.now, t.now,
	}

	var err error
	if t.driver == DriverPostgres {
		// lib/pq does not implement LastInsertId.
		err = t.queryRow(ctx, query+" RETURNING id", args...).Scan(&sub.ID)
	} else {
		var res sql.Result
		res, err = t.exec(ctx, query, args...)
		if err == nil {
			sub.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	sub.CreatedAt = millisToTime(t.now)
	sub.UpdatedAt = millisToTime(t.now)
	return nil
}

// SupersedeActive cancels every active row of the user except keepStripeID.
func (t *Tx) SupersedeActive(ctx context.Context, userID, keepStripeID string) (int64, error) {
	res, err := t.exec(ctx, `
		UPDATE subscriptions SET status = 'canceled', updated_at = ?
		WHERE user_id = ? AND status = 'active' AND stripe_subscription_id <> ?`,
		t.now, userID, keepStripeID)
	if err != nil {
		return 0, fmt.Errorf("supersede active subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// UpdateState writes status and billing period for a row.
func (t *Tx) UpdateState(ctx context.Context, id int64, status string, periodStart, periodEnd time.Time) error {
	_, err := t.exec(ctx, `
		UPDATE subscriptions
		SET status = ?, current_period_start = ?, current_period_end = ?, updated_at = ?
		WHERE id = ?`,
		status, timeToSeconds(periodStart), timeToSeconds(periodEnd), t.now, id)
	if err != nil {
		return fmt.Errorf("update subscription state: %w", err)
	}
	return nil
}

// SetStatus changes only the status column.
func (t *Tx) SetStatus(ctx context.Context, id int64, status string) error {
	_, err := t.exec(ctx, `UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`, status, t.now, id)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// UpdateAPIKeySettings stores the bring-your-own key flag and sealed key.
func (t *Tx) UpdateAPIKeySettings(ctx context.Context, id int64, useOwn bool, sealedKey string) error {
	_, err := t.exec(ctx, `
		UPDATE subscriptions SET use_own_api_key = ?, own_api_key = ?, updated_at = ? WHERE id = ?`,
		boolToInt(useOwn), sealedKey, t.now, id)
	if err != nil {
		return fmt.Errorf("update api key settings: %w", err)
	}
	return nil
}

// MarkEventProcessed records a webhook event id. It returns false when the id
// was already recorded, in which case the caller must skip the event.
func (t *Tx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := t.exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, processed_at)
		VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, t.now)
	if err != nil {
		return false, fmt.Errorf("mark webhook event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook event processed: %w", err)
	}
	return n == 1, nil
}

// Billing periods are provider unix seconds.
func secondsToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func timeToSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
