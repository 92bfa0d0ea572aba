package db_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/testdb"
)

func strPtr(s string) *string { return &s }

func TestUsers_CreateLookupDuplicate(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "u-1", "  Alice@Example.COM ", "hash", "")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, "user", u.Role)

	got, err := store.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)

	_, err = store.CreateUser(ctx, "u-2", "alice@example.com", "hash", "user")
	require.ErrorIs(t, err, db.ErrDuplicate)

	_, err = store.GetUserByID(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestRevokedTokens(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()

	revoked, err := store.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)))
	require.NoError(t, store.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err = store.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, store.RevokeToken(ctx, "jti-old", time.Now().Add(-time.Hour)))
	n, err := store.PurgeExpiredRevocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSettings_MissingRowIsNotFound(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	_, err := store.GetSettings(context.Background(), "nobody")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestSettings_PatchKeepsUnsetFields(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()

	_, err := store.UpsertSettings(ctx, "u-1", db.SettingsPatch{
		SystemPrompt:        strPtr("be brief"),
		ConnectSystemPrompt: strPtr("connect ideas"),
	})
	require.NoError(t, err)

	got, err := store.UpsertSettings(ctx, "u-1", db.SettingsPatch{SystemPrompt: strPtr("be verbose")})
	require.NoError(t, err)
	require.NotNil(t, got.SystemPrompt)
	require.NotNil(t, got.ConnectSystemPrompt)
	assert.Equal(t, "be verbose", *got.SystemPrompt)
	assert.Equal(t, "connect ideas", *got.ConnectSystemPrompt)
}

func testSettings_RepeatedUpsertSingleRowMonotonic(t *rapid.T) {
	store, err := testdb.NewStoreInMemory("settings")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	// A frozen clock must still advance updated_at.
	frozen := time.UnixMilli(rapid.Int64Range(946684800000, 4102444800000).Draw(t, "now_ms"))
	store.SetClock(func() time.Time { return frozen })

	ctx := context.Background()
	prompt := rapid.StringMatching(`[a-zA-Z ]{0,40}`).Draw(t, "prompt")
	saves := rapid.IntRange(2, 6).Draw(t, "saves")

	var last time.Time
	for i := 0; i < saves; i++ {
		got, err := store.UpsertSettings(ctx, "user-1", db.SettingsPatch{SystemPrompt: &prompt})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if i > 0 && !got.UpdatedAt.After(last) {
			t.Fatalf("updated_at did not advance: prev=%v got=%v", last, got.UpdatedAt)
		}
		last = got.UpdatedAt
	}

	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM user_settings WHERE user_id = ?`, "user-1").Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one settings row, got %d", rows)
	}
}

func TestSettings_RepeatedUpsertSingleRowMonotonic(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSettings_RepeatedUpsertSingleRowMonotonic)
}

func insertSub(t *testing.T, store *db.Store, userID, stripeID, status string) *db.Subscription {
	t.Helper()
	sub := &db.Subscription{
		UserID:               userID,
		Status:               status,
		StripeCustomerID:     "cus_" + userID,
		StripeSubscriptionID: stripeID,
		CurrentPeriodStart:   time.Unix(1_700_000_000, 0),
		CurrentPeriodEnd:     time.Unix(1_702_592_000, 0),
	}
	err := store.WithTx(context.Background(), func(tx *db.Tx) error {
		return tx.InsertSubscription(context.Background(), sub)
	})
	require.NoError(t, err)
	return sub
}

func TestSubscriptions_AtMostOneActivePerUser(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()

	first := insertSub(t, store, "u-1", "sub_1", db.StatusActive)
	assert.NotZero(t, first.ID)
	assert.Equal(t, db.PlanPro, first.Plan)

	err := store.WithTx(ctx, func(tx *db.Tx) error {
		return tx.InsertSubscription(ctx, &db.Subscription{UserID: "u-1", Status: db.StatusActive, StripeSubscriptionID: "sub_2"})
	})
	require.ErrorIs(t, err, db.ErrDuplicate)

	// Canceled and canceling rows do not count against the index.
	insertSub(t, store, "u-1", "sub_3", db.StatusCanceled)
	insertSub(t, store, "u-1", "sub_4", db.StatusCanceling)

	n, err := store.CountActiveSubscriptions(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubscriptions_DuplicateStripeIDRejected(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	insertSub(t, store, "u-1", "sub_1", db.StatusCanceled)
	err := store.WithTx(context.Background(), func(tx *db.Tx) error {
		return tx.InsertSubscription(context.Background(), &db.Subscription{UserID: "u-2", Status: db.StatusActive, StripeSubscriptionID: "sub_1"})
	})
	require.ErrorIs(t, err, db.ErrDuplicate)
}

func TestSubscriptions_CurrentAndSupersede(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()

	_, err := store.CurrentSubscription(ctx, "u-1")
	require.ErrorIs(t, err, db.ErrNotFound)

	insertSub(t, store, "u-1", "sub_old", db.StatusActive)
	err = store.WithTx(ctx, func(tx *db.Tx) error {
		n, err := tx.SupersedeActive(ctx, "u-1", "sub_new")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), n)
		return tx.InsertSubscription(ctx, &db.Subscription{UserID: "u-1", Status: db.StatusActive, StripeSubscriptionID: "sub_new"})
	})
	require.NoError(t, err)

	cur, err := store.CurrentSubscription(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", cur.StripeSubscriptionID)

	old, err := store.SubscriptionByStripeID(ctx, "sub_old")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCanceled, old.Status)
}

func TestSubscriptions_LockAndUpdate(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()
	insertSub(t, store, "u-1", "sub_1", db.StatusActive)

	end := time.Unix(1_705_000_000, 0).UTC()
	err := store.WithTx(ctx, func(tx *db.Tx) error {
		sub, err := tx.LockActiveByUser(ctx, "u-1")
		if err != nil {
			return err
		}
		if err := tx.UpdateState(ctx, sub.ID, db.StatusCanceling, sub.CurrentPeriodStart, end); err != nil {
			return err
		}
		return tx.UpdateAPIKeySettings(ctx, sub.ID, true, "v1:sealed")
	})
	require.NoError(t, err)

	cur, err := store.CurrentSubscription(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCanceling, cur.Status)
	assert.True(t, cur.IsCurrent())
	assert.True(t, cur.UseOwnAPIKey)
	assert.Equal(t, "v1:sealed", cur.OwnAPIKey)
	assert.Equal(t, end, cur.CurrentPeriodEnd)

	err = store.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.LockActiveByUser(ctx, "u-1")
		return err
	})
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertSubscription(ctx, &db.Subscription{UserID: "u-1", Status: db.StatusActive, StripeSubscriptionID: "sub_1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.SubscriptionByStripeID(ctx, "sub_1")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestMarkEventProcessed_Idempotent(t *testing.T) {
	t.Parallel()
	store := testdb.MustStore(t)
	ctx := context.Background()

	var first, second bool
	require.NoError(t, store.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		first, err = tx.MarkEventProcessed(ctx, "evt_1", "checkout.session.completed")
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		second, err = tx.MarkEventProcessed(ctx, "evt_1", "checkout.session.completed")
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestOpen_AppliesSchemaAndReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	store, err := db.Open(ctx, db.DriverSQLite, path, testdb.TestEncryptionKeyHex)
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, "u-1", "first@example.com", "hash", "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = db.Open(ctx, db.DriverSQLite, path, testdb.TestEncryptionKeyHex)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	got, err := store.GetUserByEmail(ctx, "first@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
}
