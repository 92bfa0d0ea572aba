// Package billing mirrors Stripe subscriptions into the local store and
// serves the checkout, status, cancel and bring-your-own-key operations.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/crypto"
	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/email"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
)

var log = obs.Pkg("billing")

// Config holds Stripe billing configuration.
type Config struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	ProPriceID     string
	// CallTimeout bounds each Stripe call. Zero leaves only the caller's deadline.
	CallTimeout    time.Duration
}

// StripeAPI is the subset of the Stripe API the service calls.
type StripeAPI interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error)
}

// Service implements the subscription operations on top of db.Store.
type Service struct {
	config Config
	store  *db.Store
	sealer *crypto.Sealer
	stripe StripeAPI
	email  email.Sender
	mock   bool
}

// NewService creates a billing service backed by the live Stripe API.
func NewService(cfg Config, store *db.Store, sealer *crypto.Sealer, mailer email.Sender) *Service {
	// Set the global Stripe API key
	stripe.Key = cfg.SecretKey
	log.Info("initialized stripe billing service")
	return &Service{
		config: cfg,
		store:  store,
		sealer: sealer,
		stripe: liveStripe{},
		email:  mailer,
	}
}

// NewServiceWithAPI creates a billing service over an arbitrary Stripe API
// implementation (mock mode and tests).
func NewServiceWithAPI(cfg Config, store *db.Store, sealer *crypto.Sealer, mailer email.Sender, api StripeAPI) *Service {
	_, isMock := api.(*MockStripe)
	return &Service{
		config: cfg,
		store:  store,
		sealer: sealer,
		stripe: api,
		email:  mailer,
		mock:   isMock,
	}
}

// IsMock reports whether Stripe calls are faked.
func (s *Service) IsMock() bool { return s.mock }

// PublishableKey returns the Stripe publishable key for client-side JS.
func (s *Service) PublishableKey() string {
	return s.config.PublishableKey
}

// CheckoutResponse is returned by CreateCheckout.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateCheckout starts a hosted Stripe Checkout for the pro plan.
func (s *Service) CreateCheckout(ctx context.Context, identity auth.Identity, successURL, cancelURL string) (*CheckoutResponse, error) {
	successURL = strings.TrimSpace(successURL)
	cancelURL = strings.TrimSpace(cancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, errs.New(errs.InvalidArgument, "Success and cancel URLs are required")
	}

	active, err := s.store.CountActiveSubscriptions(ctx, identity.SubjectID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "Failed to check existing subscription", err)
	}
	if active > 0 {
		return nil, errs.New(errs.Conflict, "User already has an active subscription")
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.config.ProPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(identity.SubjectID),
	}
	if identity.Email != "" {
		params.CustomerEmail = stripe.String(identity.Email)
	}
	params.AddMetadata("userId", identity.SubjectID)
	params.AddMetadata("email", identity.Email)

	callCtx, cancel := s.stripeContext(ctx)
	defer cancel()
	sess, err := s.stripe.CreateCheckoutSession(callCtx, params)
	if err != nil {
		return nil, translateStripeError(callCtx, err)
	}
	obs.From(ctx).Info("checkout session created", "session_id", sess.ID)
	return &CheckoutResponse{SessionID: sess.ID, URL: sess.URL}, nil
}

// SubscriptionView is the client-facing projection of a subscription row.
type SubscriptionView struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd"`
}

// StatusResponse is returned by Status.
type StatusResponse struct {
	SubscriptionType      string            `json:"subscriptionType"`
	HasActiveSubscription bool              `json:"hasActiveSubscription"`
	UseOwnAPIKey          bool              `json:"useOwnApiKey"`
	APIKey                *string           `json:"apiKey"`
	Subscription          *SubscriptionView `json:"subscription"`
}

// Status reports the caller's plan. A user with no current row is on trial.
func (s *Service) Status(ctx context.Context, userID string) (*StatusResponse, error) {
	sub, err := s.store.CurrentSubscription(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return &StatusResponse{SubscriptionType: db.PlanTrial}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "Failed to load subscription", err)
	}

	resp := &StatusResponse{
		SubscriptionType:      sub.Plan,
		HasActiveSubscription: sub.IsCurrent(),
		Subscription: &SubscriptionView{
			ID:                 sub.StripeSubscriptionID,
			Status:             sub.Status,
			CurrentPeriodStart: timePtr(sub.CurrentPeriodStart),
			CurrentPeriodEnd:   timePtr(sub.CurrentPeriodEnd),
		},
	}
	if sub.UseOwnAPIKey && sub.OwnAPIKey != "" {
		key, err := s.openKey(userID, sub.OwnAPIKey)
		if err != nil {
			obs.From(ctx).Warn("stored api key unreadable", "error", err)
		} else {
			resp.UseOwnAPIKey = true
			resp.APIKey = &key
		}
	}
	return resp, nil
}

// IsPaid reports whether the user currently holds the paid plan.
func (s *Service) IsPaid(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	sub, err := s.store.CurrentSubscription(ctx, userID)
	return err == nil && sub.IsCurrent()
}

// OwnAPIKey returns the user's bring-your-own completion key when enabled
// on a current subscription.
func (s *Service) OwnAPIKey(ctx context.Context, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	sub, err := s.store.CurrentSubscription(ctx, userID)
	if err != nil || !sub.UseOwnAPIKey || sub.OwnAPIKey == "" {
		return "", false
	}
	key, err := s.openKey(userID, sub.OwnAPIKey)
	if err != nil {
		obs.From(ctx).Warn("stored api key unreadable", "error", err)
		return "", false
	}
	return key, true
}

// CancelView is the subscription summary in CancelResponse.
type CancelView struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd"`
}

// CancelResponse is returned by Cancel.
type CancelResponse struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message"`
	Subscription CancelView `json:"subscription"`
}

// Cancel asks Stripe to end the active subscription at period end and marks
// the row canceling. No transaction is open during the Stripe call; a row
// that a webhook moved off active in the meantime keeps its newer status.
func (s *Service) Cancel(ctx context.Context, userID string) (*CancelResponse, error) {
	var sub *db.Subscription
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		sub, err = tx.LockActiveByUser(ctx, userID)
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, errs.New(errs.NotFound, "No active subscription found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "Failed to load subscription", err)
	}

	callCtx, cancel := s.stripeContext(ctx)
	_, err = s.stripe.CancelAtPeriodEnd(callCtx, sub.StripeSubscriptionID)
	cancel()
	if err != nil {
		return nil, translateStripeError(callCtx, err)
	}

	err = s.store.WithTx(ctx, func(tx *db.Tx) error {
		row, err := tx.LockByStripeID(ctx, sub.StripeSubscriptionID)
		if err != nil {
			return err
		}
		if row.Status != db.StatusActive {
			return nil
		}
		return tx.SetStatus(ctx, row.ID, db.StatusCanceling)
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "Failed to update subscription status", err)
	}

	obs.From(ctx).Info("subscription cancel requested", "stripe_subscription_id", sub.StripeSubscriptionID)
	s.notify(ctx, sub.CustomerEmail, email.TemplateCancelRequested, email.CancelRequestedData{
		PeriodEnd: formatDate(sub.CurrentPeriodEnd),
	})

	return &CancelResponse{
		Success: true,
		Message: "Subscription will be canceled at the end of the current billing period",
		Subscription: CancelView{
			ID:               sub.StripeSubscriptionID,
			Status:           db.StatusCanceling,
			CurrentPeriodEnd: timePtr(sub.CurrentPeriodEnd),
		},
	}, nil
}

// UpdateAPIKeyRequest is the decoded update-api-key body. Fields are untyped
// so a non-boolean flag is reported instead of failing the decode.
type UpdateAPIKeyRequest struct {
	UseOwnAPIKey any `json:"useOwnApiKey"`
	APIKey       any `json:"apiKey"`
}

// APIKeySettings is the settings summary in UpdateAPIKeyResponse.
type APIKeySettings struct {
	UseOwnAPIKey bool    `json:"useOwnApiKey"`
	APIKey       *string `json:"apiKey"`
}

// UpdateAPIKeyResponse is returned by UpdateAPIKey.
type UpdateAPIKeyResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Settings APIKeySettings `json:"settings"`
}

// ValidateAPIKeyRequest checks the body without touching the store.
func ValidateAPIKeyRequest(req UpdateAPIKeyRequest) (useOwn bool, key string, err error) {
	useOwn, ok := req.UseOwnAPIKey.(bool)
	if !ok {
		return false, "", errs.New(errs.InvalidArgument, "useOwnApiKey must be a boolean")
	}
	key, _ = req.APIKey.(string)
	key = strings.TrimSpace(key)
	if useOwn && key == "" {
		return false, "", errs.New(errs.InvalidArgument, "API key is required when useOwnApiKey is true")
	}
	if !useOwn {
		key = ""
	}
	return useOwn, key, nil
}

// UpdateAPIKey stores the bring-your-own key settings on the current
// subscription. The key is sealed at rest.
func (s *Service) UpdateAPIKey(ctx context.Context, userID string, req UpdateAPIKeyRequest) (*UpdateAPIKeyResponse, error) {
	useOwn, key, err := ValidateAPIKeyRequest(req)
	if err != nil {
		return nil, err
	}

	sealed := ""
	if useOwn {
		sealed, err = s.sealer.Seal(userID, key)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "Failed to update API key settings", err)
		}
	}

	err = s.store.WithTx(ctx, func(tx *db.Tx) error {
		sub, err := tx.LockCurrentByUser(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			return errs.New(errs.NotFound, "No active subscription found")
		}
		if err != nil {
			return errs.Wrap(errs.Internal, "Failed to load subscription", err)
		}
		if err := tx.UpdateAPIKeySettings(ctx, sub.ID, useOwn, sealed); err != nil {
			return errs.Wrap(errs.Internal, "Failed to update API key settings", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &UpdateAPIKeyResponse{
		Success:  true,
		Message:  "API key settings updated successfully",
		Settings: APIKeySettings{UseOwnAPIKey: useOwn},
	}
	if useOwn {
		resp.Settings.APIKey = &key
	}
	return resp, nil
}

func (s *Service) openKey(userID, sealed string) (string, error) {
	if s.sealer == nil {
		return "", errors.New("no sealer configured")
	}
	return s.sealer.Open(userID, sealed)
}

// notify sends a best-effort email; failures are logged only.
func (s *Service) notify(ctx context.Context, to, template string, data any) {
	if s.email == nil || strings.TrimSpace(to) == "" {
		return
	}
	if err := s.email.Send(ctx, to, template, data); err != nil {
		obs.From(ctx).Warn("billing email failed", "template", template, "error", err)
	}
}

// stripeContext derives the context for one Stripe call.
func (s *Service) stripeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.CallTimeout)
}

// translateStripeError maps a failed Stripe call. A call that ran out of
// time maps to busy.
func translateStripeError(callCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return errs.Busy(err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		msg := stripeErr.Msg
		if msg == "" {
			msg = "Billing request rejected"
		}
		return errs.Upstream(stripeErr.HTTPStatusCode, msg, err)
	}
	return errs.Wrap(errs.UpstreamUnavailable, "Billing provider unavailable", err)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("January 2, 2006")
}

// liveStripe calls the Stripe API with the global key. Each call carries
// its context, so deadlines and cancellation reach the HTTP request.
type liveStripe struct{}

func (liveStripe) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return sess, nil
}

func (liveStripe) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (liveStripe) CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	sub, err := subscription.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription at period end: %w", err)
	}
	return sub, nil
}
