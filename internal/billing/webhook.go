package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/email"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
)

// WebhookResponse acknowledges a verified event.
type WebhookResponse struct {
	Received bool `json:"received"`
}

// subscriptionState is the part of a Stripe subscription the store mirrors.
// Periods are read from the top level and, for newer API versions, from the
// first subscription item.
type subscriptionState struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (st subscriptionState) period() (start, end time.Time) {
	s, e := st.CurrentPeriodStart, st.CurrentPeriodEnd
	if len(st.Items.Data) > 0 {
		if s == 0 {
			s = st.Items.Data[0].CurrentPeriodStart
		}
		if e == 0 {
			e = st.Items.Data[0].CurrentPeriodEnd
		}
	}
	if s != 0 {
		start = time.Unix(s, 0).UTC()
	}
	if e != 0 {
		end = time.Unix(e, 0).UTC()
	}
	return start, end
}

// localStatus maps a Stripe subscription status onto active, canceling or
// canceled. ok is false for statuses that carry no local transition.
func (st subscriptionState) localStatus() (status string, ok bool) {
	switch stripe.SubscriptionStatus(st.Status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		if st.CancelAtPeriodEnd {
			return db.StatusCanceling, true
		}
		return db.StatusActive, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return db.StatusCanceled, true
	default:
		return "", false
	}
}

func decodeSubscriptionState(raw []byte) (subscriptionState, error) {
	var st subscriptionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return st, nil
}

// HandleWebhook verifies and applies a Stripe webhook event. Verification
// happens before any store access; each event id is applied at most once.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (*WebhookResponse, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, errs.New(errs.InvalidArgument, "Missing Stripe signature")
	}
	if s.config.WebhookSecret == "" {
		return nil, errs.New(errs.InvalidArgument, "Webhook Error: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, sigHeader, s.config.WebhookSecret)
	if err != nil {
		obs.From(ctx).Warn("webhook signature verification failed", "error", err)
		return nil, errs.Wrap(errs.InvalidArgument, "Webhook Error: signature verification failed", err)
	}

	logger := obs.From(ctx).With("event_id", event.ID, "event_type", string(event.Type))

	var after func()
	switch event.Type {
	case "checkout.session.completed":
		after, err = s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		err = s.applyOnce(ctx, event, func(tx *db.Tx) error { return s.handleSubscriptionUpdated(ctx, tx, event) })
	case "customer.subscription.deleted":
		err = s.applyOnce(ctx, event, func(tx *db.Tx) error { return s.handleSubscriptionDeleted(ctx, tx, event) })
	case "invoice.payment_failed":
		err = s.applyOnce(ctx, event, func(*db.Tx) error {
			s.logPaymentFailed(ctx, event)
			return nil
		})
	default:
		err = s.applyOnce(ctx, event, func(*db.Tx) error {
			logger.Info("unhandled webhook event type")
			return nil
		})
	}
	if err != nil {
		logger.Error("webhook processing failed", "error", err)
		if errs.CodeOf(err) != errs.Internal {
			return nil, err
		}
		return nil, errs.Wrap(errs.Internal, "Failed to process webhook event", err)
	}
	if after != nil {
		after()
	}
	return &WebhookResponse{Received: true}, nil
}

// errAlreadyProcessed aborts the transaction of a replayed event.
var errAlreadyProcessed = errors.New("webhook event already processed")

// applyOnce records the event id and runs fn in the same transaction.
// A replayed id commits nothing and returns nil.
func (s *Service) applyOnce(ctx context.Context, event stripe.Event, fn func(*db.Tx) error) error {
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		first, err := tx.MarkEventProcessed(ctx, event.ID, string(event.Type))
		if err != nil {
			return err
		}
		if !first {
			return errAlreadyProcessed
		}
		return fn(tx)
	})
	if errors.Is(err, errAlreadyProcessed) {
		obs.From(ctx).Info("webhook event already processed, skipping", "event_id", event.ID)
		return nil
	}
	return err
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (func(), error) {
	var checkoutSession stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
		return nil, fmt.Errorf("unmarshal checkout session: %w", err)
	}

	userID := checkoutSession.ClientReferenceID
	if userID == "" {
		userID = checkoutSession.Metadata["userId"]
	}
	subscriptionID := ""
	if checkoutSession.Subscription != nil {
		subscriptionID = checkoutSession.Subscription.ID
	}
	customerID := ""
	if checkoutSession.Customer != nil {
		customerID = checkoutSession.Customer.ID
	}
	customerEmail := checkoutSession.CustomerEmail
	if checkoutSession.CustomerDetails != nil && checkoutSession.CustomerDetails.Email != "" {
		customerEmail = checkoutSession.CustomerDetails.Email
	}
	if customerEmail == "" {
		customerEmail = checkoutSession.Metadata["email"]
	}

	logger := obs.From(ctx).With("event_id", event.ID, "stripe_subscription_id", subscriptionID)
	if userID == "" || subscriptionID == "" {
		logger.Warn("checkout session missing user or subscription, skipping")
		return nil, s.applyOnce(ctx, event, func(*db.Tx) error { return nil })
	}

	// The session carries no billing period or current status; the
	// subscription does. A deleted event may have overtaken this one.
	status := db.StatusActive
	var periodStart, periodEnd time.Time
	callCtx, cancel := s.stripeContext(ctx)
	sub, err := s.stripe.GetSubscription(callCtx, subscriptionID)
	cancel()
	if err != nil {
		logger.Warn("subscription lookup failed, period left for the next update", "error", err)
	} else if st, err := stateOf(sub); err == nil {
		periodStart, periodEnd = st.period()
		if local, ok := st.localStatus(); ok {
			status = local
		}
	}

	var activated *db.Subscription
	err = s.applyOnce(ctx, event, func(tx *db.Tx) error {
		existing, err := tx.LockByStripeID(ctx, subscriptionID)
		switch {
		case err == nil:
			if existing.Status != db.StatusActive {
				logger.Info("checkout completed for a subscription no longer active, ignoring", "status", existing.Status)
				return nil
			}
			if status == db.StatusActive && periodEnd.IsZero() {
				return nil
			}
			if periodEnd.IsZero() {
				periodStart, periodEnd = existing.CurrentPeriodStart, existing.CurrentPeriodEnd
			}
			return tx.UpdateState(ctx, existing.ID, status, periodStart, periodEnd)
		case !errors.Is(err, db.ErrNotFound):
			return err
		}

		if status != db.StatusCanceled {
			if _, err := tx.SupersedeActive(ctx, userID, subscriptionID); err != nil {
				return err
			}
		}
		sub := &db.Subscription{
			UserID:               userID,
			Plan:                 db.PlanPro,
			Status:               status,
			StripeCustomerID:     customerID,
			StripeSubscriptionID: subscriptionID,
			CustomerEmail:        customerEmail,
			CurrentPeriodStart:   periodStart,
			CurrentPeriodEnd:     periodEnd,
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		if status == db.StatusCanceled {
			logger.Info("checkout completed for a subscription already canceled, recorded as canceled")
			return nil
		}
		activated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	if activated == nil {
		return nil, nil
	}
	logger.Info("subscription activated", "subject", userID)
	return func() {
		s.notify(ctx, activated.CustomerEmail, email.TemplateSubscriptionActivated, email.SubscriptionActivatedData{
			Plan:      activated.Plan,
			PeriodEnd: formatDate(activated.CurrentPeriodEnd),
		})
	}, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, tx *db.Tx, event stripe.Event) error {
	st, err := decodeSubscriptionState(event.Data.Raw)
	if err != nil {
		return err
	}
	logger := obs.From(ctx).With("event_id", event.ID, "stripe_subscription_id", st.ID)

	row, err := tx.LockByStripeID(ctx, st.ID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Info("no local row for subscription, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if row.Status == db.StatusCanceled {
		logger.Info("subscription already canceled, ignoring update", "stripe_status", st.Status)
		return nil
	}

	status, ok := st.localStatus()
	if !ok {
		status = row.Status
	}
	start, end := st.period()
	if start.IsZero() {
		start = row.CurrentPeriodStart
	}
	if end.IsZero() {
		end = row.CurrentPeriodEnd
	}
	if status == db.StatusActive && row.Status != db.StatusActive {
		if _, err := tx.SupersedeActive(ctx, row.UserID, row.StripeSubscriptionID); err != nil {
			return err
		}
	}
	if err := tx.UpdateState(ctx, row.ID, status, start, end); err != nil {
		return err
	}
	logger.Info("subscription synced", "from", row.Status, "to", status, "stripe_status", st.Status)
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, tx *db.Tx, event stripe.Event) error {
	st, err := decodeSubscriptionState(event.Data.Raw)
	if err != nil {
		return err
	}
	logger := obs.From(ctx).With("event_id", event.ID, "stripe_subscription_id", st.ID)

	row, err := tx.LockByStripeID(ctx, st.ID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Info("no local row for subscription, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if row.Status == db.StatusCanceled {
		return nil
	}
	if err := tx.SetStatus(ctx, row.ID, db.StatusCanceled); err != nil {
		return err
	}
	logger.Info("subscription canceled", "from", row.Status)
	return nil
}

// logPaymentFailed records the failure; the status change itself arrives as
// customer.subscription.updated.
func (s *Service) logPaymentFailed(ctx context.Context, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		obs.From(ctx).Warn("unmarshal invoice failed", "error", err)
		return
	}
	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	obs.From(ctx).Warn("invoice payment failed", "event_id", event.ID, "stripe_customer_id", customerID)
}

func stateOf(sub *stripe.Subscription) (subscriptionState, error) {
	if sub == nil {
		return subscriptionState{}, errors.New("nil subscription")
	}
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		return decodeSubscriptionState(sub.LastResponse.RawJSON)
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return subscriptionState{}, fmt.Errorf("marshal subscription: %w", err)
	}
	return decodeSubscriptionState(raw)
}
