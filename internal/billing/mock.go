package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// MockStripe implements StripeAPI for test mode (--no-billing). It records
// calls and never leaves the process.
type MockStripe struct {
	mu       sync.Mutex
	seq      int
	Sessions []*stripe.CheckoutSessionParams
	Canceled []string
	// Period returned by GetSubscription.
	PeriodStart time.Time
	PeriodEnd   time.Time
	// Status returned by GetSubscription; empty means active.
	Status stripe.SubscriptionStatus
	// Err, when set, is returned by every call.
	Err error
}

// NewMockStripe creates a mock Stripe API.
func NewMockStripe() *MockStripe {
	log.Info("using mock billing service (--no-billing)")
	now := time.Now().UTC().Truncate(time.Second)
	return &MockStripe{
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
	}
}

// CreateCheckoutSession returns a fake session pointing back at the success URL.
func (m *MockStripe) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.seq++
	m.Sessions = append(m.Sessions, params)
	id := fmt.Sprintf("cs_mock_%d", m.seq)
	url := ""
	if params.SuccessURL != nil {
		url = *params.SuccessURL
	}
	return &stripe.CheckoutSession{ID: id, URL: url}, nil
}

// GetSubscription returns a subscription with the configured period.
func (m *MockStripe) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.subscription(id, false), nil
}

// CancelAtPeriodEnd records the cancel request.
func (m *MockStripe) CancelAtPeriodEnd(_ context.Context, id string) (*stripe.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Canceled = append(m.Canceled, id)
	return m.subscription(id, true), nil
}

// CanceledCount returns the number of cancel requests seen.
func (m *MockStripe) CanceledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Canceled)
}

func (m *MockStripe) subscription(id string, cancelAtPeriodEnd bool) *stripe.Subscription {
	status := m.Status
	if status == "" {
		status = stripe.SubscriptionStatusActive
	}
	raw := fmt.Sprintf(`{"id":%q,"object":"subscription","status":%q,"cancel_at_period_end":%t,"current_period_start":%d,"current_period_end":%d}`,
		id, status, cancelAtPeriodEnd, m.PeriodStart.Unix(), m.PeriodEnd.Unix())
	sub := &stripe.Subscription{
		ID:                id,
		Status:            status,
		CancelAtPeriodEnd: cancelAtPeriodEnd,
	}
	sub.LastResponse = &stripe.APIResponse{RawJSON: []byte(raw)}
	return sub
}
