package email

// Template names as constants for type safety.
const (
	TemplateSubscriptionActivated = "subscription_activated"
	TemplateCancelRequested       = "cancel_requested"
)

// SubscriptionActivatedData contains data for the activation email.
type SubscriptionActivatedData struct {
	Plan      string
	PeriodEnd string // e.g., "March 3, 2026"; empty when the provider sent none
}

// CancelRequestedData contains data for the cancel-at-period-end email.
type CancelRequestedData struct {
	PeriodEnd string
}
