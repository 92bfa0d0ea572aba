package email

import (
	"context"
	"fmt"
	"html"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/extension-relay/internal/obs"
)

const productName = "Extension Relay"

// Resend delivers notifications through the Resend API. The from address
// must be verified in Resend.
type Resend struct {
	client *resend.Client
	from   string
}

// NewResend creates a Resend sender.
func NewResend(apiKey, from string) *Resend {
	return &Resend{client: resend.NewClient(apiKey), from: from}
}

// Send renders template and sends it to one recipient.
func (r *Resend) Send(ctx context.Context, to, template string, data any) error {
	subject, body := render(template, data)
	sent, err := r.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	})
	if err != nil {
		return fmt.Errorf("resend: send %s: %w", template, err)
	}
	obs.From(ctx).Info("email sent", "template", template, "message_id", sent.Id)
	return nil
}

// render returns the subject and HTML body for a template.
func render(template string, data any) (subject, body string) {
	switch template {
	case TemplateSubscriptionActivated:
		d, _ := data.(SubscriptionActivatedData)
		subject = "Your " + productName + " Pro subscription is active"
		body = renderSubscriptionActivatedHTML(d)
	case TemplateCancelRequested:
		d, _ := data.(CancelRequestedData)
		subject = "Your " + productName + " subscription will end"
		body = renderCancelRequestedHTML(d)
	default:
		subject = "Message from " + productName
		body = fmt.Sprintf("<p>%s</p>", html.EscapeString(fmt.Sprintf("%+v", data)))
	}
	return
}

func layout(title, accent, content string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: %s; padding: 30px; border-radius: 10px 10px 0 0;">
        <h1 style="color: white; margin: 0; font-size: 24px;">%s</h1>
    </div>
    <div style="background: #ffffff; padding: 30px; border: 1px solid #e0e0e0; border-top: none; border-radius: 0 0 10px 10px;">
        %s
        <hr style="border: none; border-top: 1px solid #e0e0e0; margin: 20px 0;">
        <p style="color: #999; font-size: 12px;">This is an automated message from %s. Please do not reply to this email.</p>
    </div>
</body>
</html>`, html.EscapeString(title), accent, productName, content, productName)
}

func renderSubscriptionActivatedHTML(data SubscriptionActivatedData) string {
	plan := data.Plan
	if plan == "" {
		plan = "pro"
	}
	renewal := ""
	if data.PeriodEnd != "" {
		renewal = fmt.Sprintf(`<p>Your current billing period ends on <strong>%s</strong> and renews automatically.</p>`,
			html.EscapeString(data.PeriodEnd))
	}
	content := fmt.Sprintf(`<h2 style="color: #333; margin-top: 0;">Thanks for upgrading!</h2>
        <p>Your <strong>%s</strong> subscription is now active. Requests from the extension use the paid tier immediately.</p>
        %s`, html.EscapeString(plan), renewal)
	return layout("Subscription active", "#4CAF50", content)
}

func renderCancelRequestedHTML(data CancelRequestedData) string {
	until := "the end of your current billing period"
	if data.PeriodEnd != "" {
		until = html.EscapeString(data.PeriodEnd)
	}
	content := fmt.Sprintf(`<h2 style="color: #333; margin-top: 0;">Cancellation scheduled</h2>
        <p>Your subscription will remain active until <strong>%s</strong>. You will not be charged again.</p>
        <p style="color: #666; font-size: 14px;">Changed your mind? You can subscribe again from the extension at any time.</p>`, until)
	return layout("Cancellation scheduled", "#FF9800", content)
}
