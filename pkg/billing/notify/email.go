package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/a-h/templ"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/email"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/email/templates"
)

type message struct {
	subject string
	content func(billing.Notification) templ.Component
}

func text(format string, fn func(n billing.Notification) []any) func(billing.Notification) templ.Component {
	return func(n billing.Notification) templ.Component {
		return templates.Text(fmt.Sprintf(format, fn(n)...))
	}
}

var messages = map[billing.NotificationKind]message{
	billing.NotifySubscriptionActivated: {"Your subscription is active",
		text("Your %s plan is active. You will be charged %s per billing period.", func(n billing.Notification) []any {
			return []any{n.PlanID, money(n.Amount, n.Currency)}
		})},
	billing.NotifySubscriptionUpgraded: {"Your plan was upgraded",
		text("You are now on the %s plan. We charged %s for the rest of the current period.", func(n billing.Notification) []any {
			return []any{n.PlanID, money(n.Amount, n.Currency)}
		})},
	billing.NotifyDowngradeScheduled: {"Your plan change is scheduled",
		text("Your plan changes to %s on %s. Nothing changes until then.", func(n billing.Notification) []any {
			return []any{n.PlanID, date(n)}
		})},
	billing.NotifyPlanChanged: {"Your plan changed",
		text("Your %s plan started on %s.", func(n billing.Notification) []any {
			return []any{n.PlanID, date(n)}
		})},
	billing.NotifyCancellationScheduled: {"Your subscription will end",
		text("Your subscription ends on %s. You can reactivate it until then.", func(n billing.Notification) []any {
			return []any{date(n)}
		})},
	billing.NotifySubscriptionCancelled: {"Your subscription was cancelled",
		text("Your subscription was cancelled and your account moved to the free plan.", func(billing.Notification) []any {
			return nil
		})},
	billing.NotifyPaymentFailed: {"We could not process your payment",
		text("A payment of %s failed%s. Please update your payment method.", func(n billing.Notification) []any {
			reason := ""
			if n.Reason != "" {
				reason = " (" + n.Reason + ")"
			}
			return []any{money(n.Amount, n.Currency), reason}
		})},
	billing.NotifyPaymentRecovered: {"Your payment went through",
		text("We received your payment of %s. Thank you.", func(n billing.Notification) []any {
			return []any{money(n.Amount, n.Currency)}
		})},
	billing.NotifyGracePeriodStarted: {"Action needed to keep your subscription",
		text("We could not collect your payment. Your subscription stays active until %s; after that it will be cancelled.", func(n billing.Notification) []any {
			return []any{date(n)}
		})},
}

func money(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, strings.ToUpper(currency))
}

func date(n billing.Notification) string {
	return n.EffectiveDate.Format("January 2, 2006")
}

// Email sends notifications through an email.EmailSender. Notifications
// without a recipient address are skipped.
type Email struct {
	sender  email.EmailSender
	support string
}

// NewEmail returns an Email notifier. supportEmail is shown in the footer of
// every message.
func NewEmail(sender email.EmailSender, supportEmail string) *Email {
	return &Email{sender: sender, support: supportEmail}
}

func (e *Email) Notify(ctx context.Context, n billing.Notification) error {
	if n.Email == "" {
		return nil
	}
	msg, ok := messages[n.Kind]
	if !ok {
		return nil
	}

	body, err := templates.Render(ctx, templates.Layout(e.support, msg.content(n)))
	if err != nil {
		return fmt.Errorf("failed to render %s email: %w", n.Kind, err)
	}

	return e.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   n.Email,
		Subject:  msg.subject,
		BodyHTML: body,
		Tag:      string(n.Kind),
	})
}
