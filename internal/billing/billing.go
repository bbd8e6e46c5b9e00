// Package billing synchronizes subscription and credit state from payment
// provider webhooks. Events arrive asynchronously and may be delivered
// more than once; every mutation here is idempotent.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/ledger"
	"github.com/meterbase/meterbase/internal/license"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/respcache"
	"github.com/meterbase/meterbase/internal/subscription"
	"github.com/meterbase/meterbase/internal/traces"
	"github.com/meterbase/meterbase/internal/validation"
)

// Notifier delivers transactional email. Delivery failures are logged and
// never fail webhook acknowledgement.
type Notifier interface {
	Notify(ctx context.Context, email, subject, body string) error
}

// LogNotifier is the default Notifier: it only logs. Real delivery is
// wired in deployments that configure an email provider.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, email, subject, _ string) error {
	logging.L(ctx).Info("notification", "email", email, "subject", subject)
	return nil
}

// Synchronizer applies verified provider events to local state.
type Synchronizer struct {
	identities identity.Store
	subs       subscription.Store
	licenses   license.Store
	credits    *ledger.Service

	summaryCache *respcache.Cache
	notifier     Notifier
	handlers     map[string]func(ctx context.Context, event stripe.Event) error
	now          func() time.Time
}

// NewSynchronizer creates a webhook synchronizer. notifier may be nil, in
// which case notifications are logged only.
func NewSynchronizer(identities identity.Store, subs subscription.Store, licenses license.Store, credits *ledger.Service, summaryCache *respcache.Cache, notifier Notifier) *Synchronizer {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	s := &Synchronizer{
		identities:   identities,
		subs:         subs,
		licenses:     licenses,
		credits:      credits,
		summaryCache: summaryCache,
		notifier:     notifier,
		now:          time.Now,
	}
	// Tagged dispatch: event kind to handler. Unknown kinds are logged
	// and acknowledged, never an error.
	s.handlers = map[string]func(ctx context.Context, event stripe.Event) error{
		"customer.subscription.created": s.handleSubscriptionChange,
		"customer.subscription.updated": s.handleSubscriptionChange,
		"customer.subscription.deleted": s.handleSubscriptionDeleted,
		"invoice.paid":                  s.handleInvoicePaid,
		"invoice.payment_failed":        s.handleInvoicePaymentFailed,
		"checkout.session.completed":    s.handleCheckoutCompleted,
	}
	return s
}

// Apply dispatches a verified event to its handler. Returns whether the
// event type was recognized, and any processing error.
func (s *Synchronizer) Apply(ctx context.Context, event stripe.Event) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "billing.Apply", traces.EventType(string(event.Type)))
	defer span.End()

	handler, known := s.handlers[string(event.Type)]
	if !known {
		logging.L(ctx).Info("ignoring unhandled webhook event", "type", event.Type)
		return false, nil
	}
	return true, handler(ctx, event)
}

// handleSubscriptionChange upserts the local record from a provider
// subscription object, normalizing its status.
func (s *Synchronizer) handleSubscriptionChange(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription payload: %w", err)
	}

	email := sub.Metadata["email"]
	if email == "" {
		logging.L(ctx).Warn("subscription event without email metadata", "provider_sub_id", sub.ID)
		return nil
	}

	ident, err := s.identities.GetOrCreate(ctx, validation.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	record := &subscription.Record{
		IdentityID:    ident.ID,
		Product:       productFromMetadata(sub.Metadata),
		Plan:          planFromSubscription(&sub),
		Status:        subscription.Normalize(string(sub.Status)),
		ProviderSubID: sub.ID,
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		record.RenewsAt = &t
	}

	if err := s.subs.Upsert(ctx, record); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	s.summaryCache.Invalidate(ident.ID)
	logging.L(ctx).Info("subscription synced",
		"identity_id", ident.ID,
		"provider_sub_id", sub.ID,
		"plan", record.Plan,
		"status", record.Status)
	return nil
}

// handleSubscriptionDeleted marks the local record cancelled.
func (s *Synchronizer) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription payload: %w", err)
	}

	record, err := s.subs.GetByProviderSubID(ctx, sub.ID)
	if err != nil {
		// A deletion for a subscription we never saw is acknowledged.
		logging.L(ctx).Warn("deletion for unknown subscription", "provider_sub_id", sub.ID)
		return nil
	}

	record.Status = subscription.StatusCancelled
	if err := s.subs.Upsert(ctx, record); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	s.summaryCache.Invalidate(record.IdentityID)
	logging.L(ctx).Info("subscription cancelled",
		"identity_id", record.IdentityID, "provider_sub_id", sub.ID)
	return nil
}

// handleInvoicePaid reactivates the subscription and extends its period.
func (s *Synchronizer) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice payload: %w", err)
	}
	if inv.Subscription == nil {
		return nil
	}

	record, err := s.subs.GetByProviderSubID(ctx, inv.Subscription.ID)
	if err != nil {
		logging.L(ctx).Warn("invoice for unknown subscription", "provider_sub_id", inv.Subscription.ID)
		return nil
	}

	record.Status = subscription.StatusActive
	if inv.PeriodEnd > 0 {
		t := time.Unix(inv.PeriodEnd, 0).UTC()
		record.RenewsAt = &t
	}
	if err := s.subs.Upsert(ctx, record); err != nil {
		return fmt.Errorf("reactivate subscription: %w", err)
	}

	s.summaryCache.Invalidate(record.IdentityID)
	return nil
}

// handleInvoicePaymentFailed marks the subscription past due and tells
// the customer.
func (s *Synchronizer) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice payload: %w", err)
	}
	if inv.Subscription == nil {
		return nil
	}

	record, err := s.subs.GetByProviderSubID(ctx, inv.Subscription.ID)
	if err != nil {
		return nil
	}

	record.Status = subscription.StatusPastDue
	if err := s.subs.Upsert(ctx, record); err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}
	s.summaryCache.Invalidate(record.IdentityID)

	if inv.CustomerEmail != "" {
		if err := s.notifier.Notify(ctx, inv.CustomerEmail,
			"Payment failed",
			"Your latest payment did not go through. Please update your payment method."); err != nil {
			logging.L(ctx).Warn("payment-failed notification not delivered",
				"email", inv.CustomerEmail, "error", err)
		}
	}
	return nil
}

// handleCheckoutCompleted fulfills one-time purchases: credit top-ups and
// license issuance. Fulfillment is idempotent on the provider transaction
// ID, so duplicate deliveries apply exactly once.
func (s *Synchronizer) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("decode checkout payload: %w", err)
	}

	// Subscription-mode checkouts are handled by the subscription events.
	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		return nil
	}

	email := checkoutEmail(&sess)
	if verrs := validation.Validate(
		validation.Required("email", email),
		validation.ValidEmail("email", email),
	); len(verrs) > 0 {
		logging.L(ctx).Warn("checkout session without usable customer email",
			"session_id", sess.ID, "reason", verrs.Error())
		return nil
	}

	txnID := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		txnID = sess.PaymentIntent.ID
	}

	ident, err := s.identities.GetOrCreate(ctx, validation.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	switch sess.Metadata["kind"] {
	case "license":
		return s.fulfillLicense(ctx, ident, &sess, txnID, email)
	default:
		return s.fulfillCredits(ctx, ident, &sess, txnID)
	}
}

func (s *Synchronizer) fulfillCredits(ctx context.Context, ident *identity.Identity, sess *stripe.CheckoutSession, txnID string) error {
	seen, err := s.credits.HasTransaction(ctx, txnID)
	if err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	if seen {
		logging.L(ctx).Info("duplicate purchase delivery suppressed",
			"identity_id", ident.ID, "provider_txn_id", txnID)
		return nil
	}

	amount, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if err != nil || amount <= 0 {
		logging.L(ctx).Warn("checkout session without usable credits metadata",
			"session_id", sess.ID)
		return nil
	}

	if _, err := s.credits.Add(ctx, ident.ID, ledger.KindPurchase, amount, map[string]string{
		ledger.MetaProviderTxnID: txnID,
		"checkout_session":       sess.ID,
	}); err != nil {
		return fmt.Errorf("credit purchase: %w", err)
	}

	s.summaryCache.Invalidate(ident.ID)
	logging.L(ctx).Info("credits purchased",
		"identity_id", ident.ID, "amount", amount, "provider_txn_id", txnID)
	return nil
}

func (s *Synchronizer) fulfillLicense(ctx context.Context, ident *identity.Identity, sess *stripe.CheckoutSession, txnID, email string) error {
	if _, err := s.licenses.GetByProviderTxnID(ctx, txnID); err == nil {
		logging.L(ctx).Info("duplicate license delivery suppressed",
			"identity_id", ident.ID, "provider_txn_id", txnID)
		return nil
	}

	plan := sess.Metadata["plan"]
	limit := subscription.LimitFor(plan)
	if plan == "" || limit == 0 {
		logging.L(ctx).Warn("license checkout with unknown plan",
			"session_id", sess.ID, "plan", plan)
		return nil
	}

	lic := &license.License{
		Key:           license.GenerateKey(),
		IdentityID:    ident.ID,
		OwnerEmail:    email,
		Plan:          plan,
		Limit:         limit,
		ProviderTxnID: txnID,
	}
	if err := s.licenses.Create(ctx, lic); err != nil {
		return fmt.Errorf("issue license: %w", err)
	}

	if err := s.notifier.Notify(ctx, email,
		"Your license key",
		"Your license key is "+lic.Key+". Paste it into your site settings to activate."); err != nil {
		logging.L(ctx).Warn("license notification not delivered",
			"email", email, "error", err)
	}

	logging.L(ctx).Info("license issued",
		"identity_id", ident.ID, "plan", plan, "provider_txn_id", txnID)
	return nil
}

func checkoutEmail(sess *stripe.CheckoutSession) string {
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	if sess.CustomerEmail != "" {
		return sess.CustomerEmail
	}
	return sess.Metadata["email"]
}

func productFromMetadata(meta map[string]string) string {
	if p := meta["product"]; p != "" {
		return p
	}
	return "default"
}

// planFromSubscription prefers price lookup keys, then nicknames, then
// explicit metadata.
func planFromSubscription(sub *stripe.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		if price.LookupKey != "" {
			return price.LookupKey
		}
		if price.Nickname != "" {
			return price.Nickname
		}
	}
	return sub.Metadata["plan"]
}
