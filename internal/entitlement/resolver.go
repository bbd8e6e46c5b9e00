package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/license"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/metrics"
	"github.com/meterbase/meterbase/internal/site"
	"github.com/meterbase/meterbase/internal/subscription"
	"github.com/meterbase/meterbase/internal/traces"
)

// Resolver walks an ordered list of quota-source strategies and returns
// the first resolution that applies. Adding a new source is one entry in
// the strategies slice.
type Resolver struct {
	sites      site.Store
	licenses   license.Store
	subs       subscription.Store
	identities identity.Store

	strategies []strategy
	now        func() time.Time
}

// A strategy inspects the request context and either claims it with a
// resolution, passes with (nil, nil), or fails the whole check with an
// error. Failing closed is deliberate: an errored check must never
// default to allowed.
type strategy func(ctx context.Context, rc *reqContext) (*Resolution, error)

type reqContext struct {
	req  Request
	site *site.Site
}

// NewResolver creates a resolver over the given stores.
func NewResolver(sites site.Store, licenses license.Store, subs subscription.Store, identities identity.Store) *Resolver {
	r := &Resolver{
		sites:      sites,
		licenses:   licenses,
		subs:       subs,
		identities: identities,
		now:        time.Now,
	}
	r.strategies = []strategy{
		r.resolveLicense,
		r.resolveSubscription,
		r.resolveFreeTier,
	}
	return r
}

// Resolve determines the governing quota source for the request. The site
// record is created on first sight.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.Resolve", traces.SiteHash(req.SiteHash))
	defer span.End()

	st, err := r.sites.GetOrCreateByHash(ctx, req.SiteHash)
	if err != nil {
		metrics.EntitlementChecksTotal.WithLabelValues("none", "error").Inc()
		return nil, fmt.Errorf("load site: %w", err)
	}

	rc := &reqContext{req: req, site: st}
	for _, strat := range r.strategies {
		res, err := strat(ctx, rc)
		if err != nil {
			metrics.EntitlementChecksTotal.WithLabelValues("none", "error").Inc()
			return nil, err
		}
		if res == nil {
			continue
		}

		res.SiteID = st.ID
		res.ResetDate = site.MonthStart(r.now()).AddDate(0, 1, 0)
		span.SetAttributes(traces.QuotaSource(res.Source))

		outcome := "allowed"
		if !res.Allows(1) {
			outcome = "exhausted"
		}
		metrics.EntitlementChecksTotal.WithLabelValues(res.Source, outcome).Inc()
		return res, nil
	}

	metrics.EntitlementChecksTotal.WithLabelValues("none", "error").Inc()
	return nil, ErrUnresolvable
}

// resolveLicense applies when a key is presented explicitly or already
// attached to the site. A freshly presented key that differs from the
// stored one replaces it before use.
func (r *Resolver) resolveLicense(ctx context.Context, rc *reqContext) (*Resolution, error) {
	key := rc.req.LicenseKey
	if key == "" {
		key = rc.site.LicenseKey
	}
	if key == "" {
		return nil, nil
	}

	lic, err := r.licenses.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			logging.L(ctx).Warn("unknown license key presented",
				"site_hash", rc.req.SiteHash)
			return nil, nil
		}
		return nil, fmt.Errorf("look up license: %w", err)
	}
	if !lic.Active() {
		logging.L(ctx).Warn("revoked license key presented",
			"site_hash", rc.req.SiteHash, "license_key", lic.Key)
		return nil, nil
	}

	if rc.req.LicenseKey != "" && rc.site.LicenseKey != rc.req.LicenseKey {
		if err := r.sites.AttachLicense(ctx, rc.site.ID, lic.Key, lic.IdentityID); err != nil {
			return nil, fmt.Errorf("attach license: %w", err)
		}
		rc.site.LicenseKey = lic.Key
		rc.site.IdentityID = lic.IdentityID
		logging.L(ctx).Info("license attached to site",
			"site_id", rc.site.ID, "license_key", lic.Key)
	}

	used, err := r.usedThisMonth(ctx, rc.site.ID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Source:     SourceLicense,
		Plan:       lic.Plan,
		Used:       used,
		IdentityID: lic.IdentityID,
	}
	if lic.Limit < 0 {
		res.Unlimited = true
		res.Limit = -1
		res.Remaining = -1
		return res, nil
	}
	res.Limit = lic.Limit
	res.Remaining = clampNonNegative(lic.Limit - used)
	return res, nil
}

// resolveSubscription applies when the caller is linked to an identity
// holding an entitled subscription for the product.
func (r *Resolver) resolveSubscription(ctx context.Context, rc *reqContext) (*Resolution, error) {
	identityID := rc.site.IdentityID
	if identityID == "" && rc.req.Email != "" {
		ident, err := r.identities.GetByEmail(ctx, rc.req.Email)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("look up identity: %w", err)
		}
		identityID = ident.ID
	}
	if identityID == "" {
		return nil, nil
	}

	sub, err := r.subs.Get(ctx, identityID, rc.req.Product)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("look up subscription: %w", err)
	}
	if !sub.EffectiveStatus(r.now()).Entitled() {
		return nil, nil
	}

	subLimit := subscription.LimitFor(sub.Plan)
	if subLimit == 0 {
		// Unknown plan grants nothing; fall through.
		logging.L(ctx).Warn("subscription with unknown plan",
			"identity_id", identityID, "plan", sub.Plan)
		return nil, nil
	}

	used, err := r.usedThisMonth(ctx, rc.site.ID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Source:     SourceSubscription,
		Plan:       sub.Plan,
		Used:       used,
		IdentityID: identityID,
	}
	if subscription.IsUnlimited(subLimit) {
		res.Unlimited = true
		res.Limit = -1
		res.Remaining = -1
		return res, nil
	}

	// The account limit raises the ceiling for display, but the site's
	// recorded usage is the floor: a site that already exhausted its free
	// quota is not silently upgraded by an unrelated account-level limit.
	freeLimit := rc.site.FreeLimit
	limit := subLimit
	if freeLimit > limit {
		limit = freeLimit
	}
	res.Limit = limit
	if freeLimit > 0 && used >= freeLimit {
		res.Remaining = 0
	} else {
		res.Remaining = clampNonNegative(limit - used)
	}
	return res, nil
}

// resolveFreeTier always applies: the site's own stored monthly allowance.
func (r *Resolver) resolveFreeTier(ctx context.Context, rc *reqContext) (*Resolution, error) {
	used, err := r.usedThisMonth(ctx, rc.site.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Source:    SourceFree,
		Plan:      "free",
		Used:      used,
		Limit:     rc.site.FreeLimit,
		Remaining: clampNonNegative(rc.site.FreeLimit - used),
	}, nil
}

// RecordConsumption logs units against the site's usage window.
func (r *Resolver) RecordConsumption(ctx context.Context, siteID string, units int64) error {
	if err := r.sites.RecordUsage(ctx, siteID, units, r.now()); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (r *Resolver) usedThisMonth(ctx context.Context, siteID string) (int64, error) {
	used, err := r.sites.UsedSince(ctx, siteID, site.MonthStart(r.now()))
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return used, nil
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
