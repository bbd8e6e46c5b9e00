// Package dashboard serves the aggregate account views behind the web
// dashboard. These endpoints are polled on every dashboard page load, so
// responses are cached for tens of seconds and evicted when billing or
// ledger mutations change the underlying state.
package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meterbase/meterbase/internal/auth"
	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/ledger"
	"github.com/meterbase/meterbase/internal/license"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/metrics"
	"github.com/meterbase/meterbase/internal/respcache"
	"github.com/meterbase/meterbase/internal/subscription"
	"github.com/meterbase/meterbase/internal/validation"
)

// Summary is the aggregate account state shown on the dashboard.
type Summary struct {
	IdentityID    string              `json:"identity_id"`
	Email         string              `json:"email"`
	CreditBalance int64               `json:"credit_balance"`
	Subscriptions []*SubscriptionView `json:"subscriptions"`
	Licenses      []*license.License  `json:"licenses"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// SubscriptionView is a subscription record projected for display. Status
// is the effective status at generation time, so a record whose renewal
// date has lapsed reads as expired even while the stored row still says
// active, and Limit is the monthly allowance from the plan catalogue.
type SubscriptionView struct {
	ID       string              `json:"id"`
	Product  string              `json:"product"`
	Plan     string              `json:"plan"`
	Status   subscription.Status `json:"status"`
	Limit    int64               `json:"limit"`
	RenewsAt *time.Time          `json:"renews_at,omitempty"`
}

// Handler serves dashboard endpoints.
type Handler struct {
	identities identity.Store
	subs       subscription.Store
	licenses   license.Store
	credits    *ledger.Service
	cache      *respcache.Cache
}

// NewHandler creates the dashboard HTTP handler. cache is the summary
// cache shared with the mutation paths that invalidate it.
func NewHandler(identities identity.Store, subs subscription.Store, licenses license.Store, credits *ledger.Service, cache *respcache.Cache) *Handler {
	return &Handler{
		identities: identities,
		subs:       subs,
		licenses:   licenses,
		credits:    credits,
		cache:      cache,
	}
}

// RegisterRoutes mounts dashboard endpoints on a session-authed group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/usage/summary", h.GetSummary)
}

// GetSummary handles GET /v1/usage/summary.
func (h *Handler) GetSummary(c *gin.Context) {
	email, ok := auth.SessionEmail(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Session required.",
		})
		return
	}

	ident, err := h.identities.GetOrCreate(c.Request.Context(), validation.NormalizeEmail(email))
	if err != nil {
		logging.L(c.Request.Context()).Error("summary identity load failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not load account.",
		})
		return
	}

	if payload, hit := h.cache.Get(ident.ID); hit {
		metrics.CacheHitsTotal.WithLabelValues("summary", "hit").Inc()
		c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
		return
	}
	metrics.CacheHitsTotal.WithLabelValues("summary", "miss").Inc()

	summary, err := h.buildSummary(c, ident)
	if err != nil {
		logging.L(c.Request.Context()).Error("summary build failed",
			"identity_id", ident.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not build account summary.",
		})
		return
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not build account summary.",
		})
		return
	}

	h.cache.Set(ident.ID, payload)
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

func (h *Handler) buildSummary(c *gin.Context, ident *identity.Identity) (*Summary, error) {
	ctx := c.Request.Context()

	balance, err := h.credits.GetBalance(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	subs, err := h.subs.ListByIdentity(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	licenses, err := h.licenses.ListByIdentity(ctx, ident.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	views := make([]*SubscriptionView, 0, len(subs))
	for _, r := range subs {
		views = append(views, &SubscriptionView{
			ID:       r.ID,
			Product:  r.Product,
			Plan:     r.Plan,
			Status:   r.EffectiveStatus(now),
			Limit:    subscription.LimitFor(r.Plan),
			RenewsAt: r.RenewsAt,
		})
	}
	if licenses == nil {
		licenses = []*license.License{}
	}
	return &Summary{
		IdentityID:    ident.ID,
		Email:         ident.Email,
		CreditBalance: balance,
		Subscriptions: views,
		Licenses:      licenses,
		GeneratedAt:   now,
	}, nil
}
