package entitlement

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meterbase/meterbase/internal/auth"
	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/ledger"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/metrics"
	"github.com/meterbase/meterbase/internal/respcache"
	"github.com/meterbase/meterbase/internal/validation"
)

// Handler serves entitlement checks, consumption, and credit spends.
type Handler struct {
	resolver     *Resolver
	credits      *ledger.Service
	identities   identity.Store
	usageCache   *respcache.Cache
	summaryCache *respcache.Cache
}

// NewHandler creates the entitlement HTTP handler.
func NewHandler(resolver *Resolver, credits *ledger.Service, identities identity.Store, usageCache, summaryCache *respcache.Cache) *Handler {
	return &Handler{
		resolver:     resolver,
		credits:      credits,
		identities:   identities,
		usageCache:   usageCache,
		summaryCache: summaryCache,
	}
}

// RegisterRoutes mounts entitlement endpoints. public carries no auth
// requirement; authed must already require a session.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.GET("/usage", h.GetUsage)
	public.POST("/usage/consume", h.Consume)
	authed.POST("/credits/spend", h.SpendCredits)
}

// GetUsage handles GET /v1/usage, the hot polled entitlement check.
// Responses are cached per site for a short TTL; repeated checks within
// the window return the identical payload without touching the stores.
func (h *Handler) GetUsage(c *gin.Context) {
	siteHash, ok := h.siteHash(c)
	if !ok {
		return
	}
	licenseKey := c.Query("license_key")
	if !h.licenseKeyOK(c, licenseKey) {
		return
	}

	if payload, hit := h.usageCache.Get(siteHash); hit {
		metrics.CacheHitsTotal.WithLabelValues("usage", "hit").Inc()
		c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
		return
	}
	metrics.CacheHitsTotal.WithLabelValues("usage", "miss").Inc()

	req := Request{
		SiteHash:   siteHash,
		LicenseKey: licenseKey,
		Product:    c.DefaultQuery("product", "default"),
	}
	if email, signedIn := auth.SessionEmail(c); signedIn {
		req.Email = email
	}

	res, err := h.resolver.Resolve(c.Request.Context(), req)
	if err != nil {
		// Fail closed: an errored check is an error, never "allowed".
		logging.L(c.Request.Context()).Error("entitlement check failed",
			"site_hash", siteHash, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Could not determine usage. Try again shortly.",
		})
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Could not determine usage. Try again shortly.",
		})
		return
	}

	h.usageCache.Set(siteHash, payload)
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

type consumeRequest struct {
	SiteHash   string `json:"site_hash"`
	LicenseKey string `json:"license_key"`
	Product    string `json:"product"`
	Units      int64  `json:"units"`
}

// Consume handles POST /v1/usage/consume: resolve, check, record.
func (h *Handler) Consume(c *gin.Context) {
	var body consumeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON.",
		})
		return
	}

	siteHash := validation.NormalizeSiteHash(body.SiteHash)
	if !validation.IsValidSiteHash(siteHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_tenant_id",
			"message": "A valid site_hash is required.",
		})
		return
	}
	if !h.licenseKeyOK(c, body.LicenseKey) {
		return
	}
	if body.Units <= 0 {
		body.Units = 1
	}
	if body.Product == "" {
		body.Product = "default"
	}

	req := Request{SiteHash: siteHash, LicenseKey: body.LicenseKey, Product: body.Product}
	if email, signedIn := auth.SessionEmail(c); signedIn {
		req.Email = email
	}

	res, err := h.resolver.Resolve(c.Request.Context(), req)
	if err != nil {
		logging.L(c.Request.Context()).Error("consume resolution failed",
			"site_hash", siteHash, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Could not determine usage. Try again shortly.",
		})
		return
	}

	if !res.Allows(body.Units) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "quota_exhausted",
			"message":   "The current plan has no remaining units this period.",
			"used":      res.Used,
			"limit":     res.Limit,
			"remaining": res.Remaining,
		})
		return
	}

	if err := h.resolver.RecordConsumption(c.Request.Context(), res.SiteID, body.Units); err != nil {
		logging.L(c.Request.Context()).Error("usage recording failed",
			"site_id", res.SiteID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Could not record usage.",
		})
		return
	}

	// The cached entitlement payload is now stale.
	h.usageCache.Invalidate(siteHash)
	if res.IdentityID != "" {
		h.summaryCache.Invalidate(res.IdentityID)
	}

	res.Used += body.Units
	if !res.Unlimited {
		if res.Remaining -= body.Units; res.Remaining < 0 {
			res.Remaining = 0
		}
	}
	c.JSON(http.StatusOK, res)
}

type spendRequest struct {
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// SpendCredits handles POST /v1/credits/spend for the signed-in identity.
func (h *Handler) SpendCredits(c *gin.Context) {
	email, ok := auth.SessionEmail(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Session required.",
		})
		return
	}

	// An empty body is fine: amount defaults to 1.
	var body spendRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON.",
		})
		return
	}
	if body.Amount == 0 {
		body.Amount = 1
	}
	if verrs := validation.Validate(validation.PositiveUnits("amount", body.Amount)); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
		})
		return
	}
	// Spend metadata is caller-supplied and lands in the event log verbatim.
	for k, v := range body.Metadata {
		body.Metadata[k] = validation.SanitizeString(v, validation.MaxStringLength)
	}

	ident, err := h.identities.GetOrCreate(c.Request.Context(), validation.NormalizeEmail(email))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not load account.",
		})
		return
	}

	event, err := h.credits.Spend(c.Request.Context(), ident.ID, body.Amount, body.Metadata)
	if err != nil {
		var ice *ledger.InsufficientCreditsError
		if errors.As(err, &ice) {
			metrics.SpendsTotal.WithLabelValues("insufficient").Inc()
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":           "insufficient_credits",
				"message":         "Not enough credits for this operation.",
				"current_balance": ice.Balance,
				"requested":       ice.Requested,
			})
			return
		}
		if errors.Is(err, ledger.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Amount must be positive.",
			})
			return
		}
		metrics.SpendsTotal.WithLabelValues("error").Inc()
		logging.L(c.Request.Context()).Error("spend failed",
			"identity_id", ident.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not complete the spend.",
		})
		return
	}

	metrics.SpendsTotal.WithLabelValues("ok").Inc()
	h.summaryCache.Invalidate(ident.ID)

	balance, err := h.credits.GetBalance(c.Request.Context(), ident.ID)
	if err != nil {
		balance = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"remaining_balance": balance,
		"transaction_id":    event.ID,
	})
}

// licenseKeyOK rejects a presented key that cannot possibly be a license
// before it reaches the stores. Absent keys are fine.
func (h *Handler) licenseKeyOK(c *gin.Context, key string) bool {
	if key == "" || validation.IsValidLicenseKey(key) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_license_key",
		"message": "The presented license key is malformed.",
	})
	return false
}

func (h *Handler) siteHash(c *gin.Context) (string, bool) {
	hash := c.Query("site_hash")
	if hash == "" {
		hash = c.GetHeader("X-Site-Hash")
	}
	hash = validation.NormalizeSiteHash(hash)
	if !validation.IsValidSiteHash(hash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_tenant_id",
			"message": "A valid site_hash is required.",
		})
		return "", false
	}
	return hash, true
}
