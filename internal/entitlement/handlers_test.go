package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterbase/meterbase/internal/auth"
	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/ledger"
	"github.com/meterbase/meterbase/internal/license"
	"github.com/meterbase/meterbase/internal/respcache"
	"github.com/meterbase/meterbase/internal/site"
	"github.com/meterbase/meterbase/internal/subscription"
)

type handlerFixture struct {
	router     *gin.Engine
	identities *identity.MemoryStore
	credits    *ledger.Service
	usageCache *respcache.Cache
}

func setupTestHandler(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	identities := identity.NewMemoryStore()
	sites := site.NewMemoryStore(50)
	licenses := license.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	credits := ledger.NewService(ledger.NewMemoryStore(), identities)
	resolver := NewResolver(sites, licenses, subs, identities)

	usageCache := respcache.New(time.Second)
	summaryCache := respcache.New(30 * time.Second)

	h := NewHandler(resolver, credits, identities, usageCache, summaryCache)

	router := gin.New()
	verifier := auth.NewHMACVerifier("test-secret")
	router.Use(auth.Middleware(verifier))

	public := router.Group("/v1")
	authed := router.Group("/v1")
	authed.Use(auth.RequireSession())
	h.RegisterRoutes(public, authed)

	return &handlerFixture{
		router:     router,
		identities: identities,
		credits:    credits,
		usageCache: usageCache,
	}
}

func sessionToken() string {
	return auth.Sign("test-secret", "user@example.com", time.Now().Add(time.Hour))
}

func TestGetUsageMissingSiteHash(t *testing.T) {
	f := setupTestHandler(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_tenant_id")
}

func TestGetUsageFreeTier(t *testing.T) {
	f := setupTestHandler(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage?site_hash="+testHash, nil)
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var res Resolution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, SourceFree, res.Source)
	assert.Equal(t, int64(50), res.Limit)
	assert.Equal(t, int64(50), res.Remaining)
}

// A presented key that cannot be a license is rejected before any store
// lookup, on both the check and the consume path.
func TestMalformedLicenseKeyRejected(t *testing.T) {
	f := setupTestHandler(t)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/usage?site_hash="+testHash+"&license_key=bad!key", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_license_key")

	body := bytes.NewBufferString(`{"site_hash":"` + testHash + `","license_key":"no"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/usage/consume", body)
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_license_key")
}

// Two checks within the TTL return byte-identical payloads from cache.
func TestGetUsageCachedWithinTTL(t *testing.T) {
	f := setupTestHandler(t)

	first := httptest.NewRecorder()
	f.router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/usage?site_hash="+testHash, nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	f.router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/usage?site_hash="+testHash, nil))
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

// Consuming evicts the cached payload, so the next check reflects the
// consumption instead of the stale cached copy.
func TestConsumeEvictsCache(t *testing.T) {
	f := setupTestHandler(t)

	warm := httptest.NewRecorder()
	f.router.ServeHTTP(warm, httptest.NewRequest(http.MethodGet, "/v1/usage?site_hash="+testHash, nil))
	require.Equal(t, http.StatusOK, warm.Code)

	body := bytes.NewBufferString(`{"site_hash":"` + testHash + `","units":3}`)
	consume := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/usage/consume", body)
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(consume, req)
	require.Equal(t, http.StatusOK, consume.Code)

	after := httptest.NewRecorder()
	f.router.ServeHTTP(after, httptest.NewRequest(http.MethodGet, "/v1/usage?site_hash="+testHash, nil))
	require.Equal(t, http.StatusOK, after.Code)

	var res Resolution
	require.NoError(t, json.Unmarshal(after.Body.Bytes(), &res))
	assert.Equal(t, int64(3), res.Used)
	assert.Equal(t, int64(47), res.Remaining)
}

func TestConsumeQuotaExhausted(t *testing.T) {
	f := setupTestHandler(t)

	body := bytes.NewBufferString(`{"site_hash":"` + testHash + `","units":51}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/usage/consume", body)
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "quota_exhausted")
}

func TestSpendRequiresSession(t *testing.T) {
	f := setupTestHandler(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/spend", strings.NewReader(`{"amount":1}`))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSpendSuccess(t *testing.T) {
	f := setupTestHandler(t)

	// Seed the identity with credits.
	ident, err := f.identities.GetOrCreate(context.Background(), "user@example.com")
	require.NoError(t, err)
	_, err = f.credits.Add(context.Background(), ident.ID, ledger.KindPurchase, 10, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/spend", strings.NewReader(`{"amount":4}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sessionToken())
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		RemainingBalance int64  `json:"remaining_balance"`
		TransactionID    string `json:"transaction_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(6), res.RemainingBalance)
	assert.True(t, strings.HasPrefix(res.TransactionID, "evt_"))
}

func TestSpendInsufficientCredits(t *testing.T) {
	f := setupTestHandler(t)

	ident, err := f.identities.GetOrCreate(context.Background(), "user@example.com")
	require.NoError(t, err)
	_, err = f.credits.Add(context.Background(), ident.ID, ledger.KindPurchase, 2, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/spend", strings.NewReader(`{"amount":5}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sessionToken())
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var res struct {
		Error          string `json:"error"`
		CurrentBalance int64  `json:"current_balance"`
		Requested      int64  `json:"requested"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "insufficient_credits", res.Error)
	assert.Equal(t, int64(2), res.CurrentBalance)
	assert.Equal(t, int64(5), res.Requested)
}

func TestSpendRejectsNegativeAmount(t *testing.T) {
	f := setupTestHandler(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/spend", strings.NewReader(`{"amount":-3}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sessionToken())
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "must be a positive integer")
}

func TestSpendDefaultsToOneUnit(t *testing.T) {
	f := setupTestHandler(t)

	ident, err := f.identities.GetOrCreate(context.Background(), "user@example.com")
	require.NoError(t, err)
	_, err = f.credits.Add(context.Background(), ident.ID, ledger.KindPurchase, 1, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/spend", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken())
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	balance, err := f.credits.GetBalance(context.Background(), ident.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
