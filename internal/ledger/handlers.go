package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meterbase/meterbase/internal/auth"
	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/pagination"
)

// Handler serves credit balance and history endpoints for authenticated
// account sessions.
type Handler struct {
	svc        *Service
	identities identity.Store
}

// NewHandler creates a ledger HTTP handler.
func NewHandler(svc *Service, identities identity.Store) *Handler {
	return &Handler{svc: svc, identities: identities}
}

// RegisterRoutes mounts credit endpoints on the given router group. The
// group must already carry session auth middleware.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/credits/balance", h.GetBalance)
	rg.GET("/credits/history", h.GetHistory)
}

// GetBalance handles GET /v1/credits/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	ident, ok := h.sessionIdentity(c)
	if !ok {
		return
	}

	balance, err := h.svc.GetBalance(c.Request.Context(), ident.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("balance read failed",
			"identity_id", ident.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not read balance.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity_id": ident.ID,
		"balance":     balance,
	})
}

// GetHistory handles GET /v1/credits/history with cursor pagination.
func (h *Handler) GetHistory(c *gin.Context) {
	ident, ok := h.sessionIdentity(c)
	if !ok {
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "The cursor parameter is not valid.",
		})
		return
	}

	limit := 50
	var (
		before   time.Time
		beforeID string
	)
	if cursor != nil {
		before = cursor.CreatedAt
		beforeID = cursor.ID
	}

	// Fetch one extra row to detect whether another page exists.
	events, err := h.svc.History(c.Request.Context(), ident.ID, before, beforeID, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("history read failed",
			"identity_id", ident.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not read credit history.",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(events, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"events":      page,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

func (h *Handler) sessionIdentity(c *gin.Context) (*identity.Identity, bool) {
	email, ok := auth.SessionEmail(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Session required.",
		})
		return nil, false
	}

	ident, err := h.identities.GetByEmail(c.Request.Context(), email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "identity_not_found",
				"message": "No account exists for this session.",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not load account.",
		})
		return nil, false
	}
	return ident, true
}
