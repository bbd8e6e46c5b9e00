package billing

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/metrics"
)

// maxPayloadBytes caps webhook bodies. Provider payloads are small; a
// larger body is not a legitimate event.
const maxPayloadBytes = 65536

// Handler terminates the provider webhook endpoint.
type Handler struct {
	sync   *Synchronizer
	secret string
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(sync *Synchronizer, webhookSecret string) *Handler {
	return &Handler{sync: sync, secret: webhookSecret}
}

// RegisterRoutes mounts the webhook ingress.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook verifies the signature before any processing. Payloads
// that fail verification are rejected outright and never reach dispatch.
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not read request body.",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed.",
		})
		return
	}

	known, err := h.sync.Apply(c.Request.Context(), event)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		logging.L(c.Request.Context()).Error("webhook processing failed",
			"type", event.Type, "error", err)
		// Processing errors return 500 so the provider retries delivery.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be applied.",
		})
		return
	}

	result := "ok"
	if !known {
		result = "ignored"
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), result).Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
