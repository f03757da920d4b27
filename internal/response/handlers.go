package response

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler receives inbound email webhooks from the email provider.
type Handler struct {
	detector *Detector
	token    string
}

func NewHandler(detector *Detector, webhookToken string) *Handler {
	return &Handler{detector: detector, token: webhookToken}
}

// RegisterRoutes sets up the inbound email webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/email/inbound", h.Inbound)
}

// inboundPayload mirrors the provider's inbound webhook JSON.
type inboundPayload struct {
	MessageID string `json:"MessageID"`
	From      string `json:"From"`
	Subject   string `json:"Subject"`
	TextBody  string `json:"TextBody"`
	Date      string `json:"Date"`
	To        string `json:"To"`
	ToFull    []struct {
		Email string `json:"Email"`
	} `json:"ToFull"`
}

// Inbound handles POST /webhooks/email/inbound.
//
// Business dispositions (no match, duplicate, late, conflict) return 200 so
// the provider stops redelivering; only authentication failures and internal
// errors are non-2xx. A 5xx asks the provider to retry, which is safe
// because processing is idempotent on the provider message id.
func (h *Handler) Inbound(c *gin.Context) {
	if !h.authenticated(c) {
		c.Header("WWW-Authenticate", `Basic realm="inbound"`)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid webhook credentials",
		})
		return
	}

	var payload inboundPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid webhook body",
		})
		return
	}
	if payload.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "MessageID is required",
		})
		return
	}

	email := InboundEmail{
		ProviderID: payload.MessageID,
		From:       payload.From,
		To:         recipients(payload),
		Subject:    payload.Subject,
		TextBody:   payload.TextBody,
	}
	if t, err := time.Parse(time.RFC1123Z, payload.Date); err == nil {
		email.ReceivedAt = t.UTC()
	}

	result, err := h.detector.Process(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Failed to process inbound email",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) authenticated(c *gin.Context) bool {
	if h.token == "" {
		return false
	}
	_, password, ok := c.Request.BasicAuth()
	if ok {
		return subtle.ConstantTimeCompare([]byte(password), []byte(h.token)) == 1
	}
	// Providers that cannot do Basic auth append the token as a query
	// parameter instead.
	token := c.Query("token")
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func recipients(p inboundPayload) []string {
	if len(p.ToFull) > 0 {
		out := make([]string, 0, len(p.ToFull))
		for _, t := range p.ToFull {
			out = append(out, t.Email)
		}
		return out
	}
	var out []string
	for _, addr := range strings.Split(p.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
