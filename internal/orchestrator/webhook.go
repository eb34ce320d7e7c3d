package orchestrator

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/common/logger"
	"github.com/cyrus-run/cyrus/internal/tracker"
)

// WebhookHandler is the gin HTTP surface for inbound tracker webhooks (§6):
// signature verification, JSON parsing, and asynchronous dispatch to the
// Orchestrator. The corpus offers no HMAC-webhook-verification example to
// ground this on (see DESIGN.md); the comparison itself is stdlib
// crypto/hmac, constant-time via hmac.Equal.
type WebhookHandler struct {
	orch *Orchestrator
	cfg  func() *config.Config
	log  *logger.Logger
}

// NewWebhookHandler wires a WebhookHandler. cfg is re-read on every request so
// a hot-reloaded webhook secret takes effect immediately.
func NewWebhookHandler(orch *Orchestrator, cfg func() *config.Config, log *logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Default()
	}
	return &WebhookHandler{orch: orch, cfg: cfg, log: log}
}

// RegisterRoutes wires the webhook, status, and healthz endpoints (§4.9: these
// sit outside the routing hot path).
func (h *WebhookHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhook", h.handleWebhook)
	router.GET("/status", h.handleStatus)
	router.GET("/healthz", h.handleHealthz)
}

// handleWebhook implements §6's intake contract exactly: invalid signature ->
// 401, non-POST is unreachable (gin only routes POST here, so a method
// mismatch is a router-level 405 via NoMethod), malformed JSON -> 400, valid
// -> 200 {"success":true} plus asynchronous dispatch.
func (h *WebhookHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "BODY_READ_FAILED", "message": err.Error()}})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	if !h.authenticate(c, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHORIZED", "message": "invalid webhook credentials"}})
		return
	}

	event, err := tracker.ParsePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "MALFORMED_PAYLOAD", "message": err.Error()}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})

	go func() {
		if err := h.orch.Dispatch(c.Request.Context(), event); err != nil {
			h.log.Error("webhook dispatch failed",
				zap.String("issue_id", event.Common().IssueID),
				zap.Error(err),
			)
		}
	}()
}

// authenticate implements §4.9/§6's two auth modes, each constant-time.
func (h *WebhookHandler) authenticate(c *gin.Context, body []byte) bool {
	webhookCfg := h.cfg().Webhook

	switch webhookCfg.AuthMode {
	case config.AuthModeHMAC:
		return h.verifyHMAC(c, body, webhookCfg.Secret)
	case config.AuthModeBearer:
		return h.verifyBearer(c, webhookCfg.Secret)
	default:
		h.log.Error("webhook auth mode misconfigured", zap.String("mode", string(webhookCfg.AuthMode)))
		return false
	}
}

func (h *WebhookHandler) verifyHMAC(c *gin.Context, body []byte, secret string) bool {
	signature := c.GetHeader("X-Signature")
	if signature == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(provided))
}

func (h *WebhookHandler) verifyBearer(c *gin.Context, secret string) bool {
	if secret == "" {
		return false
	}
	authHeader := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	provided := strings.TrimPrefix(authHeader, prefix)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}

// handleStatus serves the read-only ActiveWorkStatus aggregate (§3, §6).
func (h *WebhookHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Status())
}

// handleHealthz is a liveness probe: the process is up and its event loops
// are scheduled, nothing more.
func (h *WebhookHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
