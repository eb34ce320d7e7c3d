package orchestrator

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/runner"
)

func newTestRouter(t *testing.T, authMode config.AuthMode, secret string) (*gin.Engine, *Orchestrator) {
	t.Helper()
	o, _, _ := newTestOrchestrator(t, false, runner.Final{Text: "done"})
	require.NoError(t, o.Start(t.Context()))

	cfg := testConfig()
	cfg.Webhook = config.WebhookConfig{AuthMode: authMode, Secret: secret}
	o.cfg = func() *config.Config { return cfg }

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewWebhookHandler(o, o.cfg, nil)
	h.RegisterRoutes(router.Group("/"))
	return router, o
}

func samplePayload() []byte {
	body, _ := json.Marshal(map[string]any{
		"type":           "Issue",
		"action":         "assigned",
		"organizationId": "org-1",
		"issue": map[string]any{
			"id":         "issue-1",
			"identifier": "ISS-1",
			"team":       map[string]any{"key": "ENG"},
		},
	})
	return body
}

func TestWebhookBearerAuthRejectsMissingToken(t *testing.T) {
	router, _ := newTestRouter(t, config.AuthModeBearer, "secret-token")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(samplePayload()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookBearerAuthAcceptsValidToken(t *testing.T) {
	router, _ := newTestRouter(t, config.AuthModeBearer, "secret-token")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(samplePayload()))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookHMACAuthRejectsBadSignature(t *testing.T) {
	router, _ := newTestRouter(t, config.AuthModeHMAC, "hmac-secret")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(samplePayload()))
	req.Header.Set("X-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHMACAuthAcceptsValidSignature(t *testing.T) {
	router, _ := newTestRouter(t, config.AuthModeHMAC, "hmac-secret")

	payload := samplePayload()
	mac := hmac.New(sha256.New, []byte("hmac-secret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookMalformedJSONReturns400(t *testing.T) {
	router, _ := newTestRouter(t, config.AuthModeBearer, "secret-token")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("not json")))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpointReturnsActiveWorkStatus(t *testing.T) {
	router, o := newTestRouter(t, config.AuthModeBearer, "secret-token")
	_ = o

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzEndpointIsUp(t *testing.T) {
	router, _ := newTestRouter(t, config.AuthModeBearer, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	time.Sleep(10 * time.Millisecond)
}
