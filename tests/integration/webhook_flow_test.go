package integration_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atlas/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atlas/backend/internal/database"
	"github.com/MarcoPoloResearchLab/atlas/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/atlas/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	webhookKey           = "integration-webhook-key"
	sessionSigningSecret = "integration-session-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "atlas-auth"
	jsonContentType      = "application/json"
)

func TestWebhookReconciliationFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database:   db,
		IDProvider: identity.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build identity service: %v", err)
	}

	webhookVerifier, err := auth.NewWebhookVerifier(auth.WebhookVerifierConfig{
		SigningSecret: "whsec_" + base64.StdEncoding.EncodeToString([]byte(webhookKey)),
	})
	if err != nil {
		testContext.Fatalf("failed to construct webhook verifier: %v", err)
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		WebhookVerifier:  webhookVerifier,
		IdentityService:  identityService,
		SessionValidator: sessionValidator,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	createBody := []byte(`{
		"type": "user.created",
		"data": {
			"id": "u1",
			"first_name": "A",
			"last_name": "B",
			"username": "a-1",
			"created_at": 1700000000000,
			"updated_at": 1700000000000
		}
	}`)

	response := postSignedWebhook(testContext, testServer.URL, createBody)
	assertSuccessResponse(testContext, response)

	// Duplicate delivery of the same event must be acknowledged without
	// producing a second row.
	response = postSignedWebhook(testContext, testServer.URL, createBody)
	assertSuccessResponse(testContext, response)

	var count int64
	if err := db.Model(&identity.Profile{}).Where("user_id = ?", "u1").Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one profile after duplicate delivery, got %d", count)
	}

	deleteBody := []byte(`{"type": "user.deleted", "data": {"id": "u1", "deleted": true}}`)
	response = postSignedWebhook(testContext, testServer.URL, deleteBody)
	assertSuccessResponse(testContext, response)

	var profile identity.Profile
	if err := db.Where("user_id = ?", "u1").Take(&profile).Error; err != nil {
		testContext.Fatalf("profile lookup failed: %v", err)
	}
	if profile.IsActive {
		testContext.Fatalf("expected soft-deleted profile to be inactive")
	}

	// Unsigned requests never reach the store.
	unsigned, err := http.Post(testServer.URL+"/webhooks/identity", jsonContentType, bytes.NewReader(createBody))
	if err != nil {
		testContext.Fatalf("unsigned request failed: %v", err)
	}
	defer unsigned.Body.Close()
	if unsigned.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for unsigned request, got %d", unsigned.StatusCode)
	}

	// Admin listing behind the session cookie sees the reconciled profile.
	listRequest, err := http.NewRequest(http.MethodGet, testServer.URL+"/admin/profiles", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build admin request: %v", err)
	}
	listRequest.AddCookie(&http.Cookie{
		Name:  sessionCookieName,
		Value: mintSessionToken(testContext, time.Now()),
	})
	listResponse, err := http.DefaultClient.Do(listRequest)
	if err != nil {
		testContext.Fatalf("admin request failed: %v", err)
	}
	defer listResponse.Body.Close()
	if listResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("expected 200 from admin listing, got %d", listResponse.StatusCode)
	}
	var listing struct {
		Profiles []struct {
			UserID string `json:"user_id"`
		} `json:"profiles"`
	}
	if err := json.NewDecoder(listResponse.Body).Decode(&listing); err != nil {
		testContext.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Profiles) != 1 || listing.Profiles[0].UserID != "u1" {
		testContext.Fatalf("unexpected listing payload: %+v", listing)
	}
}

func postSignedWebhook(testContext *testing.T, baseURL string, body []byte) *http.Response {
	testContext.Helper()

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookKey))
	mac.Write([]byte("msg_1." + timestamp + "."))
	mac.Write(body)
	signature := "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))

	request, err := http.NewRequest(http.MethodPost, baseURL+"/webhooks/identity", bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build webhook request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("webhook-id", "msg_1")
	request.Header.Set("webhook-timestamp", timestamp)
	request.Header.Set("webhook-signature", signature)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("webhook request failed: %v", err)
	}
	return response
}

func assertSuccessResponse(testContext *testing.T, response *http.Response) {
	testContext.Helper()
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read response body: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected 200, got %d (%s)", response.StatusCode, payload)
	}
	var decoded struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if !decoded.Success {
		testContext.Fatalf("expected success response, got %s", payload)
	}
}

func mintSessionToken(testContext *testing.T, now time.Time) string {
	testContext.Helper()
	claims := auth.SessionClaims{
		UserID:    "admin-1",
		UserRoles: []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin-1",
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}
