package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

const testWebhookKey = "webhook-test-key"

func testSigningSecret() string {
	return "whsec_" + base64.StdEncoding.EncodeToString([]byte(testWebhookKey))
}

func signTestPayload(t *testing.T, messageID string, timestamp time.Time, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testWebhookKey))
	mac.Write([]byte(messageID + "." + strconv.FormatInt(timestamp.Unix(), 10) + "."))
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedHeaders(t *testing.T, messageID string, timestamp time.Time, body []byte) http.Header {
	t.Helper()
	headers := http.Header{}
	headers.Set("webhook-id", messageID)
	headers.Set("webhook-timestamp", strconv.FormatInt(timestamp.Unix(), 10))
	headers.Set("webhook-signature", signTestPayload(t, messageID, timestamp, body))
	return headers
}

func newTestVerifier(t *testing.T, now time.Time) *WebhookVerifier {
	t.Helper()
	verifier, err := NewWebhookVerifier(WebhookVerifierConfig{
		SigningSecret: testSigningSecret(),
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func TestWebhookVerifierAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier := newTestVerifier(t, now)
	body := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)

	if err := verifier.Verify(signedHeaders(t, "msg_1", now, body), body); err != nil {
		t.Fatalf("expected valid signature to pass, got %v", err)
	}
}

func TestWebhookVerifierAcceptsProviderHeaderNames(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier := newTestVerifier(t, now)
	body := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)

	headers := http.Header{}
	headers.Set("svix-id", "msg_1")
	headers.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	headers.Set("svix-signature", signTestPayload(t, "msg_1", now, body))

	if err := verifier.Verify(headers, body); err != nil {
		t.Fatalf("expected provider-prefixed headers to pass, got %v", err)
	}
}

func TestWebhookVerifierRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier := newTestVerifier(t, now)
	body := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)
	headers := signedHeaders(t, "msg_1", now, body)

	tampered := []byte(`{"type":"user.created","data":{"id":"user_2"}}`)
	if err := verifier.Verify(headers, tampered); !errors.Is(err, errSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestWebhookVerifierRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier := newTestVerifier(t, now)
	body := []byte(`{}`)

	stale := now.Add(-10 * time.Minute)
	if err := verifier.Verify(signedHeaders(t, "msg_1", stale, body), body); !errors.Is(err, errTimestampOutOfTolerance) {
		t.Fatalf("expected tolerance rejection, got %v", err)
	}
}

func TestWebhookVerifierRejectsMissingHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier := newTestVerifier(t, now)

	if err := verifier.Verify(http.Header{}, []byte(`{}`)); !errors.Is(err, errMissingWebhookID) {
		t.Fatalf("expected missing id rejection, got %v", err)
	}
}

func TestNewWebhookVerifierRejectsBadSecrets(t *testing.T) {
	if _, err := NewWebhookVerifier(WebhookVerifierConfig{}); !errors.Is(err, ErrInvalidWebhookSecret) {
		t.Fatalf("expected invalid secret error for empty secret, got %v", err)
	}
	if _, err := NewWebhookVerifier(WebhookVerifierConfig{SigningSecret: "whsec_%%%"}); !errors.Is(err, ErrInvalidWebhookSecret) {
		t.Fatalf("expected invalid secret error for undecodable secret, got %v", err)
	}
}
