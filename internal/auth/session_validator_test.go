package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSecret = "session-test-secret"
	testSessionIssuer = "atlas-auth"
	testCookieName    = "app_session"
)

func mintSessionToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestSessionValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testCookieName,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func baseClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:    "user-1",
		UserRoles: []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    testSessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Minute)),
		},
	}
}

func TestValidateRequestAcceptsSessionCookie(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestSessionValidator(t, now)

	request := httptest.NewRequest(http.MethodGet, "/admin/profiles", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: mintSessionToken(t, baseClaims(now))})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("expected valid session, got %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id: %q", claims.UserID)
	}
	if !claims.HasRole("admin") {
		t.Fatalf("expected admin role on claims")
	}
}

func TestValidateTokenRejectsExpiredSession(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestSessionValidator(t, now)

	claims := baseClaims(now.Add(-2 * time.Hour))
	if _, err := validator.ValidateToken(mintSessionToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired session error, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestSessionValidator(t, now)

	claims := baseClaims(now)
	claims.Issuer = "someone-else"
	if _, err := validator.ValidateToken(mintSessionToken(t, claims)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid session error, got %v", err)
	}
}

func TestValidateRequestRejectsMissingCookie(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestSessionValidator(t, now)

	request := httptest.NewRequest(http.MethodGet, "/admin/profiles", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
