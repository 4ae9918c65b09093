package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atlas/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atlas/backend/internal/identity"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminUserIDContextKey = "atlas_admin_user_id"
	adminRole             = "admin"
	maxWebhookBodyBytes   = 1 << 20
)

var (
	errMissingWebhookVerifier  = errors.New("webhook verifier dependency required")
	errMissingIdentityService  = errors.New("identity service dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
)

// WebhookVerifier authenticates inbound identity-provider events.
type WebhookVerifier interface {
	Verify(headers http.Header, body []byte) error
}

// SessionValidator authenticates admin requests via the session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	WebhookVerifier  WebhookVerifier
	IdentityService  *identity.Service
	SessionValidator SessionValidator
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the webhook and admin endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.WebhookVerifier == nil {
		return nil, errMissingWebhookVerifier
	}
	if deps.IdentityService == nil {
		return nil, errMissingIdentityService
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.WebhookVerifier,
		identity: deps.IdentityService,
		sessions: deps.SessionValidator,
		logger:   logger,
	}

	router.POST("/webhooks/identity", handler.handleIdentityWebhook)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/profiles", handler.handleListProfiles)
	admin.GET("/profiles/:userId", handler.handleGetProfile)

	return router, nil
}

type httpHandler struct {
	verifier WebhookVerifier
	identity *identity.Service
	sessions SessionValidator
	logger   *zap.Logger
}

type profilePayload struct {
	UserID    string  `json:"user_id"`
	RoleID    int64   `json:"role_id"`
	Username  *string `json:"username"`
	FullName  string  `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	IsActive  bool    `json:"is_active"`
	CreatedAt int64   `json:"created_at_s"`
	UpdatedAt int64   `json:"updated_at_s"`
}

func toProfilePayload(profile identity.Profile) profilePayload {
	return profilePayload{
		UserID:    profile.UserID,
		RoleID:    profile.RoleID,
		Username:  profile.Username,
		FullName:  profile.FullName,
		AvatarURL: profile.AvatarURL,
		IsActive:  profile.IsActive,
		CreatedAt: profile.CreatedAt.Unix(),
		UpdatedAt: profile.UpdatedAt.Unix(),
	}
}

// handleIdentityWebhook runs the full reconciliation pipeline: signature
// verification, normalization, state transition, response mapping. The store
// is never touched before the signature checks out.
func (h *httpHandler) handleIdentityWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	if err := h.verifier.Verify(c.Request.Header, body); err != nil {
		h.reportError("webhook signature verification failed", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	command, err := identity.ParseEvent(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	outcome, err := h.identity.Apply(c.Request.Context(), command)
	if err != nil {
		h.reportError("identity reconciliation failed", err,
			zap.String("event_type", command.EventType),
			zap.String("user_id", command.ExternalID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed"})
		return
	}

	response := gin.H{"success": true}
	if outcome.Profile != nil {
		response["profile"] = toProfilePayload(*outcome.Profile)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListProfiles(c *gin.Context) {
	h.logger.Debug("admin profile listing", zap.String("admin_user_id", c.GetString(adminUserIDContextKey)))

	profiles, err := h.identity.ListProfiles(c.Request.Context())
	if err != nil {
		h.reportError("profile listing failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]profilePayload, 0, len(profiles))
	for _, profile := range profiles {
		payload = append(payload, toProfilePayload(profile))
	}
	c.JSON(http.StatusOK, gin.H{"profiles": payload})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	profile, err := h.identity.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.reportError("profile lookup failed", err, zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": toProfilePayload(*profile)})
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !claims.HasRole(adminRole) {
		h.logger.Warn("session lacks admin role", zap.String("user_id", claims.UserID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(adminUserIDContextKey, claims.UserID)
	c.Next()
}

// reportError logs a failure at the dispatch boundary. Authorization-shaped
// failures get an extra diagnostic hint since they usually trace back to
// configuration rather than the individual request.
func (h *httpHandler) reportError(message string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.Error(err)}, fields...)
	h.logger.Error(message, attrs...)

	if isAuthorizationFailure(err) {
		h.logger.Warn("authorization failure detected",
			zap.Strings("possible_causes", []string{
				"invalid webhook signature",
				"invalid service credentials",
				"missing or incorrect environment variables",
			}))
	}
}

func isAuthorizationFailure(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "401") ||
		strings.Contains(message, "unauthorized") ||
		strings.Contains(message, "signature")
}
