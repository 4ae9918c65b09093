package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingDefaultRole = errors.New("active default role not found")
	errMissingUserID      = errors.New("user identifier is required")
	errUnknownCommandKind = errors.New("unknown command kind")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "identity.service.new"
	opApply         = "identity.apply"
	opListProfiles  = "identity.list_profiles"
	opGetProfile    = "identity.get_profile"
	reasonNoDefault = "default_role_missing"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsConfigurationError reports whether the error stems from a missing active
// default role, a condition only an operator can repair.
func IsConfigurationError(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	return strings.HasSuffix(serviceErr.Code(), "."+reasonNoDefault)
}

// IDProvider issues identifiers for newly created profiles.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for profile reconciliation.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	DefaultRoleCode string
	Logger          *zap.Logger
}

// Service applies canonical identity commands against the profile store.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      IDProvider
	defaultRoleCode string
	logger          *zap.Logger
}

// NewService constructs the reconciliation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	roleCode := strings.TrimSpace(cfg.DefaultRoleCode)
	if roleCode == "" {
		roleCode = DefaultRoleCode
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		defaultRoleCode: roleCode,
		logger:          logger,
	}, nil
}

// OutcomeStatus enumerates the terminal states of applying a command.
type OutcomeStatus string

const (
	// OutcomeApplied indicates the store was mutated by this command.
	OutcomeApplied OutcomeStatus = "applied"
	// OutcomeAlreadyApplied indicates a duplicate delivery hit an existing row.
	OutcomeAlreadyApplied OutcomeStatus = "already_applied"
	// OutcomeNotFound indicates an update or deactivate matched no profile.
	OutcomeNotFound OutcomeStatus = "not_found"
	// OutcomeIgnored indicates an unhandled event type was acknowledged.
	OutcomeIgnored OutcomeStatus = "ignored"
)

// Outcome reports the reconciliation result plus the affected profile when one exists.
type Outcome struct {
	Status  OutcomeStatus
	Profile *Profile
}

// Apply runs the state transition for a single canonical command. Store
// mutations touch exactly one row keyed by the external user identifier;
// the unique constraint on that column serializes concurrent deliveries.
func (s *Service) Apply(ctx context.Context, command Command) (Outcome, error) {
	switch command.Kind {
	case CommandCreate:
		return s.createProfile(ctx, command)
	case CommandUpdate:
		return s.updateProfile(ctx, command)
	case CommandDeactivate:
		return s.deactivateProfile(ctx, command)
	case CommandUnhandled:
		s.logger.Info("unhandled identity event acknowledged",
			zap.String("event_type", command.EventType))
		return Outcome{Status: OutcomeIgnored}, nil
	default:
		s.logError(opApply, "unknown_command", errUnknownCommandKind,
			zap.String("kind", string(command.Kind)))
		return Outcome{}, newServiceError(opApply, "unknown_command", errUnknownCommandKind)
	}
}

func (s *Service) createProfile(ctx context.Context, command Command) (Outcome, error) {
	role, err := s.resolveDefaultRole(ctx)
	if err != nil {
		return Outcome{}, err
	}

	// Explicit existence check keeps the idempotence contract a first-class
	// code path; the unique constraint below remains the backstop for races.
	existing, err := s.findProfile(ctx, command.ExternalID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		s.logger.Info("profile already exists, create treated as applied",
			zap.String("user_id", command.ExternalID))
		return Outcome{Status: OutcomeAlreadyApplied, Profile: existing}, nil
	}

	profileID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApply, "id_generation_failed", err,
			zap.String("user_id", command.ExternalID))
		return Outcome{}, newServiceError(opApply, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	createdAt := command.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := command.OccurredAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	profile := Profile{
		ID:        profileID,
		UserID:    command.ExternalID,
		RoleID:    role.ID,
		Username:  command.Username,
		FullName:  command.FullName,
		AvatarURL: command.AvatarURL,
		IsActive:  true,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}

	if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
		if isUniqueViolation(err) {
			// A concurrent duplicate delivery won the insert.
			winner, findErr := s.findProfile(ctx, command.ExternalID)
			if findErr == nil && winner != nil {
				s.logger.Info("duplicate create delivery absorbed by unique constraint",
					zap.String("user_id", command.ExternalID))
				return Outcome{Status: OutcomeAlreadyApplied, Profile: winner}, nil
			}
		}
		s.logError(opApply, "profile_insert_failed", err,
			zap.String("user_id", command.ExternalID))
		return Outcome{}, newServiceError(opApply, "profile_insert_failed", err)
	}

	return Outcome{Status: OutcomeApplied, Profile: &profile}, nil
}

func (s *Service) updateProfile(ctx context.Context, command Command) (Outcome, error) {
	updatedAt := command.OccurredAt
	if updatedAt.IsZero() {
		updatedAt = s.clock().UTC()
	}

	updates := map[string]interface{}{
		"username":   command.Username,
		"full_name":  command.FullName,
		"avatar_url": command.AvatarURL,
		"updated_at": updatedAt,
	}

	result := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("user_id = ?", command.ExternalID).
		Updates(updates)
	if result.Error != nil {
		s.logError(opApply, "profile_update_failed", result.Error,
			zap.String("user_id", command.ExternalID))
		return Outcome{}, newServiceError(opApply, "profile_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Warn("update event matched no profile",
			zap.String("user_id", command.ExternalID))
		return Outcome{Status: OutcomeNotFound}, nil
	}

	profile, err := s.findProfile(ctx, command.ExternalID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeApplied, Profile: profile}, nil
}

func (s *Service) deactivateProfile(ctx context.Context, command Command) (Outcome, error) {
	updatedAt := command.OccurredAt
	if updatedAt.IsZero() {
		updatedAt = s.clock().UTC()
	}

	result := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("user_id = ?", command.ExternalID).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		s.logError(opApply, "profile_deactivate_failed", result.Error,
			zap.String("user_id", command.ExternalID))
		return Outcome{}, newServiceError(opApply, "profile_deactivate_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Warn("deactivate event matched no profile",
			zap.String("user_id", command.ExternalID))
		return Outcome{Status: OutcomeNotFound}, nil
	}

	profile, err := s.findProfile(ctx, command.ExternalID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeApplied, Profile: profile}, nil
}

// resolveDefaultRole returns the active role carrying the configured default
// code. Zero matches is an operator-facing configuration failure; more than
// one is undefined upstream state resolved deterministically by primary key.
func (s *Service) resolveDefaultRole(ctx context.Context) (Role, error) {
	var roles []Role
	err := s.db.WithContext(ctx).
		Where("code = ? AND is_active = ?", s.defaultRoleCode, true).
		Order("id ASC").
		Limit(2).
		Find(&roles).Error
	if err != nil {
		s.logError(opApply, "role_lookup_failed", err,
			zap.String("role_code", s.defaultRoleCode))
		return Role{}, newServiceError(opApply, "role_lookup_failed", err)
	}
	if len(roles) == 0 {
		missing := fmt.Errorf("%w: no active role with code %q", errMissingDefaultRole, s.defaultRoleCode)
		s.logError(opApply, reasonNoDefault, missing,
			zap.String("role_code", s.defaultRoleCode))
		return Role{}, newServiceError(opApply, reasonNoDefault, missing)
	}
	if len(roles) > 1 {
		s.logger.Warn("multiple active default roles, picking lowest id",
			zap.String("role_code", s.defaultRoleCode),
			zap.Int64("role_id", roles[0].ID))
	}
	return roles[0], nil
}

// ListProfiles returns all persisted profiles ordered by creation time.
func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&profiles).Error; err != nil {
		s.logError(opListProfiles, "query_failed", err)
		return nil, newServiceError(opListProfiles, "query_failed", err)
	}
	return profiles, nil
}

// GetProfile returns the profile for the provided external user identifier.
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opGetProfile, "missing_user_id", errMissingUserID)
	}
	profile, err := s.findProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *Service) findProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opApply, "profile_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opApply, "profile_select_failed", err)
	}
	return &profile, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}
