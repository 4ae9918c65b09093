package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "ATLAS"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "atlas.db"
	defaultLogLevel         = "info"
	defaultCookieName       = "app_session"
	defaultSessionIssuer    = "atlas-auth"
	defaultRoleCode         = "user"
	defaultToleranceMinutes = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	WebhookSigningSecret string
	WebhookTolerance     time.Duration
	SessionSigningKey    string
	SessionIssuer        string
	SessionCookieName    string
	DefaultRoleCode      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("webhook.tolerance_minutes", defaultToleranceMinutes)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("role.default_code", defaultRoleCode)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		WebhookSigningSecret: configViper.GetString("webhook.signing_secret"),
		WebhookTolerance:     time.Duration(configViper.GetInt("webhook.tolerance_minutes")) * time.Minute,
		SessionSigningKey:    configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		DefaultRoleCode:      configViper.GetString("role.default_code"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.WebhookSigningSecret) == "" {
		return fmt.Errorf("webhook.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.DefaultRoleCode) == "" {
		return fmt.Errorf("role.default_code is required")
	}
	return nil
}
