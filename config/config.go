// Package config loads the server configuration from file, environment
// variables and defaults. Invalid configuration is fatal at startup.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the authorization server.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	Environment string `mapstructure:"ENVIRONMENT"` // production enables strict redirect rules
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisURI    string `mapstructure:"REDIS_URI"` // empty selects the in-memory denylist

	IssuerURL          string `mapstructure:"ISSUER_URL"`
	SigningKeyPEM      string `mapstructure:"SIGNING_KEY_PEM"`
	SigningKeyFile     string `mapstructure:"SIGNING_KEY_FILE"`
	SupportedScopes    string `mapstructure:"SUPPORTED_SCOPES"` // space-separated
	AllowedURISchemes  string `mapstructure:"ALLOWED_URI_SCHEMES"`
	RequireConsent     bool   `mapstructure:"REQUIRE_CONSENT"`
	RotateRefreshToken bool   `mapstructure:"ROTATE_REFRESH_TOKENS"`
	RevokeOnReuse      bool   `mapstructure:"REVOKE_FAMILY_ON_REUSE"`
	MaxLiveFamilies    int    `mapstructure:"MAX_LIVE_FAMILIES"`

	AccessTokenTTLMin   int `mapstructure:"ACCESS_TOKEN_TTL_MIN"`
	IDTokenTTLMin       int `mapstructure:"ID_TOKEN_TTL_MIN"`
	RefreshTokenTTLHour int `mapstructure:"REFRESH_TOKEN_TTL_HOUR"`
	AuthCodeTTLMin      int `mapstructure:"AUTH_CODE_TTL_MIN"`

	TokenEndpointRPS     float64 `mapstructure:"TOKEN_ENDPOINT_RPS"`
	AuthorizeEndpointRPS float64 `mapstructure:"AUTHORIZE_ENDPOINT_RPS"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/collegium-sso/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/collegium_sso_dev")
	v.SetDefault("MONGO_DB_NAME", "collegium_sso_dev")
	v.SetDefault("ISSUER_URL", "http://localhost:8080")
	v.SetDefault("SUPPORTED_SCOPES", "openid profile email offline_access")
	v.SetDefault("ALLOWED_URI_SCHEMES", "https http")
	v.SetDefault("REQUIRE_CONSENT", true)
	v.SetDefault("ROTATE_REFRESH_TOKENS", true)
	v.SetDefault("REVOKE_FAMILY_ON_REUSE", true)
	v.SetDefault("MAX_LIVE_FAMILIES", 5)
	v.SetDefault("ACCESS_TOKEN_TTL_MIN", 15)
	v.SetDefault("ID_TOKEN_TTL_MIN", 15)
	v.SetDefault("REFRESH_TOKEN_TTL_HOUR", 720) // 30 days
	v.SetDefault("AUTH_CODE_TTL_MIN", 10)
	v.SetDefault("TOKEN_ENDPOINT_RPS", 10)
	v.SetDefault("AUTHORIZE_ENDPOINT_RPS", 20)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// no config file is fine, defaults and env vars apply
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server must not start with.
func (c *ServerConfig) Validate() error {
	issuer, err := url.Parse(c.IssuerURL)
	if err != nil || issuer.Scheme == "" || issuer.Host == "" {
		return fmt.Errorf("ISSUER_URL %q is not an absolute URL", c.IssuerURL)
	}
	if strings.HasSuffix(c.IssuerURL, "/") {
		return errors.New("ISSUER_URL must not end with a slash")
	}

	if c.AccessTokenTTLMin <= 0 || c.IDTokenTTLMin <= 0 || c.RefreshTokenTTLHour <= 0 || c.AuthCodeTTLMin <= 0 {
		return errors.New("all token lifetimes must be positive")
	}
	if time.Duration(c.AccessTokenTTLMin)*time.Minute >= time.Duration(c.RefreshTokenTTLHour)*time.Hour {
		return errors.New("access token lifetime must be shorter than refresh token lifetime")
	}
	if c.SigningKeyPEM != "" && c.SigningKeyFile != "" {
		return errors.New("SIGNING_KEY_PEM and SIGNING_KEY_FILE are mutually exclusive")
	}
	if len(c.Scopes()) == 0 {
		return errors.New("SUPPORTED_SCOPES must not be empty")
	}
	if c.MaxLiveFamilies < 0 {
		return errors.New("MAX_LIVE_FAMILIES must not be negative")
	}
	return nil
}

// Scopes returns the supported scopes as a slice.
func (c *ServerConfig) Scopes() []string {
	return strings.Fields(c.SupportedScopes)
}

// URISchemes returns the allowed redirect URI schemes as a slice.
func (c *ServerConfig) URISchemes() []string {
	return strings.Fields(c.AllowedURISchemes)
}

// IsProduction reports whether strict redirect rules apply.
func (c *ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// AccessTokenTTL returns the access token lifetime as a duration.
func (c *ServerConfig) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMin) * time.Minute
}

// IDTokenTTL returns the ID token lifetime as a duration.
func (c *ServerConfig) IDTokenTTL() time.Duration {
	return time.Duration(c.IDTokenTTLMin) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime as a duration.
func (c *ServerConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLHour) * time.Hour
}

// AuthCodeTTL returns the authorization code lifetime as a duration.
func (c *ServerConfig) AuthCodeTTL() time.Duration {
	return time.Duration(c.AuthCodeTTLMin) * time.Minute
}
