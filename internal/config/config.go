package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultPractice string   `mapstructure:"DEFAULT_PRACTICE"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int      `mapstructure:"RATE_LIMIT_BURST"`
	PublicAppURL    string   `mapstructure:"PUBLIC_APP_URL"`

	JWTSecret        string        `mapstructure:"JWT_SECRET"`
	JWTIssuer        string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL   time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL  time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	ImpersonationTTL time.Duration `mapstructure:"IMPERSONATION_TTL"`

	AgoraAppID          string        `mapstructure:"AGORA_APP_ID"`
	AgoraAppCertificate string        `mapstructure:"AGORA_APP_CERTIFICATE"`
	VideoTokenTTL       time.Duration `mapstructure:"VIDEO_TOKEN_TTL"`

	SMTPHost        string        `mapstructure:"SMTP_HOST"`
	SMTPPort        int           `mapstructure:"SMTP_PORT"`
	SMTPUser        string        `mapstructure:"SMTP_USER"`
	SMTPPassword    string        `mapstructure:"SMTP_PASSWORD"`
	EmailFrom       string        `mapstructure:"EMAIL_FROM"`
	EmailMaxRetries int           `mapstructure:"EMAIL_MAX_RETRIES"`
	EmailRetryBase  time.Duration `mapstructure:"EMAIL_RETRY_BASE"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `mapstructure:"TWILIO_FROM"`

	FirebaseCredentialsFile string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`

	PaymentAPIURL        string `mapstructure:"PAYMENT_API_URL"`
	PaymentAPIKey        string `mapstructure:"PAYMENT_API_KEY"`
	PaymentWebhookSecret string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`

	UploadDir      string `mapstructure:"UPLOAD_DIR"`
	MaxUploadBytes int64  `mapstructure:"MAX_UPLOAD_BYTES"`

	ReminderLead         time.Duration `mapstructure:"REMINDER_LEAD"`
	InvalidationDebounce time.Duration `mapstructure:"INVALIDATION_DEBOUNCE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_PRACTICE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PUBLIC_APP_URL",
	"JWT_SECRET", "JWT_ISSUER", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "IMPERSONATION_TTL",
	"AGORA_APP_ID", "AGORA_APP_CERTIFICATE", "VIDEO_TOKEN_TTL",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "EMAIL_FROM",
	"EMAIL_MAX_RETRIES", "EMAIL_RETRY_BASE",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM",
	"FIREBASE_CREDENTIALS_FILE",
	"PAYMENT_API_URL", "PAYMENT_API_KEY", "PAYMENT_WEBHOOK_SECRET",
	"UPLOAD_DIR", "MAX_UPLOAD_BYTES",
	"REMINDER_LEAD", "INVALIDATION_DEBOUNCE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_PRACTICE", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("PUBLIC_APP_URL", "http://localhost:5173")
	v.SetDefault("JWT_ISSUER", "vitaluxe")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "720h")
	v.SetDefault("IMPERSONATION_TTL", "15m")
	v.SetDefault("VIDEO_TOKEN_TTL", "2h")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("EMAIL_MAX_RETRIES", 3)
	v.SetDefault("EMAIL_RETRY_BASE", "1s")
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("MAX_UPLOAD_BYTES", 10<<20)
	v.SetDefault("REMINDER_LEAD", "24h")
	v.SetDefault("INVALIDATION_DEBOUNCE", "250ms")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("running in development mode: dev auth injects an admin identity on every request")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT secret of at least 32 bytes is required. Agora credentials, when set,
// must both be 32 hex characters.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
		}
	}

	if c.AgoraAppID != "" || c.AgoraAppCertificate != "" {
		if err := checkHex32("AGORA_APP_ID", c.AgoraAppID); err != nil {
			return err
		}
		if err := checkHex32("AGORA_APP_CERTIFICATE", c.AgoraAppCertificate); err != nil {
			return err
		}
	}

	if c.IsProduction() && c.PaymentAPIURL != "" && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when PAYMENT_API_URL is set in production")
	}

	if c.EmailMaxRetries < 1 {
		return fmt.Errorf("EMAIL_MAX_RETRIES must be at least 1, got %d", c.EmailMaxRetries)
	}
	if c.ImpersonationTTL <= 0 {
		return fmt.Errorf("IMPERSONATION_TTL must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	return nil
}

// SigningSecret returns the HMAC key for access tokens. Development falls
// back to a fixed key so local runs need no setup.
func (c *Config) SigningSecret() []byte {
	if c.JWTSecret == "" && c.IsDev() {
		return []byte("vitaluxe-development-signing-key-0000")
	}
	return []byte(c.JWTSecret)
}

func checkHex32(name, value string) error {
	if len(value) != 32 {
		return fmt.Errorf("%s must be 32 hex chars, got %d", name, len(value))
	}
	if _, err := hex.DecodeString(value); err != nil {
		return fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	return nil
}
