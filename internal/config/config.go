// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// JWT
	JWTSecret       string        `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"authgate"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET,required,notEmpty"`
	GoogleRedirectURL  string        `env:"GOOGLE_REDIRECT_URL,required,notEmpty"`
	OAuthStateTTL      time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	OAuthTimeout       time.Duration `env:"OAUTH_TIMEOUT" envDefault:"10s"`

	// Ephemeral store
	RedisURL         string        `env:"REDIS_URL"`
	EphemeralTimeout time.Duration `env:"EPHEMERAL_TIMEOUT" envDefault:"2s"`
	UserCacheTTL     time.Duration `env:"USER_CACHE_TTL" envDefault:"60s"`

	// Registration
	OTPTTL         time.Duration `env:"OTP_TTL" envDefault:"5m"`
	OTPMaxAttempts int64         `env:"OTP_MAX_ATTEMPTS" envDefault:"3"`
	VerifiedTTL    time.Duration `env:"VERIFIED_TTL" envDefault:"10m"`
	BcryptCost     int           `env:"BCRYPT_COST" envDefault:"12"`

	// Mail
	SMTPHost      string        `env:"SMTP_HOST"`
	SMTPPort      int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername  string        `env:"SMTP_USERNAME"`
	SMTPPassword  string        `env:"SMTP_PASSWORD"`
	SMTPFrom      string        `env:"SMTP_FROM" envDefault:"noreply@example.com"`
	SMTPTimeout   time.Duration `env:"SMTP_TIMEOUT" envDefault:"10s"`
	MailWorkers   int           `env:"MAIL_WORKERS" envDefault:"4"`
	MailQueueSize int           `env:"MAIL_QUEUE_SIZE" envDefault:"100"`
	MailRetries   int           `env:"MAIL_RETRIES" envDefault:"2"`

	// Rate Limit (req/min)
	RateLimitPublic int `env:"RATE_LIMIT_PUBLIC" envDefault:"30"`
	RateLimitUser   int `env:"RATE_LIMIT_USER" envDefault:"120"`

	// Worker
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Telemetry
	OTELEndpoint    string `env:"OTEL_ENDPOINT"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"authgate"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// minJWTSecretLength はHS256の署名鍵に要求する最小バイト数。
const minJWTSecretLength = 32

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数をまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate は値の範囲を検証する。
// ozzoのMin/Maxはゼロ値を検証しないため、ゼロを許さない項目にはRequiredを併記する。
// MAIL_RETRIES=0(再送なし)とEPHEMERAL_TIMEOUT=0(タイムアウトなし)は有効な値。
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.JWTSecret, validation.Length(minJWTSecretLength, 0)),
		validation.Field(&c.GoogleRedirectURL, is.URL),
		validation.Field(&c.AccessTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.RefreshTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.OAuthStateTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.OAuthTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.EphemeralTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.UserCacheTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.OTPTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.OTPMaxAttempts, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.VerifiedTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.BcryptCost, validation.Required, validation.Min(4), validation.Max(31)),
		validation.Field(&c.SMTPPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.SMTPFrom, is.Email),
		validation.Field(&c.SMTPTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MailWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.MailQueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MailRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.RateLimitPublic, validation.Required, validation.Min(1)),
		validation.Field(&c.RateLimitUser, validation.Required, validation.Min(1)),
		validation.Field(&c.CleanupInterval, validation.Required, validation.Min(time.Minute)),
	)
}

// MailEnabled はSMTP送信が設定されているかを返す。
// 未設定の場合はメールをログに出力する。
func (c Config) MailEnabled() bool {
	return c.SMTPHost != ""
}
