package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/ephemeral"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/registration"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/token"
	"github.com/hitoshi/authgate/internal/user"
)

// closeFunc は終了時に解放する資源を表す。
type closeFunc func(ctx context.Context) error

// server はAPIサーバーの構成要素をまとめたもの。
type server struct {
	handler http.Handler
	closers []closeFunc
}

// Close は生成順と逆順に資源を解放する。
func (s *server) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			slog.Warn("failed to release resource", slog.String("error", err.Error()))
		}
	}
}

// newEphemeralStore はREDIS_URLが設定されていればRedis、未設定ならプロセス内メモリのStoreを返す。
// いずれもEphemeralTimeoutで操作ごとのタイムアウトを付与する。
func newEphemeralStore(ctx context.Context, cfg *config.Config) (ephemeral.Store, closeFunc, error) {
	if cfg.RedisURL != "" {
		rs, err := ephemeral.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("ephemeral store: redis")
		return ephemeral.WithTimeout(rs, cfg.EphemeralTimeout), func(context.Context) error { return rs.Close() }, nil
	}

	ms := ephemeral.NewMemoryStore()
	slog.Warn("ephemeral store: in-memory (state is lost on restart and not shared between processes)")
	return ephemeral.WithTimeout(ms, cfg.EphemeralTimeout), func(context.Context) error {
		ms.Stop()
		return nil
	}, nil
}

// newSender はSMTP設定があればSMTPSender、なければLogSenderを返す。
func newSender(cfg *config.Config, logger *slog.Logger) notify.Sender {
	if cfg.MailEnabled() {
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.SMTPTimeout,
		})
	}
	logger.Warn("SMTP_HOST is not set; mail is written to the log instead of being delivered")
	return notify.NewLogSender(logger)
}

// rateLimiterConfig は設定のreq/min値をRateLimiterConfigに変換する。
// バーストは1分あたりの上限と同じ値にする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rc := middleware.DefaultRateLimiterConfig()
	rc.PublicRate = middleware.PerMinute(cfg.RateLimitPublic)
	rc.PublicBurst = cfg.RateLimitPublic
	rc.UserRate = middleware.PerMinute(cfg.RateLimitUser)
	rc.UserBurst = cfg.RateLimitUser
	return rc
}

// newServer は全依存関係をワイヤリングしてAPIサーバーのハンドラーを構築する。
func newServer(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*server, error) {
	srv := &server{}

	// 1. 一時ストア
	store, closeStore, err := newEphemeralStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeStore)

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. メール配信
	dispatcher := notify.NewDispatcher(newSender(cfg, logger), collector, logger, notify.DispatcherConfig{
		Workers:     cfg.MailWorkers,
		QueueSize:   cfg.MailQueueSize,
		SendTimeout: cfg.SMTPTimeout,
		MaxRetries:  cfg.MailRetries,
	})
	srv.closers = append(srv.closers, dispatcher.Stop)

	// 4. リポジトリとセキュリティ部品
	userRepo := repository.NewPostgresUserRepo(db)
	revokedRepo := repository.NewPostgresRevokedTokenRepo(db)
	issuer := token.NewIssuer(token.Config{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	hasher := password.NewHasher(cfg.BcryptCost)
	sanitizer := security.NewTextSanitizer()
	guard := security.NewURLGuard()

	// 5. ドメインサービス
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   guard.NewSafeClient(cfg.OAuthTimeout),
	})

	regConfig := registration.DefaultConfig()
	regConfig.OTPTTL = cfg.OTPTTL
	regConfig.AttemptTTL = cfg.OTPTTL
	regConfig.MaxAttempts = cfg.OTPMaxAttempts
	regConfig.VerifiedTTL = cfg.VerifiedTTL

	registrationService := registration.NewService(registration.Deps{
		Store:    store,
		Users:    userRepo,
		Tokens:   issuer,
		Hasher:   hasher,
		Mailer:   dispatcher,
		Metrics:  collector,
		Cleaner:  sanitizer,
		URLGuard: guard,
		Config:   regConfig,
	})
	authService := auth.NewService(auth.Deps{
		OAuth:    oauthProvider,
		Users:    userRepo,
		Revoked:  revokedRepo,
		Tokens:   issuer,
		Hasher:   hasher,
		Store:    store,
		URLGuard: guard,
		Metrics:  collector,
		Config:   auth.ServiceConfig{StateTTL: cfg.OAuthStateTTL},
	})
	userService := user.NewService(userRepo, store, sanitizer, cfg.UserCacheTTL)

	// 6. ルーター
	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	srv.closers = append(srv.closers, func(context.Context) error {
		limiter.Stop()
		return nil
	})

	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		StatusRecorder:    collector,
		Logger:            logger,

		RegistrationService: registrationService,
		AuthService:         authService,
		UserService:         userService,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	})

	return srv, nil
}

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second
