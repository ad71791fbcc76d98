package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authgate/internal/middleware"
)

// HealthChecker はヘルスチェックで依存先の疎通を確認する。
// *sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.TokenAuthenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.HTTPStatusRecorder
	Logger            *slog.Logger

	// サービス
	RegistrationService RegistrationServiceInterface
	AuthService         AuthServiceInterface
	UserService         UserServiceInterface

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Tracing → Metrics → Logging → SecurityHeaders → CORS
//	  未認証ルート: PublicRateLimit
//	  認証ルート:   BearerAuth → UserRateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewTracingMiddleware(nil, nil))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	regHandler := NewRegistrationHandler(deps.RegistrationService)
	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.PublicMiddleware())

		r.Post("/otp/request", regHandler.RequestOTP)
		r.Post("/otp/verify", regHandler.VerifyOTP)
		r.Post("/register", regHandler.Register)

		r.Post("/login", authHandler.Login)
		r.Post("/token/refresh", authHandler.Refresh)
		r.Get("/oauth/google/init", authHandler.GoogleInit)
		r.Get("/oauth/google/callback", authHandler.GoogleCallback)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: BearerAuth → RateLimit(User)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.Authenticator))
		r.Use(deps.RateLimiter.UserMiddleware())

		r.Get("/profile/complete", userHandler.ProfileStatus)
		r.Post("/profile/complete", regHandler.CompleteProfile)
		r.Get("/profile/status", userHandler.ProfileStatus)

		r.Post("/password/change", authHandler.ChangePassword)
		r.Post("/logout", authHandler.Logout)

		r.Get("/users/me", userHandler.Me)
		r.Patch("/users/{id}", userHandler.UpdateUser)
		r.Delete("/users/{id}", userHandler.Withdraw)
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
