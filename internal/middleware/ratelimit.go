package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/authgate/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	PublicRate      rate.Limit    // 未認証エンドポイントのIPごとのレート（req/sec）
	PublicBurst     int           // 未認証エンドポイントのバーストサイズ
	UserRate        rate.Limit    // 認証済みエンドポイントのユーザーごとのレート（req/sec）
	UserBurst       int           // 認証済みエンドポイントのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 未認証 30 req/min/IP、認証済み 120 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		PublicRate:      PerMinute(30),
		PublicBurst:     30,
		UserRate:        PerMinute(120),
		UserBurst:       120,
		CleanupInterval: 5 * time.Minute,
	}
}

// PerMinute は1分あたりのリクエスト数をrate.Limitに変換する。
func PerMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキー（IPアドレスまたはユーザーID）ごとのリミッター集合。
type limiterSet struct {
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
	limiters map[string]*keyedLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.RLock()
	kl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		kl.lastAccess = time.Now()
		s.mu.Unlock()
		return kl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if kl, exists := s.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &keyedLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// RateLimiter はIPごと、ユーザーごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	public *limiterSet
	user   *limiterSet
	stopCh chan struct{}
	once   sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		public: newLimiterSet(config.PublicRate, config.PublicBurst),
		user:   newLimiterSet(config.UserRate, config.UserBurst),
		stopCh: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// PublicMiddleware は未認証エンドポイント向けのIPごとのレート制限ミドルウェアを返す。
// クライアントIPはRemoteAddrから取得する（プロキシ配下ではchiのRealIPの後に配置する）。
func (rl *RateLimiter) PublicMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.public.get(ip).Allow() {
				writeRateLimitResponse(w, rl.config.PublicRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "public"),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserMiddleware は認証済みエンドポイント向けのユーザーごとのレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（認証ミドルウェアの後に配置）。
func (rl *RateLimiter) UserMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w, model.NewUnauthorizedError("Authentication credentials were not provided"))
				return
			}

			if !rl.user.get(userID).Allow() {
				writeRateLimitResponse(w, rl.config.UserRate)
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", "user"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PublicLimiterCount は現在管理されているIPごとのリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) PublicLimiterCount() int {
	return rl.public.len()
}

// UserLimiterCount は現在管理されているユーザーごとのリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) UserLimiterCount() int {
	return rl.user.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.public.evict(now, ttl)
	rl.user.evict(now, ttl)
}

// clientIP はRemoteAddrからポートを除いたIPアドレスを返す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "Too many requests",
		Category: model.CategoryRateLimit,
		Action:   "Wait and retry after the specified time.",
	})
}
