// Package auth はパスワード・OAuthによるログインとトークンのライフサイクルを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/ephemeral"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/password"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/token"
)

// ログイン方式（メトリクスのラベル）
const (
	MethodPassword = "password"
	MethodGoogle   = "google"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// UserStore は認証が使うユーザーリポジトリの操作。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	CreateWithProfile(ctx context.Context, user *model.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// TokenService はトークンの発行と検証を行う。
type TokenService interface {
	Issue(user *model.User) (*model.TokenPair, error)
	ParseAccess(tokenString string) (*token.Claims, error)
	ParseRefresh(tokenString string) (*token.Claims, error)
}

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
	RandomHash() (string, error)
}

// URLValidator はOAuthで取得したアバターURLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	StateTTL time.Duration // OAuth stateの有効期間
}

// Deps はServiceの依存関係。
type Deps struct {
	OAuth    OAuthProvider
	Users    UserStore
	Revoked  repository.RevokedTokenRepository
	Tokens   TokenService
	Hasher   PasswordHasher
	Store    ephemeral.Store
	URLGuard URLValidator
	Metrics  metrics.MetricsCollector
	Config   ServiceConfig
	Now      func() time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth    OAuthProvider
	users    UserStore
	revoked  repository.RevokedTokenRepository
	tokens   TokenService
	hasher   PasswordHasher
	store    ephemeral.Store
	urlGuard URLValidator
	metrics  metrics.MetricsCollector
	config   ServiceConfig
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewService はServiceを生成する。
func NewService(d Deps) *Service {
	s := &Service{
		oauth:    d.OAuth,
		users:    d.Users,
		revoked:  d.Revoked,
		tokens:   d.Tokens,
		hasher:   d.Hasher,
		store:    d.Store,
		urlGuard: d.URLGuard,
		metrics:  d.Metrics,
		config:   d.Config,
		now:      d.Now,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.config.StateTTL <= 0 {
		s.config.StateTTL = 10 * time.Minute
	}
	return s
}

// LoginResult はログイン成功時のユーザーとトークン。
type LoginResult struct {
	User   *model.User
	Tokens *model.TokenPair
}

// Login はメールアドレスとパスワードで認証し、トークンを発行する。
// 未登録のメールアドレスとパスワード不一致は区別せずInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, email, pw string) (*LoginResult, error) {
	email = model.NormalizeEmail(email)
	if email == "" || pw == "" {
		return nil, model.NewValidationError("email and password are required")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		s.metrics.RecordLogin(MethodPassword, metrics.ResultError)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		// 未登録の場合も照合を1回行い、応答時間を揃える
		s.compareDummy(pw)
		s.metrics.RecordLogin(MethodPassword, metrics.ResultInvalid)
		return nil, model.NewInvalidCredentialsError()
	}

	if err := s.hasher.Compare(user.PasswordHash, pw); err != nil {
		if errors.Is(err, password.ErrMismatch) {
			s.metrics.RecordLogin(MethodPassword, metrics.ResultInvalid)
			return nil, model.NewInvalidCredentialsError()
		}
		s.metrics.RecordLogin(MethodPassword, metrics.ResultError)
		return nil, fmt.Errorf("failed to compare password: %w", err)
	}
	if !user.IsActive {
		s.metrics.RecordLogin(MethodPassword, metrics.ResultInvalid)
		return nil, model.NewAccountDisabledError()
	}

	tokens, err := s.tokens.Issue(user)
	if err != nil {
		s.metrics.RecordLogin(MethodPassword, metrics.ResultError)
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	s.metrics.RecordLogin(MethodPassword, metrics.ResultSuccess)
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("method", MethodPassword),
	)
	return &LoginResult{User: user, Tokens: tokens}, nil
}

// compareDummy は使用不能なダミーハッシュとパスワードを照合する。結果は捨てる。
func (s *Service) compareDummy(pw string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.RandomHash()
		if err != nil {
			slog.Warn("failed to generate dummy hash", slog.String("error", err.Error()))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_ = s.hasher.Compare(s.dummyHash, pw)
	}
}

// Logout は呼び出し元のリフレッシュトークンを失効させる。
// トークンは有効期限まで失効テーブルに記録される。
func (s *Service) Logout(ctx context.Context, userID, refresh string) error {
	if strings.TrimSpace(refresh) == "" {
		return model.NewValidationError("refresh token is required")
	}

	claims, err := s.tokens.ParseRefresh(refresh)
	if err != nil {
		return model.NewValidationError("Invalid or expired refresh token")
	}
	if claims.Subject != userID {
		return model.NewValidationError("Refresh token does not belong to the current user")
	}

	if _, err := s.revoked.Revoke(ctx, s.revokedToken(claims)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	slog.Info("user logged out", slog.String("user_id", userID))
	return nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンペアを発行する。
// 使用済みのトークンは失効させ、二度目の使用は拒否する。
func (s *Service) Refresh(ctx context.Context, refresh string) (*model.TokenPair, error) {
	claims, err := s.tokens.ParseRefresh(refresh)
	if err != nil {
		return nil, model.NewUnauthorizedError("Invalid or expired refresh token")
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revoked token: %w", err)
	}
	if revoked {
		return nil, model.NewUnauthorizedError("Refresh token has been revoked")
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.NewUnauthorizedError("User is not available")
	}

	newly, err := s.revoked.Revoke(ctx, s.revokedToken(claims))
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if !newly {
		// 同じトークンでの同時リフレッシュは先着のみ成功する
		return nil, model.NewUnauthorizedError("Refresh token has been revoked")
	}

	tokens, err := s.tokens.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	return tokens, nil
}

// ChangePasswordInput はパスワード変更の入力値。
type ChangePasswordInput struct {
	OldPassword        string
	NewPassword        string
	ConfirmNewPassword string
}

// ChangePassword は現在のパスワードを確認したうえで新しいパスワードに変更する。
func (s *Service) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	if err := s.hasher.Compare(user.PasswordHash, in.OldPassword); err != nil {
		if errors.Is(err, password.ErrMismatch) || errors.Is(err, password.ErrEmpty) {
			return model.NewValidationError("Old password is incorrect")
		}
		return fmt.Errorf("failed to compare password: %w", err)
	}
	if in.NewPassword != in.ConfirmNewPassword {
		return model.NewPasswordMismatchError()
	}
	if err := password.Validate(in.NewPassword, user.Email, user.Username); err != nil {
		return model.NewWeakPasswordError(err.Error())
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("failed to update password: %w", err)
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// GetLoginURL はstateを発行して一時ストアに保存し、OAuth認証URLを返す。
func (s *Service) GetLoginURL(ctx context.Context) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	if err := s.store.Set(ctx, ephemeral.OAuthStateKey(state), "1", s.config.StateTTL); err != nil {
		slog.Error("failed to store oauth state", slog.String("error", err.Error()))
		return "", model.NewUpstreamFailureError("OAuth state store unavailable")
	}
	return s.oauth.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、トークンを発行する。
// stateは一度だけ使用できる。メールアドレスが確認済みでないアカウントは拒否する。未登録のメールアドレスの場合はユーザーとプロフィールを作成する。
func (s *Service) HandleCallback(ctx context.Context, code, state string) (*LoginResult, error) {
	if code == "" {
		return nil, model.NewValidationError("Authorization code is required")
	}
	if err := s.consumeState(ctx, state); err != nil {
		s.metrics.RecordLogin(MethodGoogle, metrics.ResultInvalid)
		return nil, err
	}

	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.metrics.RecordLogin(MethodGoogle, metrics.ResultError)
		slog.Warn("oauth code exchange failed", slog.String("error", err.Error()))
		return nil, model.NewValidationError("Failed to authenticate with Google")
	}
	// 未確認のメールアドレスで既存アカウントに紐付けない
	if !info.EmailVerified {
		s.metrics.RecordLogin(MethodGoogle, metrics.ResultInvalid)
		return nil, model.NewValidationError("Google account email is not verified")
	}

	user, err := s.findOrCreateOAuthUser(ctx, info)
	if err != nil {
		s.metrics.RecordLogin(MethodGoogle, metrics.ResultError)
		return nil, err
	}
	if !user.IsActive {
		s.metrics.RecordLogin(MethodGoogle, metrics.ResultInvalid)
		return nil, model.NewAccountDisabledError()
	}

	tokens, err := s.tokens.Issue(user)
	if err != nil {
		s.metrics.RecordLogin(MethodGoogle, metrics.ResultError)
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	s.metrics.RecordLogin(MethodGoogle, metrics.ResultSuccess)
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("method", MethodGoogle),
	)
	return &LoginResult{User: user, Tokens: tokens}, nil
}

// Authenticate はアクセストークンを検証し、ユーザーIDを返す。
func (s *Service) Authenticate(_ context.Context, accessToken string) (string, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return "", model.NewUnauthorizedError("Token has expired")
		}
		return "", model.NewUnauthorizedError("Invalid token")
	}
	return claims.Subject, nil
}

// consumeState はstateが発行済みかを確認し、削除する。
func (s *Service) consumeState(ctx context.Context, state string) error {
	if state == "" {
		return model.NewValidationError("OAuth state is required")
	}
	key := ephemeral.OAuthStateKey(state)
	if _, err := s.store.Get(ctx, key); err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return model.NewValidationError("Invalid or expired OAuth state")
		}
		slog.Error("failed to load oauth state", slog.String("error", err.Error()))
		return model.NewUpstreamFailureError("OAuth state store unavailable")
	}
	if err := s.store.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete oauth state", slog.String("error", err.Error()))
	}
	return nil
}

// findOrCreateOAuthUser はメールアドレスで既存ユーザーを検索し、なければ作成する。
// ユーザー名はメールアドレス、名はプロバイダーの表示名を使う。
func (s *Service) findOrCreateOAuthUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	email := model.NormalizeEmail(info.Email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	hash, err := s.hasher.RandomHash()
	if err != nil {
		return nil, fmt.Errorf("failed to generate password hash: %w", err)
	}

	user = model.NewUser(uuid.New().String(), email, email, hash, s.now())
	user.FirstName = strings.TrimSpace(info.Name)
	if info.Picture != "" && s.urlGuard != nil && s.urlGuard.ValidateURL(info.Picture) == nil {
		user.Profile.Avatar = info.Picture
	}

	if err := s.users.CreateWithProfile(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			// 同じメールアドレスのコールバックが並行した場合は先に作成されたユーザーを使う
			existing, findErr := s.users.FindByEmail(ctx, email)
			if findErr != nil {
				return nil, fmt.Errorf("failed to find user: %w", findErr)
			}
			if existing != nil {
				return existing, nil
			}
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, model.NewDuplicateUsernameError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("email", email),
		slog.String("provider", info.Provider),
	)
	return user, nil
}

func (s *Service) revokedToken(claims *token.Claims) *model.RevokedToken {
	rt := &model.RevokedToken{
		JTI:       claims.ID,
		UserID:    claims.Subject,
		RevokedAt: s.now(),
	}
	if claims.ExpiresAt != nil {
		rt.ExpiresAt = claims.ExpiresAt.Time
	}
	return rt
}

// generateState は暗号的に安全なOAuth stateを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
