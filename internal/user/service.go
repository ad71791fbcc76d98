// Package user はアカウントのセルフサービス（参照・更新・退会）のドメインロジックを提供する。
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authgate/internal/ephemeral"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// DefaultCacheTTL は/users/meのキャッシュ有効期間。
const DefaultCacheTTL = 60 * time.Second

// UserStore はアカウント操作が使うユーザーリポジトリの操作。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteByID(ctx context.Context, id string) error
}

// TextCleaner は入力テキストからマークアップを除去する。
type TextCleaner interface {
	Clean(s string) string
}

// Service はユーザー管理のサービス層。
type Service struct {
	users    UserStore
	cache    ephemeral.Store
	cleaner  TextCleaner
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// cacheTTLが0以下の場合はDefaultCacheTTLを使う。
func NewService(users UserStore, cache ephemeral.Store, cleaner TextCleaner, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Service{
		users:    users,
		cache:    cache,
		cleaner:  cleaner,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// cachedUser はキャッシュに保存するユーザーの表現。パスワードハッシュは含めない。
type cachedUser struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Username   string     `json:"username"`
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
	Role       model.Role `json:"role"`
	IsActive   bool       `json:"is_active"`
	IsStaff    bool       `json:"is_staff"`
	DateJoined time.Time  `json:"date_joined"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Avatar     string     `json:"avatar"`
	City       string     `json:"city"`
	Country    string     `json:"country"`
	DateBirth  *time.Time `json:"date_birth"`
}

func toCached(u *model.User) cachedUser {
	c := cachedUser{
		ID: u.ID, Email: u.Email, Username: u.Username,
		FirstName: u.FirstName, LastName: u.LastName,
		Role: u.Role, IsActive: u.IsActive, IsStaff: u.IsStaff,
		DateJoined: u.DateJoined, UpdatedAt: u.UpdatedAt,
	}
	if u.Profile != nil {
		c.Avatar = u.Profile.Avatar
		c.City = u.Profile.City
		c.Country = u.Profile.Country
		c.DateBirth = u.Profile.DateBirth
	}
	return c
}

func (c cachedUser) toUser() *model.User {
	return &model.User{
		ID: c.ID, Email: c.Email, Username: c.Username,
		FirstName: c.FirstName, LastName: c.LastName,
		Role: c.Role, IsActive: c.IsActive, IsStaff: c.IsStaff,
		DateJoined: c.DateJoined, UpdatedAt: c.UpdatedAt,
		Profile: &model.Profile{
			UserID:    c.ID,
			Avatar:    c.Avatar,
			City:      c.City,
			Country:   c.Country,
			DateBirth: c.DateBirth,
		},
	}
}

// Me は呼び出し元のユーザーを返す。結果は一時ストアにキャッシュする。
// キャッシュの障害時はリポジトリから直接取得する。
// 返すUserにパスワードハッシュは含まれない。
func (s *Service) Me(ctx context.Context, userID string) (*model.User, error) {
	key := ephemeral.UserCacheKey(userID)

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var c cachedUser
		if jsonErr := json.Unmarshal([]byte(raw), &c); jsonErr == nil {
			return c.toUser(), nil
		}
		slog.Warn("discarding malformed user cache entry", slog.String("user_id", userID))
	case !errors.Is(err, ephemeral.ErrNotFound):
		slog.Warn("user cache unavailable",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(toCached(user)); err == nil {
		if err := s.cache.Set(ctx, key, string(b), s.cacheTTL); err != nil {
			slog.Warn("failed to cache user",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	user.PasswordHash = ""
	return user, nil
}

// ProfileStatus は呼び出し元のユーザーとプロフィール完了状態を返す。
func (s *Service) ProfileStatus(ctx context.Context, userID string) (*model.User, bool, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	user.PasswordHash = ""
	return user, user.ProfileComplete(), nil
}

// UpdateUser はユーザー名と氏名を部分更新する。
// 他のユーザーのアカウントは更新できない。
func (s *Service) UpdateUser(ctx context.Context, callerID, targetID string, patch model.UserPatch) (*model.User, error) {
	if callerID != targetID {
		return nil, model.NewForbiddenError()
	}
	if patch.Empty() {
		return nil, model.NewValidationError("No fields to update")
	}

	patch.Username = s.cleanPtr(patch.Username)
	patch.FirstName = s.cleanPtr(patch.FirstName)
	patch.LastName = s.cleanPtr(patch.LastName)
	if patch.Username != nil && *patch.Username == "" {
		return nil, model.NewValidationError("username: cannot be blank")
	}

	user, err := s.load(ctx, targetID)
	if err != nil {
		return nil, err
	}

	model.MergeUserPatch(user, patch, s.now())
	if err := s.users.UpdateUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, model.NewDuplicateUsernameError()
		case errors.Is(err, repository.ErrUserNotFound):
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	s.invalidate(ctx, targetID)

	slog.Info("user updated", slog.String("user_id", targetID))
	user.PasswordHash = ""
	return user, nil
}

// Withdraw はユーザーの退会処理を実行する。
// プロフィールと失効トークンはCASCADE削除される。他のユーザーのアカウントは削除できない。
func (s *Service) Withdraw(ctx context.Context, callerID, targetID string) error {
	if callerID != targetID {
		return model.NewForbiddenError()
	}
	if _, err := s.load(ctx, targetID); err != nil {
		return err
	}

	slog.Info("withdrawal started", slog.String("user_id", targetID))

	if err := s.users.DeleteByID(ctx, targetID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}
	s.invalidate(ctx, targetID)

	slog.Info("withdrawal completed", slog.String("user_id", targetID))
	return nil
}

// load はユーザーを取得する。存在しない場合はUserNotFoundを返す。
func (s *Service) load(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, ephemeral.UserCacheKey(userID)); err != nil {
		slog.Warn("failed to invalidate user cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) cleanPtr(v *string) *string {
	if v == nil {
		return nil
	}
	cleaned := s.cleaner.Clean(*v)
	return &cleaned
}
