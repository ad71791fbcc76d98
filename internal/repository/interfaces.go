// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/authgate/internal/model"
)

var (
	// ErrDuplicateEmail はメールアドレスの一意制約違反を表す。
	ErrDuplicateEmail = errors.New("repository: email already exists")
	// ErrDuplicateUsername はユーザー名の一意制約違反を表す。
	ErrDuplicateUsername = errors.New("repository: username already exists")
	// ErrUserNotFound は更新対象のユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("repository: user not found")
)

// UserRepository はユーザーとプロフィールの永続化インターフェース。
// 取得系メソッドはプロフィールを含めたUserを返す。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// ExistsByEmail はメールアドレスが登録済みかを返す。
	ExistsByEmail(ctx context.Context, email string) (bool, error)

	// CreateWithProfile はユーザーとプロフィールを同一トランザクションで作成する。
	// メールアドレスまたはユーザー名が重複する場合は
	// ErrDuplicateEmail / ErrDuplicateUsername を返す。
	CreateWithProfile(ctx context.Context, user *model.User) error

	// UpdateProfile はユーザーの氏名とプロフィールを同一トランザクションで更新する。
	UpdateProfile(ctx context.Context, user *model.User) error

	// UpdateUser はユーザー名と氏名を更新する。
	UpdateUser(ctx context.Context, user *model.User) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// プロフィールと失効トークンはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// RevokedTokenRepository は失効済みリフレッシュトークンの永続化インターフェース。
// 期限切れ行の削除はcleanupジョブが行う。
type RevokedTokenRepository interface {
	// Revoke はトークンを失効させる。既に失効済みの場合もエラーにしない。
	// 今回の呼び出しで新たに失効させた場合にtrueを返す。
	// リフレッシュトークンのローテーションはこの戻り値で二重使用を検出する。
	Revoke(ctx context.Context, token *model.RevokedToken) (bool, error)

	// IsRevoked はjtiが失効済みかを返す。
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
