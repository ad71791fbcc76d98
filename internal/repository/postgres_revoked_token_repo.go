package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/authgate/internal/model"
)

// PostgresRevokedTokenRepo はPostgreSQLを使用した失効トークンリポジトリ。
type PostgresRevokedTokenRepo struct {
	db *sql.DB
}

// NewPostgresRevokedTokenRepo はPostgresRevokedTokenRepoを生成する。
func NewPostgresRevokedTokenRepo(db *sql.DB) *PostgresRevokedTokenRepo {
	return &PostgresRevokedTokenRepo{db: db}
}

// Revoke はトークンを失効させる。同じjtiの二重登録は無視する。
// 今回の呼び出しで新たに失効させた場合にtrueを返す。
func (r *PostgresRevokedTokenRepo) Revoke(ctx context.Context, token *model.RevokedToken) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, user_id, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (jti) DO NOTHING`,
		token.JTI, token.UserID, token.ExpiresAt, token.RevokedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// IsRevoked はjtiが失効済みかを返す。
func (r *PostgresRevokedTokenRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`,
		jti,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check revoked token: %w", err)
	}
	return exists, nil
}

// compile-time interface check
var _ RevokedTokenRepository = (*PostgresRevokedTokenRepo)(nil)
