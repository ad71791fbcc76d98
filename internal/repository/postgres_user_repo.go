package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/authgate/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// selectUserColumns はユーザーとプロフィールを結合して取得する列。
const selectUserColumns = `
	SELECT u.id, u.email, u.username, u.password_hash, u.first_name, u.last_name,
	       u.role, u.is_active, u.is_staff, u.date_joined, u.updated_at,
	       p.avatar, p.city, p.country, p.date_birth, p.updated_at
	FROM users u
	JOIN user_profile p ON p.user_id = u.id`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE u.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE u.email = $1`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// ExistsByEmail はメールアドレスが登録済みかを返す。
func (r *PostgresUserRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return exists, nil
}

// CreateWithProfile はユーザーとプロフィールを同一トランザクションで作成する。
// 同一メールアドレスの同時登録は一意制約により片方のみ成功する。
func (r *PostgresUserRepo) CreateWithProfile(ctx context.Context, user *model.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, username, password_hash, first_name, last_name,
		                    role, is_active, is_staff, date_joined, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.ID, user.Email, user.Username, user.PasswordHash, user.FirstName, user.LastName,
		string(user.Role), user.IsActive, user.IsStaff, user.DateJoined, user.UpdatedAt,
	)
	if err != nil {
		if dup := mapUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	profile := user.Profile
	if profile == nil {
		profile = &model.Profile{UserID: user.ID, UpdatedAt: user.DateJoined}
		user.Profile = profile
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_profile (user_id, avatar, city, country, date_birth, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, profile.Avatar, profile.City, profile.Country, nullTime(profile), profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if dup := mapUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateProfile はユーザーの氏名とプロフィールを同一トランザクションで更新する。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	if user.Profile == nil {
		return fmt.Errorf("profile is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET first_name = $1, last_name = $2, updated_at = $3 WHERE id = $4`,
		user.FirstName, user.LastName, user.UpdatedAt, user.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user names: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	p := user.Profile
	_, err = tx.ExecContext(ctx,
		`UPDATE user_profile SET avatar = $1, city = $2, country = $3, date_birth = $4, updated_at = $5
		 WHERE user_id = $6`,
		p.Avatar, p.City, p.Country, nullTime(p), p.UpdatedAt, user.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateUser はユーザー名と氏名を更新する。
func (r *PostgresUserRepo) UpdateUser(ctx context.Context, user *model.User) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET username = $1, first_name = $2, last_name = $3, updated_at = $4 WHERE id = $5`,
		user.Username, user.FirstName, user.LastName, user.UpdatedAt, user.ID,
	)
	if err != nil {
		if dup := mapUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireOneRow(result)
}

// UpdatePassword はパスワードハッシュを更新する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`,
		passwordHash, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireOneRow(result)
}

// DeleteByID は指定IDのユーザーを削除する。
// user_profile、revoked_tokensはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireOneRow(result)
}

// scanUser は1行をUserとProfileに読み込む。行がない場合はnil, nilを返す。
func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{Profile: &model.Profile{}}
	var (
		role      string
		dateBirth sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.FirstName, &user.LastName,
		&role, &user.IsActive, &user.IsStaff, &user.DateJoined, &user.UpdatedAt,
		&user.Profile.Avatar, &user.Profile.City, &user.Profile.Country, &dateBirth, &user.Profile.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user.Role = model.Role(role)
	user.Profile.UserID = user.ID
	if dateBirth.Valid {
		t := dateBirth.Time
		user.Profile.DateBirth = &t
	}
	return user, nil
}

// mapUniqueViolation は一意制約違反を対応するセンチネルエラーに変換する。
// 該当しない場合はnilを返す。
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	switch pqErr.Constraint {
	case "users_email_key":
		return ErrDuplicateEmail
	case "users_username_key":
		return ErrDuplicateUsername
	}
	return nil
}

func requireOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullTime(p *model.Profile) sql.NullTime {
	if p == nil || p.DateBirth == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p.DateBirth, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
