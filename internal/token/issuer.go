// Package token はJWTアクセストークン・リフレッシュトークンの発行と検証を提供する。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
)

// トークン種別
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrInvalidToken は署名・形式・発行者が不正なトークンの場合に返される。
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrTokenExpired は有効期限切れのトークンの場合に返される。
	ErrTokenExpired = errors.New("token: token expired")
	// ErrWrongTokenType はアクセストークンとリフレッシュトークンを取り違えた場合に返される。
	ErrWrongTokenType = errors.New("token: wrong token type")
)

// Claims はトークンに含めるクレーム。
// SubjectにユーザーID、IDにjtiを設定する。
type Claims struct {
	jwt.RegisteredClaims
	TokenType string     `json:"token_type"`
	Role      model.Role `json:"role,omitempty"`
}

// Config はIssuerの設定。
type Config struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Issuer はHS256で署名したトークンペアを発行・検証する。
type Issuer struct {
	cfg Config
	now func() time.Time
}

// NewIssuer は新しいIssuerを生成する。
func NewIssuer(cfg Config) *Issuer {
	return &Issuer{cfg: cfg, now: time.Now}
}

// Issue はユーザーに対するアクセストークンとリフレッシュトークンを発行する。
func (i *Issuer) Issue(user *model.User) (*model.TokenPair, error) {
	now := i.now()

	access, err := i.sign(user, TypeAccess, now, i.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(user, TypeRefresh, now, i.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{Access: access, Refresh: refresh}, nil
}

// ParseAccess はアクセストークンを検証してクレームを返す。
func (i *Issuer) ParseAccess(tokenString string) (*Claims, error) {
	return i.parse(tokenString, TypeAccess)
}

// ParseRefresh はリフレッシュトークンを検証してクレームを返す。
// 失効済みかどうかは呼び出し側で確認する。
func (i *Issuer) ParseRefresh(tokenString string) (*Claims, error) {
	return i.parse(tokenString, TypeRefresh)
}

func (i *Issuer) sign(user *model.User, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.cfg.Issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
		Role:      user.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

func (i *Issuer) parse(tokenString, tokenType string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrWrongTokenType
	}

	return claims, nil
}
