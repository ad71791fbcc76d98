// Package password はパスワードのハッシュ化と強度検証を提供する。
package password

import (
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrMismatch はパスワードがハッシュと一致しない場合に返される。
var ErrMismatch = errors.New("password: hash and password mismatch")

// ErrEmpty は空のパスワードをハッシュ化しようとした場合に返される。
var ErrEmpty = errors.New("password: empty password")

// Hasher はbcryptによるパスワードハッシュ化を行う。
type Hasher struct {
	cost int
}

// NewHasher は指定コストのHasherを生成する。
// costがbcryptの許容範囲外の場合はbcrypt.DefaultCostを使う。
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash はパスワードのハッシュを生成する。
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmpty
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare はパスワードがハッシュと一致するかを検証する。
// 不一致の場合はErrMismatchを返す。
func (h *Hasher) Compare(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		return err
	}
	return nil
}

// RandomHash はログインに使えないランダムなパスワードのハッシュを返す。
// OAuthで作成したユーザーに設定する。
func (h *Hasher) RandomHash() (string, error) {
	return h.Hash(uuid.NewString())
}
