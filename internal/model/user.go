// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーのロールを表す。
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
	RoleVendor Role = "vendor"
)

// Valid はロールが定義済みの値かを判定する。
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleAdmin, RoleVendor:
		return true
	}
	return false
}

// User は登録済みユーザーを表す。
// emailは正規化済み（小文字）で一意。作成後は変更しない。
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         Role
	IsActive     bool
	IsStaff      bool
	DateJoined   time.Time
	UpdatedAt    time.Time

	// Profile はUserと1対1で常に存在する。
	Profile *Profile
}

// Profile はユーザーのプロフィール情報を表す。
// Userの作成と同一トランザクションで作成され、User削除時にCASCADE削除される。
type Profile struct {
	UserID    string
	Avatar    string
	City      string
	Country   string
	DateBirth *time.Time
	UpdatedAt time.Time
}

// NewUser は新規ユーザーと空のプロフィールを生成する。
// プロフィールなしのUserは作らない。
func NewUser(id, email, username, passwordHash string, now time.Time) *User {
	return &User{
		ID:           id,
		Email:        NormalizeEmail(email),
		Username:     strings.TrimSpace(username),
		PasswordHash: passwordHash,
		Role:         RoleClient,
		IsActive:     true,
		DateJoined:   now,
		UpdatedAt:    now,
		Profile: &Profile{
			UserID:    id,
			UpdatedAt: now,
		},
	}
}

// NormalizeEmail はメールアドレスを正規化する。
// 前後の空白を除去し、全体を小文字にする。キャッシュキーと永続化の両方で同じ値を使う。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ProfileComplete はプロフィール入力が完了しているかを判定する。
// 氏名・都市・国・生年月日がすべて設定されている場合にtrueを返す。
func (u *User) ProfileComplete() bool {
	if u == nil || u.Profile == nil {
		return false
	}
	return u.FirstName != "" &&
		u.LastName != "" &&
		u.Profile.City != "" &&
		u.Profile.Country != "" &&
		u.Profile.DateBirth != nil
}

// ProfileInput はプロフィール完了時の入力値。
// Avatarがnilの場合は既存の値を維持する。
type ProfileInput struct {
	FirstName string
	LastName  string
	City      string
	Country   string
	DateBirth time.Time
	Avatar    *string
}

// MergeProfile はProfileInputをUserとProfileへフィールド単位で反映する。
func MergeProfile(u *User, in ProfileInput, now time.Time) {
	if u.Profile == nil {
		u.Profile = &Profile{UserID: u.ID}
	}
	u.FirstName = in.FirstName
	u.LastName = in.LastName
	u.UpdatedAt = now

	birth := in.DateBirth
	u.Profile.City = in.City
	u.Profile.Country = in.Country
	u.Profile.DateBirth = &birth
	if in.Avatar != nil {
		u.Profile.Avatar = *in.Avatar
	}
	u.Profile.UpdatedAt = now
}

// UserPatch はユーザー情報の部分更新。nilのフィールドは変更しない。
type UserPatch struct {
	Username  *string
	FirstName *string
	LastName  *string
}

// Empty は変更対象のフィールドが1つもないかを判定する。
func (p UserPatch) Empty() bool {
	return p.Username == nil && p.FirstName == nil && p.LastName == nil
}

// MergeUserPatch はUserPatchをUserへフィールド単位で反映する。
func MergeUserPatch(u *User, p UserPatch, now time.Time) {
	if p.Username != nil {
		u.Username = strings.TrimSpace(*p.Username)
	}
	if p.FirstName != nil {
		u.FirstName = strings.TrimSpace(*p.FirstName)
	}
	if p.LastName != nil {
		u.LastName = strings.TrimSpace(*p.LastName)
	}
	u.UpdatedAt = now
}

// TokenPair はアクセストークンとリフレッシュトークンの組を表す。
type TokenPair struct {
	Access  string
	Refresh string
}

// RevokedToken は失効済みリフレッシュトークンを表す。
// ExpiresAtを過ぎた行はクリーンアップジョブで削除する。
type RevokedToken struct {
	JTI       string
	UserID    string
	ExpiresAt time.Time
	RevokedAt time.Time
}
