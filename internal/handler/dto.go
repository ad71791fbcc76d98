package handler

import (
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// dateLayout は生年月日の入出力フォーマット。
const dateLayout = "2006-01-02"

// profileResponse はプロフィール情報のAPIレスポンス。
type profileResponse struct {
	Avatar    string  `json:"avatar"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	DateBirth *string `json:"date_birth"`
}

// userResponse はユーザー情報のAPIレスポンス。パスワードハッシュは含めない。
type userResponse struct {
	ID         string           `json:"id"`
	Email      string           `json:"email"`
	Username   string           `json:"username"`
	FirstName  string           `json:"first_name"`
	LastName   string           `json:"last_name"`
	IsActive   bool             `json:"is_active"`
	IsStaff    bool             `json:"is_staff"`
	DateJoined time.Time        `json:"date_joined"`
	Profile    *profileResponse `json:"profile"`
}

// tokensResponse はトークンペアのAPIレスポンス。
type tokensResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// profileStatusResponse はプロフィール完了状態のAPIレスポンス。
// profileは完了している場合のみ含める。
type profileStatusResponse struct {
	ProfileComplete bool             `json:"profile_complete"`
	User            userResponse     `json:"user"`
	Profile         *profileResponse `json:"profile"`
}

func toProfileResponse(p *model.Profile) *profileResponse {
	if p == nil {
		return nil
	}
	resp := &profileResponse{
		Avatar:  p.Avatar,
		City:    p.City,
		Country: p.Country,
	}
	if p.DateBirth != nil {
		d := p.DateBirth.Format(dateLayout)
		resp.DateBirth = &d
	}
	return resp
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		IsActive:   u.IsActive,
		IsStaff:    u.IsStaff,
		DateJoined: u.DateJoined,
		Profile:    toProfileResponse(u.Profile),
	}
}

func toTokensResponse(t *model.TokenPair) tokensResponse {
	return tokensResponse{Access: t.Access, Refresh: t.Refresh}
}

func toProfileStatusResponse(u *model.User, complete bool) profileStatusResponse {
	resp := profileStatusResponse{
		ProfileComplete: complete,
		User:            toUserResponse(u),
	}
	if complete {
		resp.Profile = toProfileResponse(u.Profile)
	}
	return resp
}
