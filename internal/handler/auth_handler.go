package handler

import (
	"context"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, userID, refresh string) error
	Refresh(ctx context.Context, refresh string) (*model.TokenPair, error)
	ChangePassword(ctx context.Context, userID string, in auth.ChangePasswordInput) error
	GetLoginURL(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, code, state string) (*auth.LoginResult, error)
}

// AuthHandler はログイン、トークン、OAuth関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (p loginPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Password, validation.Required),
	)
}

type refreshPayload struct {
	Refresh string `json:"refresh"`
}

func (p refreshPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Refresh, validation.Required),
	)
}

type changePasswordPayload struct {
	OldPassword        string `json:"old_password"`
	NewPassword        string `json:"new_password"`
	ConfirmNewPassword string `json:"confirm_new_password"`
}

func (p changePasswordPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.OldPassword, validation.Required),
		validation.Field(&p.NewPassword, validation.Required),
		validation.Field(&p.ConfirmNewPassword, validation.Required),
	)
}

type loginResponse struct {
	User    userResponse   `json:"user"`
	Tokens  tokensResponse `json:"tokens"`
	Message string         `json:"message,omitempty"`
}

type authURLResponse struct {
	AuthURL string `json:"auth_url"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var p loginPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	res, err := h.service.Login(r.Context(), p.Email, p.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(res.User),
		Tokens:  toTokensResponse(res.Tokens),
		Message: "Login successful",
	})
}

// Logout はリフレッシュトークンを失効させる。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var p refreshPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	if err := h.service.Logout(r.Context(), userID, p.Refresh); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
}

// Refresh はリフレッシュトークンをローテーションする。
// POST /token/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var p refreshPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	tokens, err := h.service.Refresh(r.Context(), p.Refresh)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokensResponse(tokens))
}

// ChangePassword はパスワードを変更する。
// POST /password/change
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var p changePasswordPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	err := h.service.ChangePassword(r.Context(), userID, auth.ChangePasswordInput{
		OldPassword:        p.OldPassword,
		NewPassword:        p.NewPassword,
		ConfirmNewPassword: p.ConfirmNewPassword,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detailResponse{Detail: "Password changed successfully"})
}

// GoogleInit はGoogle OAuthの認可URLを返す。
// GET /oauth/google/init
func (h *AuthHandler) GoogleInit(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.service.GetLoginURL(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authURLResponse{AuthURL: authURL})
}

// GoogleCallback はOAuthコールバックを処理し、トークンを返す。
// GET /oauth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		handleServiceError(w, model.NewValidationError("Google authorization failed: "+errParam))
		return
	}

	code := q.Get("code")
	if code == "" {
		handleServiceError(w, model.NewValidationError("No code provided"))
		return
	}

	res, err := h.service.HandleCallback(r.Context(), code, q.Get("state"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		User:   toUserResponse(res.User),
		Tokens: toTokensResponse(res.Tokens),
	})
}
