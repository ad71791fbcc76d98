package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/registration"
)

// RegistrationServiceInterface は登録ハンドラーが必要とするサービスインターフェース。
type RegistrationServiceInterface interface {
	// RequestOTP はOTPを発行してメールで送信する。
	RequestOTP(ctx context.Context, email string) error
	// VerifyOTP はOTPを照合し、メールアドレスを認証済みにする。
	VerifyOTP(ctx context.Context, email, code string) error
	// Register は認証済みメールアドレスでアカウントを作成する。
	Register(ctx context.Context, in registration.RegisterInput) (*registration.RegisterResult, error)
	// CompleteProfile はプロフィールの必須項目を設定する。
	CompleteProfile(ctx context.Context, userID string, in model.ProfileInput) (*model.User, error)
}

// RegistrationHandler はOTP認証付きアカウント登録のHTTPハンドラー。
type RegistrationHandler struct {
	service RegistrationServiceInterface
}

// NewRegistrationHandler はRegistrationHandlerを生成する。
func NewRegistrationHandler(service RegistrationServiceInterface) *RegistrationHandler {
	return &RegistrationHandler{service: service}
}

type otpRequestPayload struct {
	Email string `json:"email"`
}

func (p otpRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
	)
}

type otpVerifyPayload struct {
	Email   string `json:"email"`
	OTPCode string `json:"otp_code"`
}

func (p otpVerifyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.OTPCode, validation.Required, validation.Length(6, 6), is.Digit),
	)
}

type registerPayload struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

func (p registerPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Username, validation.Required, validation.Length(1, 150)),
		validation.Field(&p.Password, validation.Required),
		validation.Field(&p.PasswordConfirm, validation.Required),
	)
}

type completeProfilePayload struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	DateBirth string  `json:"date_birth"`
	Avatar    *string `json:"avatar"`
}

func (p completeProfilePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FirstName, validation.Required, validation.Length(1, 30)),
		validation.Field(&p.LastName, validation.Required, validation.Length(1, 30)),
		validation.Field(&p.City, validation.Required, validation.Length(1, 100)),
		validation.Field(&p.Country, validation.Required, validation.Length(1, 100)),
		validation.Field(&p.DateBirth, validation.Required, validation.Date(dateLayout)),
		validation.Field(&p.Avatar, validation.Length(0, 2048)),
	)
}

type registerResponse struct {
	Message  string         `json:"message"`
	User     userResponse   `json:"user"`
	Tokens   tokensResponse `json:"tokens"`
	NextStep string         `json:"next_step"`
}

type completeProfileResponse struct {
	Message         string           `json:"message"`
	User            userResponse     `json:"user"`
	Profile         *profileResponse `json:"profile"`
	ProfileComplete bool             `json:"profile_complete"`
}

// RequestOTP はOTPを発行してメールで送信する。
// POST /otp/request
func (h *RegistrationHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var p otpRequestPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	if err := h.service.RequestOTP(r.Context(), p.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "OTP sent"})
}

// VerifyOTP はOTPを照合する。
// POST /otp/verify
func (h *RegistrationHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var p otpVerifyPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	if err := h.service.VerifyOTP(r.Context(), p.Email, p.OTPCode); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Email verified successfully"})
}

// Register はアカウントを作成し、トークンを発行する。
// POST /register
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	res, err := h.service.Register(r.Context(), registration.RegisterInput{
		Email:           p.Email,
		Username:        p.Username,
		Password:        p.Password,
		PasswordConfirm: p.PasswordConfirm,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message:  "User registered successfully",
		User:     toUserResponse(res.User),
		Tokens:   toTokensResponse(res.Tokens),
		NextStep: "complete_profile",
	})
}

// CompleteProfile はプロフィールの必須項目を設定する。
// POST /profile/complete
func (h *RegistrationHandler) CompleteProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var p completeProfilePayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	birth, err := time.Parse(dateLayout, strings.TrimSpace(p.DateBirth))
	if err != nil {
		handleServiceError(w, model.NewValidationError("date_birth: must be a valid date (YYYY-MM-DD)"))
		return
	}

	user, err := h.service.CompleteProfile(r.Context(), userID, model.ProfileInput{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		City:      p.City,
		Country:   p.Country,
		DateBirth: birth,
		Avatar:    p.Avatar,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeProfileResponse{
		Message:         "Profile completed successfully",
		User:            toUserResponse(user),
		Profile:         toProfileResponse(user.Profile),
		ProfileComplete: true,
	})
}
