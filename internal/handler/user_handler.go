package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/hitoshi/authgate/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Me は呼び出し元のユーザーを返す。
	Me(ctx context.Context, userID string) (*model.User, error)
	// ProfileStatus はユーザーとプロフィール完了状態を返す。
	ProfileStatus(ctx context.Context, userID string) (*model.User, bool, error)
	// UpdateUser はユーザー名と氏名を部分更新する。
	UpdateUser(ctx context.Context, callerID, targetID string, patch model.UserPatch) (*model.User, error)
	// Withdraw はアカウントを削除する。プロフィールと失効トークンも削除される。
	Withdraw(ctx context.Context, callerID, targetID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type updateUserPayload struct {
	Username  *string `json:"username"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

func (p updateUserPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Username, validation.NilOrNotEmpty, validation.Length(1, 150)),
		validation.Field(&p.FirstName, validation.Length(0, 30)),
		validation.Field(&p.LastName, validation.Length(0, 30)),
	)
}

// Me は呼び出し元のユーザー情報を返す。
// GET /users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	user, err := h.service.Me(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// ProfileStatus はプロフィール完了状態を返す。
// GET /profile/status, GET /profile/complete
func (h *UserHandler) ProfileStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	user, complete, err := h.service.ProfileStatus(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileStatusResponse(user, complete))
}

// UpdateUser は自分のアカウントのユーザー名と氏名を更新する。
// PATCH /users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var p updateUserPayload
	if apiErr := decodePayload(w, r, &p); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	user, err := h.service.UpdateUser(r.Context(), userID, chi.URLParam(r, "id"), model.UserPatch{
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// Withdraw は自分のアカウントを削除する。
// DELETE /users/{id}
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Withdraw(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
