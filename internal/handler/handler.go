// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限サイズ。
const maxRequestBodySize = 1 << 20

// validatable はozzo-validationでペイロードを検証できる型。
type validatable interface {
	Validate() error
}

// decodePayload はJSONボディをdstに読み込み、検証する。
// 失敗時はクライアントに返すAPIErrorを返す。
func decodePayload(w http.ResponseWriter, r *http.Request, dst validatable) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewValidationError("Request body is empty")
		}
		return model.NewValidationError("Request body must be valid JSON")
	}
	if err := dst.Validate(); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError はozzo-validationのエラーをAPIErrorに変換する。
func validationError(err error) *model.APIError {
	var internal validation.InternalError
	if errors.As(err, &internal) {
		slog.Error("payload validation failed", slog.String("error", err.Error()))
	}
	return model.NewValidationError(err.Error())
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// messageResponse はメッセージのみのレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// currentUserID は認証ミドルウェアが注入したユーザーIDを返す。
// 取得できない場合は401を書き込みfalseを返す。
func currentUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized,
			model.NewUnauthorizedError("Authentication credentials were not provided"))
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode >= http.StatusInternalServerError {
			slog.Error("request failed",
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Message),
			)
		}
		middleware.WriteErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
// 重複（CONFLICT）は既存クライアントとの互換のため400で返す。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation,
		model.ErrCodeOTPMismatch,
		model.ErrCodeNotVerified,
		model.ErrCodePasswordMismatch,
		model.ErrCodeWeakPassword,
		model.ErrCodeInvalidBirthDate,
		model.ErrCodeConflict,
		model.ErrCodeInvalidCredentials,
		model.ErrCodeAccountDisabled:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeNotFoundOrExpired, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeDeliveryFailed, model.ErrCodeUpstreamFailure, model.ErrCodeInternal:
		return http.StatusInternalServerError
	}

	if apiErr.Category == model.CategoryValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
