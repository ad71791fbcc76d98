package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// スタックトレースや内部情報は含めない。
type ErrorResponseBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Error: apiErr.Message,
		Code:  apiErr.Code,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
