// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/authgate/internal/model"
)

const bearerPrefix = "Bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// TokenAuthenticator はアクセストークンを検証してユーザーIDを返す。
// auth.Serviceが実装する。
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みユーザーIDをリクエストコンテキストに注入する。
// トークンが無い、不正、期限切れの場合は401 Unauthorizedを返す。
func NewBearerAuthMiddleware(authenticator TokenAuthenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, model.NewUnauthorizedError("Authentication credentials were not provided"))
				return
			}

			userID, err := authenticator.Authenticate(r.Context(), raw)
			if err != nil {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) {
					apiErr = model.NewUnauthorizedError("Invalid token")
				}
				writeUnauthorized(w, apiErr)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークン部分を取り出す。
// スキーム名の大文字小文字は区別しない。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	return raw, raw != ""
}

func writeUnauthorized(w http.ResponseWriter, apiErr *model.APIError) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// 外側のロギングミドルウェアが用意したrequestInfoがあれば、そこにも記録する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.setUserID(userID)
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}
