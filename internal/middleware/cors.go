package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods  = "GET, POST, PATCH, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type"
	corsExposeHeaders = "Retry-After, WWW-Authenticate"
	corsMaxAge        = "600"
)

// NewCORSMiddleware はCORSミドルウェアを返す。
// allowedOriginsはカンマ区切りのオリジン一覧で、"*"は全オリジンを許可する。
// 一致したオリジンのみAccess-Control-Allow-Originに反映する。
// 認証はAuthorizationヘッダーで行うため、Cookieの送信は許可しない。
// Originを伴うOPTIONSはプリフライトとして204で応答し、後続のハンドラーを呼ばない。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	allowAny := false
	allowed := make(map[string]struct{})
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			allowAny = true
		default:
			allowed[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			_, ok := allowed[origin]
			switch {
			case allowAny:
				h.Set("Access-Control-Allow-Origin", "*")
			case ok:
				h.Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}
