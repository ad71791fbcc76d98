package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラーのpanicを回収し、INTERNAL_ERRORの500レスポンスに変換する。
// スタックトレースはログのみに記録する。loggerがnilの場合はslog.Default()を使う。
// http.ErrAbortHandlerは接続中断の合図なので再度panicさせる。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newStatusRecorder(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				logger.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", v),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", chimw.GetReqID(r.Context())),
					slog.String("stack", string(debug.Stack())),
				)
				// 既にヘッダーを送信済みの場合はレスポンスを書き換えられない
				if !rec.wroteHeader {
					WriteInternalServerError(rec)
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
