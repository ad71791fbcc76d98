package middleware

import (
	"context"
	"net/http"
	"sync"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードと書き込みバイト数を記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	bytes       int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Unwrap はhttp.ResponseControllerが元のWriterに到達できるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// requestInfo はミドルウェアの内側で判明した情報を外側のミドルウェアへ渡す。
// 認証ミドルウェアはロギングミドルウェアより内側で動くため、
// ユーザーIDはこの入れ物を経由してアクセスログに載る。
type requestInfo struct {
	mu     sync.Mutex
	userID string
}

func (i *requestInfo) setUserID(id string) {
	i.mu.Lock()
	i.userID = id
	i.mu.Unlock()
}

func (i *requestInfo) getUserID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userID
}

var requestInfoContextKey = contextKey("request_info")

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoContextKey, info), info
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoContextKey).(*requestInfo)
	return info
}
