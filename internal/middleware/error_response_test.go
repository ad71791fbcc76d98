package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/authgate/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, model.NewOTPMismatchError())

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeOTPMismatch {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeOTPMismatch)
	}
	if body.Error != "Incorrect OTP" {
		t.Errorf("error = %q, want %q", body.Error, "Incorrect OTP")
	}
}

// TestWriteErrorResponse_DifferentStatusCodes は異なるステータスコードで正しく動作することを検証する。
func TestWriteErrorResponse_DifferentStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		apiErr     *model.APIError
	}{
		{"Unauthorized", http.StatusUnauthorized, model.NewUnauthorizedError("Invalid token")},
		{"Forbidden", http.StatusForbidden, model.NewForbiddenError()},
		{"NotFound", http.StatusNotFound, model.NewOTPNotFoundError()},
		{"RateLimited", http.StatusTooManyRequests, model.NewRateLimitedError()},
		{"Internal", http.StatusInternalServerError, model.NewInternalError()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			resp := w.Result()
			if resp.StatusCode != tt.statusCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.statusCode)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != tt.apiErr.Code {
				t.Errorf("code = %q, want %q", body.Code, tt.apiErr.Code)
			}
		})
	}
}

// TestInternalServerError_HidesDetails は内部エラーが一般的なメッセージで返ることを検証する。
func TestInternalServerError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if body.Error != "Internal server error" {
		t.Errorf("error = %q", body.Error)
	}
}

// TestErrorResponseBody_OnlyErrorAndCode はレスポンスがerrorとcodeの2フィールドのみを持つことを検証する。
func TestErrorResponseBody_OnlyErrorAndCode(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "CODE",
		Message:  "MSG",
		Category: "CAT",
		Action:   "ACT",
	})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if len(raw) != 2 {
		t.Errorf("fields = %v, want only error and code", raw)
	}
	for _, field := range []string{"error", "code"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}
