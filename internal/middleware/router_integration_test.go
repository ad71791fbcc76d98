package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authgate/internal/model"
)

type statusCounter struct {
	mu     sync.Mutex
	counts map[int]int
}

func (c *statusCounter) RecordHTTPStatus(statusCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[int]int)
	}
	c.counts[statusCode]++
}

func (c *statusCounter) get(statusCode int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[statusCode]
}

// TestRouterIntegration_PublicAndProtectedRoutes は
// Recovery -> Metrics -> (Public | Bearer) のチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_PublicAndProtectedRoutes(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()
	counter := &statusCounter{}

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(nil))
	r.Use(NewMetricsMiddleware(counter))

	r.Group(func(r chi.Router) {
		r.Use(rl.PublicMiddleware())
		r.Post("/otp/request", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"message": "sent"})
		})
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
			panic("unexpected")
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(NewBearerAuthMiddleware(validTokenAuthenticator()))
		r.Use(rl.UserMiddleware())
		r.Get("/users/me", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		})
	})

	t.Run("public_route_without_token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/otp/request", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("protected_route_with_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["user_id"] != "user-123" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "user-123")
		}
	})

	t.Run("protected_route_without_token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/me", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("panic_becomes_internal_error", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		var body ErrorResponseBody
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if body.Code != model.ErrCodeInternal {
			t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
		}
	})

	if got := counter.get(http.StatusOK); got != 2 {
		t.Errorf("recorded 200 = %d, want 2", got)
	}
	if got := counter.get(http.StatusUnauthorized); got != 1 {
		t.Errorf("recorded 401 = %d, want 1", got)
	}
}
