package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

func TestGoogleOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "https://api.example.com/oauth/google/callback",
	})

	loginURL := provider.GetLoginURL("test-state-value")

	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("login URL is not parseable: %v", err)
	}
	if !strings.HasPrefix(loginURL, defaultGoogleAuthURL+"?") {
		t.Errorf("login URL should start with %q, got %q", defaultGoogleAuthURL, loginURL)
	}

	q := parsed.Query()
	tests := []struct {
		param string
		want  string
	}{
		{"client_id", "test-client-id"},
		{"redirect_uri", "https://api.example.com/oauth/google/callback"},
		{"state", "test-state-value"},
		{"response_type", "code"},
		{"scope", "openid email profile"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := q.Get(tt.param); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.param, got, tt.want)
			}
		})
	}
}

// newGoogleServers はトークンとユーザー情報のエンドポイントを模したサーバーを立てる。
func newGoogleServers(t *testing.T, userInfo map[string]interface{}) (tokenURL, userInfoURL string) {
	t.Helper()
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "test-auth-code" {
			t.Errorf("code = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(tokenServer.Close)

	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("unexpected Authorization header: %q", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(userInfo)
	}))
	t.Cleanup(userInfoServer.Close)

	return tokenServer.URL, userInfoServer.URL
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	tokenURL, userInfoURL := newGoogleServers(t, map[string]interface{}{
		"sub":            "google-sub-12345",
		"email":          "User@Gmail.com",
		"email_verified": true,
		"name":           "Google User",
		"picture":        "https://lh3.googleusercontent.com/a/photo.jpg",
	})

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://api.example.com/oauth/google/callback",
		TokenURL:     tokenURL,
		UserInfoURL:  userInfoURL,
	})

	userInfo, err := provider.ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if userInfo.Provider != "google" {
		t.Errorf("provider = %q, want %q", userInfo.Provider, "google")
	}
	if userInfo.ProviderUserID != "google-sub-12345" {
		t.Errorf("providerUserID = %q, want %q", userInfo.ProviderUserID, "google-sub-12345")
	}
	// 正規化はサービス層で行う
	if userInfo.Email != "User@Gmail.com" {
		t.Errorf("email = %q, want %q", userInfo.Email, "User@Gmail.com")
	}
	if !userInfo.EmailVerified {
		t.Error("email_verified should be true")
	}
	if userInfo.Name != "Google User" {
		t.Errorf("name = %q, want %q", userInfo.Name, "Google User")
	}
	if userInfo.Picture != "https://lh3.googleusercontent.com/a/photo.jpg" {
		t.Errorf("picture = %q", userInfo.Picture)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UsesConfiguredClient(t *testing.T) {
	tokenURL, userInfoURL := newGoogleServers(t, map[string]interface{}{
		"sub":   "google-sub-1",
		"email": "user@gmail.com",
	})

	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return http.DefaultTransport.RoundTrip(r)
	})}

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		HTTPClient:  client,
		TokenURL:    tokenURL,
		UserInfoURL: userInfoURL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "test-auth-code"); err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("configured client calls = %d, want 2", got)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_MissingEmail(t *testing.T) {
	tokenURL, userInfoURL := newGoogleServers(t, map[string]interface{}{
		"sub": "google-sub-12345",
	})

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenURL,
		UserInfoURL: userInfoURL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "test-auth-code"); err == nil {
		t.Fatal("expected error when user info has no email")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     tokenServer.URL,
	})

	_, err := provider.ExchangeCode(context.Background(), "invalid-code")
	if err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error should include the status code, got %v", err)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UserInfoError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
		})
	}))
	defer tokenServer.Close()

	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "valid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode when user info fetch fails")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestGoogleOAuthProvider_ExchangeCode_ProviderError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "Bad Request",
		})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{TokenURL: tokenServer.URL})

	_, err := provider.ExchangeCode(context.Background(), "used-code")

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if perr.Endpoint != "token" || perr.StatusCode != http.StatusBadRequest || perr.Code != "invalid_grant" {
		t.Errorf("provider error = %+v", perr)
	}
}
