package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	googleProviderName = "google"
	googleScopes       = "openid email profile"

	// maxOAuthResponseSize はプロバイダー応答の読み込み上限。
	maxOAuthResponseSize = 1 << 20
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient はプロバイダーへの通信に使う。nilならhttp.DefaultClient。
	HTTPClient *http.Client

	// エンドポイント。空ならGoogleの既定値を使う。
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// ProviderError はプロバイダーが200以外を返したことを表す。
type ProviderError struct {
	Endpoint    string
	StatusCode  int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s endpoint returned status %d", e.Endpoint, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// GoogleOAuthProvider はGoogleの認可コードフローを扱う。
type GoogleOAuthProvider struct {
	cfg    GoogleOAuthConfig
	client *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(cfg GoogleOAuthConfig) *GoogleOAuthProvider {
	cfg.AuthURL = withDefault(cfg.AuthURL, defaultGoogleAuthURL)
	cfg.TokenURL = withDefault(cfg.TokenURL, defaultGoogleTokenURL)
	cfg.UserInfoURL = withDefault(cfg.UserInfoURL, defaultGoogleUserInfoURL)

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleOAuthProvider{cfg: cfg, client: client}
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetLoginURL は同意画面へのURLを返す。stateはコールバックでそのまま戻る。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", googleScopes)
	q.Set("state", state)
	q.Set("access_type", "online")
	q.Set("prompt", "select_account")
	return p.cfg.AuthURL + "?" + q.Encode()
}

// ExchangeCode は認可コードを交換し、Googleアカウントの情報を返す。
// メールアドレスはプロバイダーの表記のまま返す。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	accessToken, err := p.redeemCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if err := p.send(req, "userinfo", &claims); err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}

	switch {
	case claims.Sub == "":
		return nil, errors.New("userinfo response has no sub")
	case claims.Email == "":
		return nil, errors.New("userinfo response has no email")
	}

	return &OAuthUserInfo{
		ProviderUserID: claims.Sub,
		Email:          claims.Email,
		EmailVerified:  claims.EmailVerified,
		Name:           claims.Name,
		Picture:        claims.Picture,
		Provider:       googleProviderName,
	}, nil
}

// redeemCode はトークンエンドポイントで認可コードをアクセストークンに替える。
func (p *GoogleOAuthProvider) redeemCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("redirect_uri", p.cfg.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.send(req, "token", &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}
	return tok.AccessToken, nil
}

// send はリクエストを送り、200ならJSONをoutへ、それ以外はProviderErrorを返す。
func (p *GoogleOAuthProvider) send(req *http.Request, endpoint string, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOAuthResponseSize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := &ProviderError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil {
			perr.Code = oauthErr.Error
			perr.Description = oauthErr.ErrorDescription
		}
		return perr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
