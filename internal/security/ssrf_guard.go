// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// MaxAvatarURLLength はアバターURLの最大長。
const MaxAvatarURLLength = 500

// URLGuardService は外部URLの検証と、SSRF防止付きHTTPクライアントの生成を行う。
type URLGuardService interface {
	// NewSafeClient は内部ネットワークへの接続を拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はアバターURLとして保存してよいかを静的に検証する。
	ValidateURL(rawURL string) error
}

var (
	errEmptyURL        = errors.New("empty URL")
	errURLCredentials  = errors.New("credentials in URL are not allowed")
	errNotHTTPS        = errors.New("only https URLs are allowed")
	errMissingHost     = errors.New("URL has no host")
	errInternalAddress = errors.New("URL points to an internal address")
)

// internalPrefixes はアバターURLとして参照させないアドレス範囲。
var internalPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // メタデータIPを含む
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// internalHostnames はホスト名自体、またはそのサブドメインを拒否する。
var internalHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

type urlGuard struct{}

// NewURLGuard はURLGuardServiceの実装を生成する。
func NewURLGuard() *urlGuard {
	return &urlGuard{}
}

// NewSafeClient はhttps(443)のみに接続するクライアントを返す。
// 接続先IPの検査はsafeurlがDNS解決後に行う。
func (g *urlGuard) NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はDNS解決を行わずにアバターURLを検証する。
func (g *urlGuard) ValidateURL(rawURL string) error {
	switch {
	case rawURL == "":
		return errEmptyURL
	case len(rawURL) > MaxAvatarURLLength:
		return fmt.Errorf("URL exceeds %d characters", MaxAvatarURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return errNotHTTPS
	}
	if u.User != nil {
		return errURLCredentials
	}

	host := u.Hostname()
	if host == "" {
		return errMissingHost
	}
	if isInternalHost(host) {
		return fmt.Errorf("%w: %s", errInternalAddress, host)
	}
	return nil
}

// isInternalHost はIPリテラルまたはホスト名が内部向けかを判定する。
// IPv4射影IPv6アドレスはIPv4として扱う。
func isInternalHost(host string) bool {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsUnspecified() || addr.IsLoopback() || addr.IsPrivate() {
			return true
		}
		for _, p := range internalPrefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	name := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range internalHostnames {
		if name == blocked || strings.HasSuffix(name, "."+blocked) {
			return true
		}
	}
	return false
}
