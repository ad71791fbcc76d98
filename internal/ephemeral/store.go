// Package ephemeral はTTL付きの一時キーバリューストアを提供する。
// OTPコード、試行回数カウンター、検証済みフラグ、ユーザーキャッシュの保存先として使う。
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound はキーが存在しないか期限切れの場合に返される。
var ErrNotFound = errors.New("ephemeral: key not found")

// Store はTTL付きキーバリューストアのインターフェース。
// 実装はMemoryStore（単一プロセス）とRedisStore（複数プロセス共有）。
type Store interface {
	// Get はキーの値を返す。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, key string) (string, error)

	// Set はキーに値をTTL付きで保存する。既存の値とTTLは上書きされる。
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete はキーを削除する。存在しないキーの削除はエラーにしない。
	Delete(ctx context.Context, key string) error

	// Incr はキーの整数値をアトミックに1増やし、増加後の値を返す。
	// キーが存在しない場合は1で初期化する。TTLは呼び出しごとにttlへ再設定される。
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrBelow は現在値がlimit未満の場合だけIncrと同じ加算を行い、加算後の値とtrueを返す。
	// limit以上の場合は値もTTLも変更せず、現在値とfalseを返す。
	IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)
}
