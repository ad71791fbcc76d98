package notify

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/wneessen/go-mail"
)

// deliveryResult は送信エラーに基づく配信結果の分類。
type deliveryResult int

const (
	// deliveryOK は送信成功。
	deliveryOK deliveryResult = iota
	// deliveryRetry は一時的な失敗で、再送の対象。
	deliveryRetry
	// deliveryGiveUp は恒久的な失敗で、再送しない。
	deliveryGiveUp
)

const (
	// defaultRetryBackoff は再送の初回遅延。
	defaultRetryBackoff = time.Second
	// maxRetryBackoff は再送遅延の上限。
	maxRetryBackoff = 30 * time.Second
)

// classifySendError は送信エラーを配信結果に分類する。
// SMTPの4xx応答、タイムアウト、ネットワークエラーは一時的な失敗として扱う。
// 5xx応答とアドレス不正は恒久的な失敗。
func classifySendError(err error) deliveryResult {
	if err == nil {
		return deliveryOK
	}
	if errors.Is(err, context.Canceled) {
		return deliveryGiveUp
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return deliveryRetry
		}
		return deliveryGiveUp
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return deliveryRetry
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return deliveryRetry
	}
	return deliveryGiveUp
}

// calculateBackoff は再送回数に基づいて指数バックオフ遅延を計算する。
// 初回base、2倍ずつ増加、最大30秒。
func calculateBackoff(base time.Duration, retries int) time.Duration {
	delay := base
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}
