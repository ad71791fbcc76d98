package ephemeral

import (
	"context"
	"time"
)

// timeoutStore は各呼び出しにタイムアウトを付与するStoreのデコレーター。
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout はすべての操作をtimeout以内に打ち切るStoreを返す。
// timeoutが0以下の場合はnextをそのまま返す。
func WithTimeout(next Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: timeout}
}

func (s *timeoutStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Get(ctx, key)
}

func (s *timeoutStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Set(ctx, key, value, ttl)
}

func (s *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Delete(ctx, key)
}

func (s *timeoutStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Incr(ctx, key, ttl)
}

func (s *timeoutStore) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.IncrBelow(ctx, key, limit, ttl)
}
