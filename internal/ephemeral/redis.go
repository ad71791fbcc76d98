package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore はRedisによるStore実装。
// 複数のAPIプロセスでOTP状態を共有する場合に使用する。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore はRedis接続URL（redis://...）からRedisStoreを生成し、疎通確認を行う。
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient は既存のクライアントからRedisStoreを生成する。
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get はキーの値を返す。
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set はキーに値をTTL付きで保存する。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Incr はINCRとEXPIREをMULTI/EXECで実行する。
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// incrBelowScript は判定と加算をRedis上で不可分に行う。
// 戻り値は {値, 加算したら1}。
var incrBelowScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return {n, 0}
end
n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {n, 1}
`)

// IncrBelow は上限未満のときだけINCRとPEXPIREを実行する。
func (s *RedisStore) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := incrBelowScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis incr below %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis incr below %s: unexpected reply %v", key, res)
	}
	return res[0], res[1] == 1, nil
}

// Ping はRedisへの疎通を確認する。ヘルスチェック用。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
