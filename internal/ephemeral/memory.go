package ephemeral

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// entry はMemoryStoreの1エントリ。
type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore はプロセス内マップによるStore実装。
// 期限切れエントリは読み出し時に無視され、バックグラウンドのスイープで削除される。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// MemoryOption はMemoryStoreの設定オプション。
type MemoryOption func(*MemoryStore)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithSweepInterval は期限切れエントリのスイープ間隔を設定する。
// 0以下を指定するとスイープを開始しない。
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = d
	}
}

// NewMemoryStore は新しいMemoryStoreを生成し、スイープを開始する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:       make(map[string]entry),
		now:           time.Now,
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// Get はキーの値を返す。
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set はキーに値をTTL付きで保存する。
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete はキーを削除する。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Incr はキーの整数値を1増やし、TTLを再設定する。
// 読み出しと書き込みは同一ロック内で行う。
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if e, ok := s.live(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++

	s.entries[key] = entry{value: strconv.FormatInt(n, 10), expiresAt: s.now().Add(ttl)}
	return n, nil
}

// IncrBelow は上限未満のときだけ加算する。判定と加算は同一ロック内で行う。
func (s *MemoryStore) IncrBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if e, ok := s.live(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, false, err
		}
		n = v
	}
	if n >= limit {
		return n, false, nil
	}
	n++

	s.entries[key] = entry{value: strconv.FormatInt(n, 10), expiresAt: s.now().Add(ttl)}
	return n, true, nil
}

// Len は期限切れを含む保持エントリ数を返す。テスト用。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop はスイープのバックグラウンドゴルーチンを停止する。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// live は期限内のエントリを返す。呼び出し側でロックを保持すること。
func (s *MemoryStore) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// sweepLoop は定期的に期限切れエントリを削除する。
func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep は期限切れエントリをすべて削除する。
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
