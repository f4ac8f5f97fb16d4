package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval は期限切れエントリの掃除間隔。
const DefaultSweepInterval = time.Minute

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore はプロセス内マップによるStore実装。
// 単一インスタンス構成とテスト向け。
//
// 掃除用goroutineは最初のPutで起動し、ストアが空になると自ら停止する。
// 次のPutで再び起動する。
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]entry
	interval time.Duration
	sweeping bool
	closed   bool
	stop     chan struct{}
	now      func() time.Time
	logger   *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore はMemoryStoreを生成する。intervalが0以下の場合はDefaultSweepIntervalを使う。
func NewMemoryStore(interval time.Duration, logger *slog.Logger) *MemoryStore {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		entries:  make(map[string]entry),
		interval: interval,
		stop:     make(chan struct{}),
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put はキーに値を保存する。既存のエントリは上書きする。
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	if !s.sweeping && !s.closed {
		s.sweeping = true
		go s.sweepLoop()
	}
	return nil
}

// TakeOnce は値を取り出してエントリを削除する。期限切れのエントリは見つからない扱い。
func (s *MemoryStore) TakeOnce(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	delete(s.entries, key)
	if !s.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Exists は有効なエントリが存在するかを返す。エントリは消費しない。
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && s.now().Before(e.expiresAt), nil
}

// Len は保持しているエントリ数（期限切れ未掃除分を含む）を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweeping は掃除用goroutineが動作中かを返す。
func (s *MemoryStore) Sweeping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeping
}

// Close は掃除用goroutineを停止する。以降のPutでは再起動しない。
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.sweep() {
				return
			}
		case <-s.stop:
			s.mu.Lock()
			s.sweeping = false
			s.mu.Unlock()
			return
		}
	}
}

// sweep は期限切れエントリを削除する。ストアが空になった場合はfalseを返し、
// 呼び出し元のループを終了させる。判定と停止フラグの更新は同じロック内で行う。
func (s *MemoryStore) sweep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("expired session entries removed", slog.Int("count", removed))
	}

	if len(s.entries) == 0 {
		s.sweeping = false
		return false
	}
	return true
}
