package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// REDIS_TEST_ADDR が設定されている場合のみ実行する。
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set; skipping Redis session store tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "socialauth:test:" + t.Name() + ":"
	return NewRedisStore(client, prefix)
}

func TestRedisStore_TakeOnce_ReturnsValueOnlyOnce(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "state-1", []byte("verifier"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ok, err := s.Exists(ctx, "state-1"); err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}

	got, ok, err := s.TakeOnce(ctx, "state-1")
	if err != nil || !ok {
		t.Fatalf("1回目のTakeOnce: ok=%v err=%v", ok, err)
	}
	if string(got) != "verifier" {
		t.Errorf("TakeOnce() = %q, want %q", got, "verifier")
	}

	if _, ok, err := s.TakeOnce(ctx, "state-1"); err != nil || ok {
		t.Errorf("2回目のTakeOnce: ok=%v err=%v, want not found", ok, err)
	}
}

func TestRedisStore_EntryExpires(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if _, ok, _ := s.TakeOnce(ctx, "k"); ok {
		t.Error("期限切れのエントリを返してはならない")
	}
}

func TestRedisStore_Put_InvalidTTL(t *testing.T) {
	s := NewRedisStore(nil, "")
	if err := s.Put(context.Background(), "k", []byte("v"), 0); err != ErrInvalidTTL {
		t.Errorf("expected ErrInvalidTTL, got %v", err)
	}
}
