// Package session はPKCE検証子など、stateトークンに載せられないフロー単位の秘密を
// 短時間だけ保持する一回読み取り型のキーバリューストアを提供する。
package session

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL はTTLが0以下の場合に返される。
var ErrInvalidTTL = errors.New("session ttl must be positive")

// Store は有効期限付き・一回読み取りのキーバリューストア。
//
// TakeOnceは値を返すと同時にエントリを削除する。同じキーに対する2回目の呼び出しは
// putが挟まらない限り見つからない（ok=false）。
// 単一インスタンスではMemoryStore、複数インスタンス構成ではRedisStoreを使う。
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	TakeOnce(ctx context.Context, key string) (value []byte, ok bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
}
