// Package oauthstate はリダイレクトを往復するOAuth stateトークンのエンコードと検証を提供する。
//
// トークンは base64url(payload) "." base64url(HMAC-SHA256(payload)) の形式で、
// サーバー側に何も保存せずに検証できる。payloadにはワークスペース、プラットフォーム、
// アカウント種別、発行時刻、呼び出しごとの乱数nonceを含む。
package oauthstate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/socialauth/internal/model"
)

// DefaultTTL はstateの有効期間。
const DefaultTTL = 10 * time.Minute

const nonceBytes = 16

// State はstateトークンに埋め込まれる情報。
type State struct {
	WorkspaceID string            `json:"w"`
	Platform    model.Platform    `json:"p"`
	AccountKind model.AccountKind `json:"k"`
	IssuedAt    int64             `json:"t"` // Unixミリ秒
	Nonce       string            `json:"n"`
}

// IssuedTime は発行時刻を返す。
func (s State) IssuedTime() time.Time {
	return time.UnixMilli(s.IssuedAt)
}

// Result はDecodeの結果。Validがfalseの場合はReasonに理由が入る。
type Result struct {
	State  State
	Valid  bool
	Reason string
}

// Codec はstateトークンの署名と検証を行う。
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec はCodecを生成する。keyには用途専用の派生鍵を渡す。
// ttlが0以下の場合はDefaultTTLを使用する。
func NewCodec(key []byte, ttl time.Duration) (*Codec, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("state signing key must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{
		key: append([]byte(nil), key...),
		ttl: ttl,
		now: time.Now,
	}, nil
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (c *Codec) SetClock(now func() time.Time) {
	c.now = now
}

// TTL はstateの有効期間を返す。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Encode は新しいstateトークンを発行する。呼び出しごとに新しいnonceを生成する。
func (c *Codec) Encode(workspaceID string, platform model.Platform, kind model.AccountKind) (string, error) {
	if workspaceID == "" {
		return "", fmt.Errorf("workspace id is required")
	}
	if platform == "" {
		return "", fmt.Errorf("platform is required")
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}

	payload, err := json.Marshal(State{
		WorkspaceID: workspaceID,
		Platform:    platform,
		AccountKind: kind,
		IssuedAt:    c.now().UnixMilli(),
		Nonce:       base64.RawURLEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(c.sign(encoded)), nil
}

// Decode はstateトークンを検証する。
// 形式不正、署名不一致、必須フィールド欠落、期限切れはすべてValid=falseで返し、エラーにはしない。
func (c *Codec) Decode(token string) Result {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return invalid("malformed state")
	}

	actual, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return invalid("malformed state signature")
	}
	if !hmac.Equal(actual, c.sign(encoded)) {
		return invalid("state signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return invalid("malformed state payload")
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return invalid("malformed state payload")
	}
	if st.WorkspaceID == "" || st.Platform == "" || st.AccountKind == "" || st.Nonce == "" || st.IssuedAt == 0 {
		return Result{State: st, Reason: "state is missing required fields"}
	}

	age := c.now().Sub(st.IssuedTime())
	if age > c.ttl {
		return Result{State: st, Reason: "state has expired"}
	}
	if age < -time.Minute {
		// 発行時刻が未来すぎるものは時計ずれの許容範囲外
		return Result{State: st, Reason: "state issued in the future"}
	}

	return Result{State: st, Valid: true}
}

// DecodeFor はDecodeに加え、stateのプラットフォームがコールバック先と一致するかを検証する。
func (c *Codec) DecodeFor(token string, platform model.Platform) Result {
	res := c.Decode(token)
	if !res.Valid {
		return res
	}
	if res.State.Platform != platform {
		return Result{State: res.State, Reason: fmt.Sprintf("state was issued for %s, not %s", res.State.Platform, platform)}
	}
	return res
}

func (c *Codec) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}

func invalid(reason string) Result {
	return Result{Reason: reason}
}
