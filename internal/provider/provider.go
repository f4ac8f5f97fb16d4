// Package provider はプラットフォームごとのOAuthフロー（開始、コールバック、リフレッシュ、失効）を実装する。
//
// 各プラットフォームはProviderインターフェースを満たし、state検証、PKCE、トークン交換、
// エラー分類といった共通処理はflowにまとめている。
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/socialauth/internal/credential"
	"github.com/hitoshi/socialauth/internal/metrics"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/oauthstate"
	"github.com/hitoshi/socialauth/internal/session"
)

const (
	// DefaultTimeout はプラットフォームへの1回の呼び出しに許す最大時間。
	DefaultTimeout = 10 * time.Second
	// DefaultPKCETTL はPKCE検証子を保持する時間。stateの有効期間に合わせる。
	DefaultPKCETTL = 10 * time.Minute
	// MaxResponseSize はプラットフォームAPIレスポンスの最大読み取りサイズ。
	MaxResponseSize = 1 << 20
)

// Provider はプラットフォームごとのOAuthフローを表す。
type Provider interface {
	// Platform はこのProviderが扱うプラットフォームを返す。
	Platform() model.Platform

	// Initiate は認可URLとstateを生成する。PKCEを使うプラットフォームでは
	// 検証子をセッションストアに保存し、URLにはチャレンジのみを載せる。
	Initiate(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string) (*AuthRequest, error)

	// CompleteCallback はstateを検証して認可コードをトークンに交換し、
	// アカウント情報を取得して認証情報を保存する。
	CompleteCallback(ctx context.Context, code, state, redirectURI string) (*CallbackResult, error)

	// Refresh は保存済みのリフレッシュトークンでアクセストークンを更新する。
	Refresh(ctx context.Context, accountID string) (*TokenSet, error)

	// Revoke はリモートでの失効をベストエフォートで試み、結果に関わらずローカルのレコードを無効化する。
	Revoke(ctx context.Context, accountID string) error

	// GetAccountInfo はアクセストークンの持ち主のアカウント情報を取得する。
	// 組織系の種別ではページ/組織の一覧もメタデータに含める。
	GetAccountInfo(ctx context.Context, accessToken string, kind model.AccountKind) (*AccountInfo, error)

	// RequiredScopes はこのプラットフォームで要求するスコープの一覧を返す。
	RequiredScopes() []string

	// ValidatePermissions は必須スコープがすべて付与されている場合にtrueを返す。
	ValidatePermissions(granted []string) bool
}

// AuthRequest は認可フロー開始時の戻り値。
type AuthRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// TokenSet は交換またはリフレッシュで得たトークン。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// Scrub はトークンを上書きする。model.PlainCredential.Scrubと同じくベストエフォート。
func (t *TokenSet) Scrub() {
	if t == nil {
		return
	}
	t.AccessToken = ""
	t.RefreshToken = ""
}

// AccountInfo はプラットフォームから取得したアカウント情報。
type AccountInfo struct {
	ExternalID  string
	DisplayName string
	Permissions []string
	Metadata    map[string]any
}

// CallbackResult はコールバック完了時の戻り値。
type CallbackResult struct {
	Account *model.Credential
	Tokens  *TokenSet
}

// RedirectValidator はリダイレクトURIを検証する。*security.RedirectValidator が満たす。
type RedirectValidator interface {
	Validate(rawURL string) error
}

// Sanitizer はプラットフォームから受け取った文字列を整形する。*security.TextSanitizer が満たす。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Config はプラットフォームのクライアント資格情報とエンドポイント。
// エンドポイントが空の場合は各プラットフォームの既定値を使う。テストではhttptestのURLを渡す。
type Config struct {
	ClientID     string
	ClientSecret string

	AuthURL    string
	TokenURL   string
	APIBaseURL string
	RevokeURL  string
}

// Deps は全プラットフォームで共有する依存。
type Deps struct {
	States      *oauthstate.Codec
	Sessions    session.Store
	Credentials *credential.Store

	// HTTPClient はプラットフォームへの呼び出しに使う。本番ではsecurity.OutboundGuardのクライアントを渡す。
	HTTPClient *http.Client
	Redirects  RedirectValidator
	Sanitizer  Sanitizer
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger

	Timeout time.Duration
	PKCETTL time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.PKCETTL <= 0 {
		d.PKCETTL = DefaultPKCETTL
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: d.Timeout}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sanitizer == nil {
		d.Sanitizer = passthrough{}
	}
	return d
}

type passthrough struct{}

func (passthrough) Sanitize(raw string) string { return raw }
