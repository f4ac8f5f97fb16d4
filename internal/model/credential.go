// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Platform は連携先ソーシャルプラットフォームの識別子。
type Platform string

const (
	PlatformFacebook Platform = "facebook"
	PlatformX        Platform = "x"
	PlatformLinkedIn Platform = "linkedin"
)

// ParsePlatform は文字列をPlatformに変換する。未知の値はエラーを返す。
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformFacebook, PlatformX, PlatformLinkedIn:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform: %q", s)
	}
}

// AccountKind は保存した認証情報がどの主体として投稿するかを表す。
type AccountKind string

const (
	AccountKindPersonal AccountKind = "personal"
	AccountKindBusiness AccountKind = "business"
	AccountKindPage     AccountKind = "page"
)

// ParseAccountKind は文字列をAccountKindに変換する。空文字列はpersonalとして扱う。
func ParseAccountKind(s string) (AccountKind, error) {
	switch k := AccountKind(s); k {
	case "":
		return AccountKindPersonal, nil
	case AccountKindPersonal, AccountKindBusiness, AccountKindPage:
		return k, nil
	default:
		return "", fmt.Errorf("unknown account kind: %q", s)
	}
}

// IsOrganizational はページ/組織の探索が必要な種別かを返す。
func (k AccountKind) IsOrganizational() bool {
	return k == AccountKindBusiness || k == AccountKindPage
}

// Credential は永続化される連携アカウントのレコード。
// トークンは暗号化済みの値のみを保持する。
// (workspace_id, platform, external_account_id) で一意。
type Credential struct {
	ID                    string
	WorkspaceID           string
	Platform              Platform
	AccountKind           AccountKind
	ExternalAccountID     string
	DisplayName           string
	EncryptedAccessToken  string
	EncryptedRefreshToken string // リフレッシュトークンが無い場合は空
	TokenExpiresAt        *time.Time
	Active                bool
	InactiveReason        InactiveReason // Active=falseの場合のみ設定
	Permissions           []string
	Metadata              map[string]any
	Version               int64 // 楽観的排他制御用
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// InactiveReason はレコードが無効化された理由。
type InactiveReason string

const (
	// InactiveRevoked は利用者による連携解除。リフレッシュでは復帰しない。
	InactiveRevoked InactiveReason = "revoked"
	// InactiveExpired は期限切れ掃除による無効化。リフレッシュに成功すれば復帰する。
	InactiveExpired InactiveReason = "expired"
)

// Refreshable はリフレッシュによってACTIVEへ戻せる状態かを返す。
func (c *Credential) Refreshable() bool {
	if !c.HasRefreshToken() {
		return false
	}
	return c.Active || c.InactiveReason == InactiveExpired
}

// HasRefreshToken は暗号化済みリフレッシュトークンを保持しているかを返す。
func (c *Credential) HasRefreshToken() bool {
	return c.EncryptedRefreshToken != ""
}

// PlainCredential は復号済みの認証情報。API呼び出しやリフレッシュの間だけ存在する。
// 使用後はScrubで上書きすること。
type PlainCredential struct {
	AccountID         string
	Platform          Platform
	AccessToken       string
	RefreshToken      string
	ExpiresAt         *time.Time
	Scopes            []string
	ExternalAccountID string
	DisplayName       string
	Metadata          map[string]any
}

// Scrub はトークンフィールドを上書きしてから参照を外す。
//
// Goの文字列はイミュータブルで、GCやコピーされた中間文字列までは消去できない。
// ここで行うのはベストエフォートの消去であり、メモリ上から平文が消えることの保証ではない。
func (p *PlainCredential) Scrub() {
	if p == nil {
		return
	}
	p.AccessToken = ""
	p.RefreshToken = ""
	p.ExpiresAt = nil
	p.Scopes = nil
	p.Metadata = nil
}

// CredentialUpdate はUpdateで部分更新するフィールド。nilのフィールドは変更しない。
type CredentialUpdate struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
	ClearExpiry  bool
	Scopes       []string
	DisplayName  *string
	Metadata     map[string]any
	Reactivate   bool // 期限切れで無効化されたレコードを有効に戻す
}

// AuditOperation は監査ログに記録する操作種別。
type AuditOperation string

const (
	AuditOperationStore   AuditOperation = "store"
	AuditOperationUpdate  AuditOperation = "update"
	AuditOperationRevoke  AuditOperation = "revoke"
	AuditOperationSweep   AuditOperation = "sweep"
	AuditOperationRefresh AuditOperation = "refresh"
)

// AuditEntry は認証情報に対する変更操作の記録。
type AuditEntry struct {
	ID        string
	AccountID string
	Operation AuditOperation
	Outcome   string // "success" / "failure" / "noop"
	Detail    string
	CreatedAt time.Time
}

// AccountSummary はAPIレスポンスで返す連携アカウントの概要。トークンは含まない。
type AccountSummary struct {
	ID                string         `json:"id"`
	WorkspaceID       string         `json:"workspace_id"`
	Platform          Platform       `json:"platform"`
	AccountKind       AccountKind    `json:"account_kind"`
	ExternalAccountID string         `json:"external_account_id"`
	DisplayName       string         `json:"display_name"`
	Permissions       []string       `json:"permissions"`
	TokenExpiresAt    *time.Time     `json:"token_expires_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Summary はCredentialからトークンを除いた概要を生成する。
func (c *Credential) Summary() AccountSummary {
	return AccountSummary{
		ID:                c.ID,
		WorkspaceID:       c.WorkspaceID,
		Platform:          c.Platform,
		AccountKind:       c.AccountKind,
		ExternalAccountID: c.ExternalAccountID,
		DisplayName:       c.DisplayName,
		Permissions:       append([]string(nil), c.Permissions...),
		TokenExpiresAt:    c.TokenExpiresAt,
		Metadata:          c.Metadata,
	}
}
