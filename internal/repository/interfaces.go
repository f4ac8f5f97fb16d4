// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/socialauth/internal/model"
)

// CredentialRepository は連携アカウント（暗号化済みトークン）の永続化インターフェース。
// トークンは暗号化済みの値のみを扱い、平文はこの層に渡らない。
type CredentialRepository interface {
	// Upsert は (workspace_id, platform, external_account_id) をキーに作成または更新する。
	// 既存レコードがある場合はトークン、権限、メタデータ、表示名を更新して再有効化する。
	// 戻り値はID、バージョン、作成・更新日時が確定したレコード。
	Upsert(ctx context.Context, c *model.Credential) (*model.Credential, error)

	// FindByID は指定IDのレコードを取得する。無効化済みでも返す。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Credential, error)

	// UpdateIfVersion はバージョンがexpectedVersionと一致する場合のみ更新する。
	// 更新できた場合はtrue、他の更新と競合した場合はfalseを返す。
	UpdateIfVersion(ctx context.Context, c *model.Credential, expectedVersion int64) (bool, error)

	// Deactivate は有効なレコードを無効化する。既に無効な場合は何もせずfalseを返す。
	Deactivate(ctx context.Context, id string, reason model.InactiveReason) (bool, error)

	// DeactivateExpired は期限切れの有効なレコードを一括で無効化し、対象IDを返す。
	DeactivateExpired(ctx context.Context, now time.Time) ([]string, error)

	// ListExpiring はbefore以前に期限を迎える、リフレッシュトークンを持つ有効なレコードを
	// 期限の早い順に最大limit件返す。
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Credential, error)
}

// AuditRepository は監査ログの永続化インターフェース。
type AuditRepository interface {
	// Insert は監査エントリを追加する。
	Insert(ctx context.Context, entry *model.AuditEntry) error

	// ListByAccount は指定アカウントの監査エントリを新しい順に最大limit件返す。
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*model.AuditEntry, error)
}
