package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/socialauth/internal/model"
)

const credentialColumns = `id, workspace_id, platform, account_kind, external_account_id, display_name,
	encrypted_access_token, encrypted_refresh_token, token_expires_at, active, inactive_reason,
	permissions, metadata, version, created_at, updated_at`

// PostgresCredentialRepo はPostgreSQLを使用した連携アカウントリポジトリ。
type PostgresCredentialRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db, now: time.Now}
}

// Upsert は連携アカウントを作成または更新する。
// 新しいリフレッシュトークンが無い場合は既存の値を維持する。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, c *model.Credential) (*model.Credential, error) {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := r.now().UTC()

	stored := *c
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO social_accounts (id, workspace_id, platform, account_kind, external_account_id, display_name,
			encrypted_access_token, encrypted_refresh_token, token_expires_at, active, inactive_reason,
			permissions, metadata, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, NULL, $10, $11, 1, $12, $12)
		 ON CONFLICT (workspace_id, platform, external_account_id) DO UPDATE SET
			account_kind = EXCLUDED.account_kind,
			display_name = EXCLUDED.display_name,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = COALESCE(EXCLUDED.encrypted_refresh_token, social_accounts.encrypted_refresh_token),
			token_expires_at = EXCLUDED.token_expires_at,
			active = TRUE,
			inactive_reason = NULL,
			permissions = EXCLUDED.permissions,
			metadata = EXCLUDED.metadata,
			version = social_accounts.version + 1,
			updated_at = EXCLUDED.updated_at
		 RETURNING id, encrypted_refresh_token, version, created_at, updated_at`,
		id, c.WorkspaceID, string(c.Platform), string(c.AccountKind), c.ExternalAccountID, c.DisplayName,
		c.EncryptedAccessToken, nullString(c.EncryptedRefreshToken), nullTime(c.TokenExpiresAt),
		permissionsArray(c.Permissions), metadata, now,
	).Scan(&stored.ID, (*nullableString)(&stored.EncryptedRefreshToken), &stored.Version, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert social account: %w", err)
	}

	stored.Active = true
	stored.InactiveReason = ""
	return &stored, nil
}

// FindByID は指定IDの連携アカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, id string) (*model.Credential, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM social_accounts WHERE id = $1`,
		id,
	)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find social account by ID: %w", err)
	}
	return c, nil
}

// UpdateIfVersion はバージョンが一致する場合のみトークンと付随情報を更新する。
func (r *PostgresCredentialRepo) UpdateIfVersion(ctx context.Context, c *model.Credential, expectedVersion int64) (bool, error) {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE social_accounts SET
			display_name = $2,
			encrypted_access_token = $3,
			encrypted_refresh_token = $4,
			token_expires_at = $5,
			active = $6,
			inactive_reason = $7,
			permissions = $8,
			metadata = $9,
			version = version + 1,
			updated_at = $10
		 WHERE id = $1 AND version = $11`,
		c.ID, c.DisplayName, c.EncryptedAccessToken, nullString(c.EncryptedRefreshToken),
		nullTime(c.TokenExpiresAt), c.Active, nullString(string(c.InactiveReason)),
		permissionsArray(c.Permissions), metadata, r.now().UTC(), expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update social account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// Deactivate は有効なレコードを無効化する。既に無効、または存在しない場合はfalseを返す。
func (r *PostgresCredentialRepo) Deactivate(ctx context.Context, id string, reason model.InactiveReason) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE social_accounts SET active = FALSE, inactive_reason = $2, version = version + 1, updated_at = $3
		 WHERE id = $1 AND active`,
		id, string(reason), r.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate social account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeactivateExpired は期限切れの有効なレコードを一括で無効化する。
func (r *PostgresCredentialRepo) DeactivateExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE social_accounts SET active = FALSE, inactive_reason = $2, version = version + 1, updated_at = $1
		 WHERE active AND token_expires_at IS NOT NULL AND token_expires_at <= $1
		 RETURNING id`,
		now.UTC(), string(model.InactiveExpired),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate expired social accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deactivated account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deactivated account ids: %w", err)
	}
	return ids, nil
}

// ListExpiring はリフレッシュ対象のレコードを期限の早い順に取得する。
// 部分インデックス (token_expires_at) WHERE active を利用する。
func (r *PostgresCredentialRepo) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM social_accounts
		 WHERE active AND token_expires_at IS NOT NULL AND token_expires_at <= $1
		   AND encrypted_refresh_token IS NOT NULL
		 ORDER BY token_expires_at ASC
		 LIMIT $2`,
		before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring social accounts: %w", err)
	}
	defer rows.Close()

	var out []*model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan social account: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate social accounts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	var (
		c              model.Credential
		platform, kind string
		refresh        sql.NullString
		expiresAt      sql.NullTime
		reason         sql.NullString
		metadata       []byte
	)
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &platform, &kind, &c.ExternalAccountID, &c.DisplayName,
		&c.EncryptedAccessToken, &refresh, &expiresAt, &c.Active, &reason,
		pq.Array(&c.Permissions), &metadata, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Platform = model.Platform(platform)
	c.AccountKind = model.AccountKind(kind)
	c.EncryptedRefreshToken = refresh.String
	c.InactiveReason = model.InactiveReason(reason.String)
	if expiresAt.Valid {
		t := expiresAt.Time
		c.TokenExpiresAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &c, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

// permissionsArray はNOT NULL制約のため、nilを空配列として渡す。
func permissionsArray(p []string) any {
	if p == nil {
		p = []string{}
	}
	return pq.Array(p)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullableString はNULLを空文字列として読み込む。
type nullableString string

func (s *nullableString) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*s = nullableString(ns.String)
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
