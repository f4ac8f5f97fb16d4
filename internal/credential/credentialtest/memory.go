// Package credentialtest はテスト用のインメモリリポジトリを提供する。
package credentialtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/repository"
)

// MemoryRepository はCredentialRepositoryのインメモリ実装。
// Postgres実装と同じupsertキー、バージョン検査、無効化の意味論を持つ。
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*model.Credential

	// BeforeUpdate が設定されている場合、UpdateIfVersionのバージョン検査前に呼ばれる。
	// 競合の再現に使う。
	BeforeUpdate func(id string)
	// Err が設定されている場合、全操作がこのエラーを返す。
	Err error
}

var _ repository.CredentialRepository = (*MemoryRepository)(nil)

// NewMemoryRepository はMemoryRepositoryを生成する。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*model.Credential)}
}

// Len は保存されているレコード数を返す。
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Get はレコードのコピーを返す。
func (r *MemoryRepository) Get(id string) *model.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.records[id]
	if !ok {
		return nil
	}
	return clone(c)
}

// Put はレコードを直接書き込む。
func (r *MemoryRepository) Put(c *model.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	r.records[c.ID] = clone(c)
}

func (r *MemoryRepository) Upsert(_ context.Context, c *model.Credential) (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}

	now := time.Now().UTC()
	for _, existing := range r.records {
		if existing.WorkspaceID == c.WorkspaceID && existing.Platform == c.Platform && existing.ExternalAccountID == c.ExternalAccountID {
			refresh := c.EncryptedRefreshToken
			if refresh == "" {
				refresh = existing.EncryptedRefreshToken
			}
			existing.AccountKind = c.AccountKind
			existing.DisplayName = c.DisplayName
			existing.EncryptedAccessToken = c.EncryptedAccessToken
			existing.EncryptedRefreshToken = refresh
			existing.TokenExpiresAt = c.TokenExpiresAt
			existing.Active = true
			existing.InactiveReason = ""
			existing.Permissions = append([]string(nil), c.Permissions...)
			existing.Metadata = c.Metadata
			existing.Version++
			existing.UpdatedAt = now
			return clone(existing), nil
		}
	}

	stored := clone(c)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Active = true
	stored.InactiveReason = ""
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.records[stored.ID] = stored
	return clone(stored), nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	c, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	return clone(c), nil
}

func (r *MemoryRepository) UpdateIfVersion(_ context.Context, c *model.Credential, expectedVersion int64) (bool, error) {
	if hook := r.BeforeUpdate; hook != nil {
		hook(c.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	existing, ok := r.records[c.ID]
	if !ok || existing.Version != expectedVersion {
		return false, nil
	}
	next := clone(c)
	next.Version = expectedVersion + 1
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	r.records[c.ID] = next
	return true, nil
}

func (r *MemoryRepository) Deactivate(_ context.Context, id string, reason model.InactiveReason) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	c, ok := r.records[id]
	if !ok || !c.Active {
		return false, nil
	}
	c.Active = false
	c.InactiveReason = reason
	c.Version++
	return true, nil
}

func (r *MemoryRepository) DeactivateExpired(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var ids []string
	for id, c := range r.records {
		if c.Active && c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now) {
			c.Active = false
			c.InactiveReason = model.InactiveExpired
			c.Version++
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) ListExpiring(_ context.Context, before time.Time, limit int) ([]*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []*model.Credential
	for _, c := range r.records {
		if c.Active && c.HasRefreshToken() && c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(before) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(*out[j].TokenExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(c *model.Credential) *model.Credential {
	cp := *c
	cp.Permissions = append([]string(nil), c.Permissions...)
	if c.TokenExpiresAt != nil {
		t := *c.TokenExpiresAt
		cp.TokenExpiresAt = &t
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AuditLog は記録された監査エントリを保持するAuditor。
type AuditLog struct {
	mu      sync.Mutex
	Entries []model.AuditEntry
}

// Record はエントリを追加する。
func (a *AuditLog) Record(_ context.Context, entry model.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Entries = append(a.Entries, entry)
}

// Operations は記録された操作を "operation:outcome" 形式で返す。
func (a *AuditLog) Operations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Entries))
	for i, e := range a.Entries {
		out[i] = fmt.Sprintf("%s:%s", e.Operation, e.Outcome)
	}
	return out
}
