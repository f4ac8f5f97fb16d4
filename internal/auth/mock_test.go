package auth

import (
	"context"
	"sync"

	"github.com/hitoshi/socialauth/internal/metrics"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/provider"
)

// --- モック定義 ---

type mockProvider struct {
	platform             model.Platform
	scopes               []string
	initiateFunc         func(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string) (*provider.AuthRequest, error)
	completeCallbackFunc func(ctx context.Context, code, state, redirectURI string) (*provider.CallbackResult, error)
	refreshFunc          func(ctx context.Context, accountID string) (*provider.TokenSet, error)
	revokeFunc           func(ctx context.Context, accountID string) error
	getAccountInfoFunc   func(ctx context.Context, accessToken string, kind model.AccountKind) (*provider.AccountInfo, error)
}

var _ provider.Provider = (*mockProvider)(nil)

func (m *mockProvider) Platform() model.Platform { return m.platform }

func (m *mockProvider) Initiate(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string) (*provider.AuthRequest, error) {
	if m.initiateFunc != nil {
		return m.initiateFunc(ctx, workspaceID, kind, redirectURI)
	}
	return &provider.AuthRequest{URL: "https://example.com/auth", State: "state"}, nil
}

func (m *mockProvider) CompleteCallback(ctx context.Context, code, state, redirectURI string) (*provider.CallbackResult, error) {
	if m.completeCallbackFunc != nil {
		return m.completeCallbackFunc(ctx, code, state, redirectURI)
	}
	return nil, nil
}

func (m *mockProvider) Refresh(ctx context.Context, accountID string) (*provider.TokenSet, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, accountID)
	}
	return &provider.TokenSet{}, nil
}

func (m *mockProvider) Revoke(ctx context.Context, accountID string) error {
	if m.revokeFunc != nil {
		return m.revokeFunc(ctx, accountID)
	}
	return nil
}

func (m *mockProvider) GetAccountInfo(ctx context.Context, accessToken string, kind model.AccountKind) (*provider.AccountInfo, error) {
	if m.getAccountInfoFunc != nil {
		return m.getAccountInfoFunc(ctx, accessToken, kind)
	}
	return nil, nil
}

func (m *mockProvider) RequiredScopes() []string { return append([]string(nil), m.scopes...) }

func (m *mockProvider) ValidatePermissions(granted []string) bool {
	return len(provider.MissingScopes(m.scopes, granted)) == 0
}

type mockCredentialStore struct {
	recordFunc       func(ctx context.Context, accountID string) (*model.Credential, error)
	fetchFunc        func(ctx context.Context, accountID string) (*model.PlainCredential, error)
	needsRefreshFunc func(ctx context.Context, accountID string) (bool, error)
}

var _ CredentialStore = (*mockCredentialStore)(nil)

func (m *mockCredentialStore) Record(ctx context.Context, accountID string) (*model.Credential, error) {
	if m.recordFunc != nil {
		return m.recordFunc(ctx, accountID)
	}
	return nil, nil
}

func (m *mockCredentialStore) Fetch(ctx context.Context, accountID string) (*model.PlainCredential, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, accountID)
	}
	return nil, nil
}

func (m *mockCredentialStore) NeedsRefresh(ctx context.Context, accountID string) (bool, error) {
	if m.needsRefreshFunc != nil {
		return m.needsRefreshFunc(ctx, accountID)
	}
	return false, nil
}

// recordingMetrics は記録された呼び出しを保持する。
type recordingMetrics struct {
	metrics.Nop
	mu        sync.Mutex
	initiates []string
	callbacks []string
	refreshes []string
}

var _ metrics.MetricsCollector = (*recordingMetrics)(nil)

func (r *recordingMetrics) RecordInitiate(platform string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initiates = append(r.initiates, platform)
}

func (r *recordingMetrics) RecordCallback(platform, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, platform+"/"+outcome)
}

func (r *recordingMetrics) RecordRefresh(platform, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, platform+"/"+outcome)
}

// activeRecord はテスト用の有効なレコードを返す。
func activeRecord(platform model.Platform, withRefresh bool) *model.Credential {
	c := &model.Credential{
		ID:                   "acc-1",
		WorkspaceID:          "ws1",
		Platform:             platform,
		AccountKind:          model.AccountKindPersonal,
		EncryptedAccessToken: "enc-access",
		Active:               true,
	}
	if withRefresh {
		c.EncryptedRefreshToken = "enc-refresh"
	}
	return c
}
