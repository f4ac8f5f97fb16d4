package handler

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/socialauth/internal/auth"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/provider"
)

var _ Service = (*auth.Service)(nil)

// mockService はServiceのモック実装。
type mockService struct {
	InitiateAuthFn           func(ctx context.Context, workspaceID, platform string, kind model.AccountKind, redirectURI string) (*provider.AuthRequest, error)
	HandleCallbackFn         func(ctx context.Context, platform, code, state, redirectURI string) (*provider.CallbackResult, error)
	RefreshAccountFn         func(ctx context.Context, accountID string) (*provider.TokenSet, error)
	RevokeAccessFn           func(ctx context.Context, accountID string) error
	ListAvailablePlatformsFn func() []model.Platform
	GetRequiredScopesFn      func(platform string) ([]string, error)
}

var _ Service = (*mockService)(nil)

func (m *mockService) InitiateAuth(ctx context.Context, workspaceID, platform string, kind model.AccountKind, redirectURI string) (*provider.AuthRequest, error) {
	return m.InitiateAuthFn(ctx, workspaceID, platform, kind, redirectURI)
}

func (m *mockService) HandleCallback(ctx context.Context, platform, code, state, redirectURI string) (*provider.CallbackResult, error) {
	return m.HandleCallbackFn(ctx, platform, code, state, redirectURI)
}

func (m *mockService) RefreshAccount(ctx context.Context, accountID string) (*provider.TokenSet, error) {
	return m.RefreshAccountFn(ctx, accountID)
}

func (m *mockService) RevokeAccess(ctx context.Context, accountID string) error {
	return m.RevokeAccessFn(ctx, accountID)
}

func (m *mockService) ListAvailablePlatforms() []model.Platform {
	return m.ListAvailablePlatformsFn()
}

func (m *mockService) GetRequiredScopes(platform string) ([]string, error) {
	return m.GetRequiredScopesFn(platform)
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

// newTestLogger はバッファに書き出すロガーを返す。
func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func testCallbackResult() *provider.CallbackResult {
	expires := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	return &provider.CallbackResult{
		Account: &model.Credential{
			ID:                "acc-1",
			WorkspaceID:       "ws-1",
			Platform:          model.PlatformLinkedIn,
			AccountKind:       model.AccountKindPersonal,
			ExternalAccountID: "li-user",
			DisplayName:       "Jane",
			Active:            true,
			TokenExpiresAt:    &expires,
		},
		Tokens: &provider.TokenSet{
			AccessToken:  "secret-access",
			RefreshToken: "secret-refresh",
			ExpiresAt:    &expires,
		},
	}
}
