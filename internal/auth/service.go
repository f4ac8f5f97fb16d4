// Package auth はプラットフォーム別のProviderを束ね、外部から使う唯一の入口を提供する。
//
// 呼び出し側はプラットフォームを意識せずに「連携用URLの取得」と
// 「有効なアクセストークンの取得」を行える。
package auth

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/socialauth/internal/credential"
	"github.com/hitoshi/socialauth/internal/metrics"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/provider"
)

// outcomeSuccess はメトリクスに記録する成功時の結果ラベル。
const outcomeSuccess = "success"

// CredentialStore はServiceが利用する認証情報ストアの操作。
type CredentialStore interface {
	Record(ctx context.Context, accountID string) (*model.Credential, error)
	Fetch(ctx context.Context, accountID string) (*model.PlainCredential, error)
	NeedsRefresh(ctx context.Context, accountID string) (bool, error)
}

var _ CredentialStore = (*credential.Store)(nil)

// Service はプラットフォームごとのProviderへ処理を振り分ける。
type Service struct {
	mu        sync.RWMutex
	providers map[model.Platform]provider.Provider

	credentials CredentialStore
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	refreshes   singleflight.Group
}

// NewService はServiceを生成する。metricsがnilの場合は記録しない。
func NewService(credentials CredentialStore, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		providers:   make(map[model.Platform]provider.Provider),
		credentials: credentials,
		metrics:     collector,
		logger:      logger,
	}
}

// Register はProviderを登録する。同じプラットフォームを再登録した場合は置き換える。
func (s *Service) Register(p provider.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Platform()] = p
}

// GetProvider はプラットフォーム名に対応するProviderを返す。
// 未登録のプラットフォームの場合はUnsupportedPlatformエラーを返す。
func (s *Service) GetProvider(platform string) (provider.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[model.Platform(strings.ToLower(strings.TrimSpace(platform)))]
	if !ok {
		return nil, model.NewUnsupportedPlatformError(platform)
	}
	return p, nil
}

// InitiateAuth は認可URLとstateを生成する。
func (s *Service) InitiateAuth(ctx context.Context, workspaceID, platform string, kind model.AccountKind, redirectURI string) (*provider.AuthRequest, error) {
	p, err := s.GetProvider(platform)
	if err != nil {
		return nil, err
	}
	req, err := p.Initiate(ctx, workspaceID, kind, redirectURI)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordInitiate(string(p.Platform()))
	return req, nil
}

// HandleCallback はコールバックを処理し、連携済みアカウントを返す。
func (s *Service) HandleCallback(ctx context.Context, platform, code, state, redirectURI string) (*provider.CallbackResult, error) {
	p, err := s.GetProvider(platform)
	if err != nil {
		return nil, err
	}
	res, err := p.CompleteCallback(ctx, code, state, redirectURI)
	s.metrics.RecordCallback(string(p.Platform()), outcomeOf(err))
	if err != nil {
		s.logFailure("oauth callback failed", p.Platform(), "", err)
		return nil, err
	}
	return res, nil
}

// GetValidAccessToken は有効なアクセストークンを返す。
//
// 期限が近い場合は先にリフレッシュする。同じアカウントへの同時リフレッシュは1回にまとめる。
// リフレッシュトークンを持たないアカウントは、期限内であれば現在のトークンをそのまま返す。
// 無効化済み、期限切れ、またはリフレッシュに失敗した場合はエラーを返す。
func (s *Service) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	rec, err := s.credentials.Record(ctx, accountID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", model.NewNotFoundError("account")
	}
	if !rec.Active {
		return "", model.NewNotFoundError("active account")
	}

	need, err := s.credentials.NeedsRefresh(ctx, accountID)
	if err != nil {
		return "", err
	}
	if need && rec.HasRefreshToken() {
		if _, err := s.refresh(ctx, rec.Platform, accountID); err != nil {
			return "", err
		}
	}

	plain, err := s.credentials.Fetch(ctx, accountID)
	if err != nil {
		s.logFailure("failed to load credential", rec.Platform, accountID, err)
		return "", err
	}
	if plain == nil {
		return "", model.NewNotFoundError("active account")
	}
	token := plain.AccessToken
	plain.Scrub()
	return token, nil
}

// RefreshAccount はアカウントのトークンを明示的にリフレッシュし、更新後の期限を含むTokenSetを返す。
// 戻り値は同時に呼び出した他の呼び出し元と共有されるため、書き換えてはならない。
func (s *Service) RefreshAccount(ctx context.Context, accountID string) (*provider.TokenSet, error) {
	rec, err := s.credentials.Record(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, model.NewNotFoundError("account")
	}
	return s.refresh(ctx, rec.Platform, accountID)
}

// RevokeAccess は連携を解除する。リモートでの失効に失敗してもローカルのレコードは無効化される。
func (s *Service) RevokeAccess(ctx context.Context, accountID string) error {
	rec, err := s.credentials.Record(ctx, accountID)
	if err != nil {
		return err
	}
	if rec == nil {
		return model.NewNotFoundError("account")
	}
	p, err := s.GetProvider(string(rec.Platform))
	if err != nil {
		return err
	}
	return p.Revoke(ctx, accountID)
}

// ListAvailablePlatforms は登録済みのプラットフォームを名前順で返す。
func (s *Service) ListAvailablePlatforms() []model.Platform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	platforms := make([]model.Platform, 0, len(s.providers))
	for p := range s.providers {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// GetRequiredScopes はプラットフォームで要求するスコープを返す。
func (s *Service) GetRequiredScopes(platform string) ([]string, error) {
	p, err := s.GetProvider(platform)
	if err != nil {
		return nil, err
	}
	return p.RequiredScopes(), nil
}

// refresh はアカウント単位でリフレッシュを1本化する。
// 後から来た呼び出し元は先行するリフレッシュの結果を受け取る。
func (s *Service) refresh(ctx context.Context, platform model.Platform, accountID string) (*provider.TokenSet, error) {
	p, err := s.GetProvider(string(platform))
	if err != nil {
		return nil, err
	}

	// 先頭の呼び出し元がキャンセルしても、待っている他の呼び出し元を巻き込まない。
	// 個々のHTTP呼び出しにはProvider側でタイムアウトがかかる。
	detached := context.WithoutCancel(ctx)
	v, err, shared := s.refreshes.Do(accountID, func() (any, error) {
		tokens, err := p.Refresh(detached, accountID)
		s.metrics.RecordRefresh(string(platform), outcomeOf(err))
		if err != nil {
			s.logFailure("token refresh failed", platform, accountID, err)
			return nil, err
		}
		s.logger.Info("token refreshed",
			slog.String("account_id", accountID),
			slog.String("platform", string(platform)),
		)
		return tokens, nil
	})
	if shared {
		s.logger.Debug("joined in-flight refresh", slog.String("account_id", accountID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*provider.TokenSet), nil
}

// logFailure はエラー分類に応じたレベルで失敗を記録する。
// CryptoErrorは改ざんの可能性があるためErrorで残す。
func (s *Service) logFailure(msg string, platform model.Platform, accountID string, err error) {
	attrs := []any{
		slog.String("platform", string(platform)),
		slog.String("error_code", model.CodeOf(err)),
		slog.String("error", err.Error()),
	}
	if accountID != "" {
		attrs = append(attrs, slog.String("account_id", accountID))
	}
	switch model.CodeOf(err) {
	case model.ErrCodeCrypto, model.ErrCodeProvider, "":
		s.logger.Error(msg, attrs...)
	default:
		s.logger.Warn(msg, attrs...)
	}
}

// outcomeOf はエラーをメトリクスの結果ラベルに変換する。
func outcomeOf(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	if code := model.CodeOf(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}
