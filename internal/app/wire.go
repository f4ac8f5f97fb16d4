package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/socialauth/internal/auth"
	"github.com/hitoshi/socialauth/internal/config"
	"github.com/hitoshi/socialauth/internal/credential"
	"github.com/hitoshi/socialauth/internal/encryption"
	"github.com/hitoshi/socialauth/internal/metrics"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/oauthstate"
	"github.com/hitoshi/socialauth/internal/provider"
	"github.com/hitoshi/socialauth/internal/repository"
	"github.com/hitoshi/socialauth/internal/security"
	"github.com/hitoshi/socialauth/internal/session"
)

// stateKeyPurpose はstate署名鍵を導出する際の用途ラベル。
const stateKeyPurpose = "oauth-state"

// core はserveとworkerで共有する依存関係。
type core struct {
	registry    *prometheus.Registry
	metrics     *metrics.Collector
	credentials *credential.Store
	auth        *auth.Service
	sanitizer   *security.TextSanitizer

	closers []func()
}

// Close はセッションストアなどのリソースを解放する。
func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// buildCore は設定とDB接続から全ドメインサービスをワイヤリングする。
func buildCore(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*core, error) {
	c := &core{registry: prometheus.NewRegistry()}

	// 1. メトリクス
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 2. 暗号化とstate署名鍵
	enc, err := encryption.NewService(cfg.EncryptionMasterSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	stateKey, err := enc.DeriveSubkey(stateKeyPurpose, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive state key: %w", err)
	}
	states, err := oauthstate.NewCodec(stateKey, cfg.StateTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state codec: %w", err)
	}

	// 3. PKCE検証子のセッションストア
	sessions, err := c.newSessionStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// 4. 認証情報ストア
	auditor := credential.NewRepositoryAuditor(repository.NewPostgresAuditRepo(db), logger)
	c.credentials = credential.NewStore(
		repository.NewPostgresCredentialRepo(db), enc, auditor, logger,
		credential.WithLookahead(cfg.RefreshLookahead),
	)

	// 5. プラットフォームプロバイダー
	c.sanitizer = security.NewTextSanitizer()
	deps := provider.Deps{
		States:      states,
		Sessions:    sessions,
		Credentials: c.credentials,
		HTTPClient:  security.NewOutboundGuard().NewSafeClient(cfg.OAuthHTTPTimeout),
		Redirects:   security.NewRedirectValidator(cfg.RedirectAllowedHosts),
		Sanitizer:   c.sanitizer,
		Metrics:     c.metrics,
		Logger:      logger,
		Timeout:     cfg.OAuthHTTPTimeout,
		PKCETTL:     cfg.PKCETTL,
	}

	c.auth = auth.NewService(c.credentials, c.metrics, logger)
	for platform, client := range cfg.Platforms {
		p, err := newProvider(platform, provider.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
		}, deps)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.auth.Register(p)
	}

	logger.Info("platforms registered", slog.Any("platforms", c.auth.ListAvailablePlatforms()))
	return c, nil
}

// newSessionStore はREDIS_URLが設定されていればRedis、なければプロセス内メモリのストアを返す。
func (c *core) newSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL is not set; PKCE verifiers are kept in process memory and are not shared between instances")
		store := session.NewMemoryStore(0, logger)
		c.closers = append(c.closers, store.Close)
		return store, nil
	}

	client, err := session.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.closers = append(c.closers, func() { _ = client.Close() })
	return session.NewRedisStore(client, ""), nil
}

// newProvider はプラットフォームに対応するProviderを生成する。
func newProvider(platform model.Platform, cfg provider.Config, deps provider.Deps) (provider.Provider, error) {
	switch platform {
	case model.PlatformFacebook:
		return provider.NewFacebook(cfg, deps), nil
	case model.PlatformX:
		return provider.NewX(cfg, deps), nil
	case model.PlatformLinkedIn:
		return provider.NewLinkedIn(cfg, deps), nil
	default:
		return nil, model.NewUnsupportedPlatformError(string(platform))
	}
}
