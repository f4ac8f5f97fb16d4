package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/socialauth/internal/middleware"
)

// HealthChecker はヘルスチェックで依存先への到達性を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Service はハンドラー全体が利用するサービス。auth.Serviceが満たす。
type Service interface {
	AuthServiceInterface
	AccountServiceInterface
	PlatformServiceInterface
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	APIToken          string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// サービス
	Service    Service
	Sanitizer  Sanitizer
	AuthConfig AuthHandlerConfig

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS
//
// /auth/* にはクライアントIPごとのレート制限、/api/* にはAPIトークン検証を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Service, deps.Sanitizer, deps.AuthConfig, logger)
	accountHandler := NewAccountHandler(deps.Service, logger)
	platformHandler := NewPlatformHandler(deps.Service, logger)

	r.Get("/health", healthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// 認可フロー（ブラウザからのリダイレクトで到達するためトークン検証は行わない）
	r.Route("/auth", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/{platform}/connect", authHandler.Connect)
		r.Get("/callback/{platform}", authHandler.Callback)
	})

	// 内部API
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewAPITokenMiddleware(deps.APIToken))

		r.Get("/platforms", platformHandler.List)
		r.Get("/platforms/{platform}/scopes", platformHandler.Scopes)

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Post("/refresh", accountHandler.Refresh)
			r.Delete("/", accountHandler.Revoke)
		})
	})

	return r
}

// healthHandler はDBへの到達性を確認する。
func healthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				logger.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
