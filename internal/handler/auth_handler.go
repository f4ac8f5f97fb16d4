// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/provider"
	"github.com/hitoshi/socialauth/internal/security"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	InitiateAuth(ctx context.Context, workspaceID, platform string, kind model.AccountKind, redirectURI string) (*provider.AuthRequest, error)
	HandleCallback(ctx context.Context, platform, code, state, redirectURI string) (*provider.CallbackResult, error)
}

// Sanitizer はプラットフォームから受け取った文字列を無害化する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はredirect_uri省略時のコールバックURLの組み立てに使う。
	BaseURL string
}

// AuthHandler はOAuth認可フローのHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	sanitizer Sanitizer
	config    AuthHandlerConfig
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sanitizer Sanitizer, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &AuthHandler{
		service:   service,
		sanitizer: sanitizer,
		config:    config,
		logger:    logger,
	}
}

// Connect は認可フローを開始する。
// GET /auth/{platform}/connect?workspace_id=&account_kind=&redirect_uri=
//
// 通常はプラットフォームの認可画面へ302でリダイレクトする。
// Accept: application/json の場合は {url, state} を返す。
func (h *AuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	q := r.URL.Query()

	kind, err := model.ParseAccountKind(q.Get("account_kind"))
	if err != nil {
		handleServiceError(w, h.logger, model.NewBadRequestError(err.Error()))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = h.callbackURL(platform)
	}

	req, err := h.service.InitiateAuth(r.Context(), q.Get("workspace_id"), platform, kind, redirectURI)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, req)
		return
	}
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// Callback はプラットフォームからのコールバックを処理する。
// GET /auth/callback/{platform}?code=&state=&error=&error_description=&redirect_uri=
//
// 成功時は連携したアカウントの概要を返す。トークンはレスポンスに含めない。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	q := r.URL.Query()

	// 利用者が認可を拒否した場合など。交換は行わない。
	if errCode := q.Get("error"); errCode != "" {
		reason := h.sanitizer.Sanitize(q.Get("error_description"))
		if reason == "" {
			reason = h.sanitizer.Sanitize(errCode)
		}
		h.logger.Warn("platform returned authorization error",
			slog.String("platform", platform),
			slog.String("error", h.sanitizer.Sanitize(errCode)),
		)
		handleServiceError(w, h.logger, model.NewBadRequestError("authorization was not granted: "+reason))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = h.callbackURL(platform)
	}

	res, err := h.service.HandleCallback(r.Context(), platform, q.Get("code"), q.Get("state"), redirectURI)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	res.Tokens.Scrub()

	writeJSON(w, http.StatusOK, res.Account.Summary())
}

// callbackURL はこのサービスのコールバックURLを返す。
func (h *AuthHandler) callbackURL(platform string) string {
	return strings.TrimRight(h.config.BaseURL, "/") + "/auth/callback/" + strings.ToLower(platform)
}

// wantsJSON はAcceptヘッダーがJSONを要求しているかを返す。
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
