package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialauth/internal/provider"
)

// AccountServiceInterface はアカウント操作ハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	RefreshAccount(ctx context.Context, accountID string) (*provider.TokenSet, error)
	RevokeAccess(ctx context.Context, accountID string) error
}

// AccountHandler は連携済みアカウントのHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
	logger  *slog.Logger
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{service: service, logger: logger}
}

// refreshResponse はリフレッシュ結果のAPIレスポンス。トークンは含めない。
type refreshResponse struct {
	AccountID      string     `json:"account_id"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

// Refresh はトークンを明示的にリフレッシュする。
// POST /api/accounts/{id}/refresh
func (h *AccountHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	tokens, err := h.service.RefreshAccount(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccountID:      accountID,
		TokenExpiresAt: tokens.ExpiresAt,
	})
}

// Revoke は連携を解除する。既に解除済みでも204を返す。
// DELETE /api/accounts/{id}
func (h *AccountHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	if err := h.service.RevokeAccess(r.Context(), accountID); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
