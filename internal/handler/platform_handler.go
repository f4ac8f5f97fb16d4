package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialauth/internal/model"
)

// PlatformServiceInterface はプラットフォーム一覧ハンドラーが必要とするサービスインターフェース。
type PlatformServiceInterface interface {
	ListAvailablePlatforms() []model.Platform
	GetRequiredScopes(platform string) ([]string, error)
}

// PlatformHandler は利用可能なプラットフォームの情報を返す。
type PlatformHandler struct {
	service PlatformServiceInterface
	logger  *slog.Logger
}

// NewPlatformHandler はPlatformHandlerを生成する。
func NewPlatformHandler(service PlatformServiceInterface, logger *slog.Logger) *PlatformHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlatformHandler{service: service, logger: logger}
}

type platformsResponse struct {
	Platforms []model.Platform `json:"platforms"`
}

type scopesResponse struct {
	Platform string   `json:"platform"`
	Scopes   []string `json:"scopes"`
}

// List は登録済みのプラットフォームを返す。
// GET /api/platforms
func (h *PlatformHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, platformsResponse{Platforms: h.service.ListAvailablePlatforms()})
}

// Scopes はプラットフォームで要求するスコープを返す。
// GET /api/platforms/{platform}/scopes
func (h *PlatformHandler) Scopes(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")

	scopes, err := h.service.GetRequiredScopes(platform)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, scopesResponse{Platform: platform, Scopes: scopes})
}
