package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/socialauth/internal/middleware"
	"github.com/hitoshi/socialauth/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 上流の生レスポンスはログにのみ残し、レスポンスには含めない。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	switch apiErr.Code {
	case model.ErrCodeCrypto:
		// 改ざんの可能性があるため再認証の案内で済ませず、必ず記録する
		logger.Error("stored credential could not be decrypted", slog.String("error", err.Error()))
	case model.ErrCodeProvider:
		logger.Error("platform request failed",
			slog.Int("upstream_status", apiErr.Status),
			slog.String("detail", apiErr.Detail),
			slog.String("error", err.Error()),
		)
	}

	middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeBadRequest, model.ErrCodeUnsupportedPlatform:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
