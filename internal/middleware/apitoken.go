package middleware

import (
	"net/http"
	"strings"

	"github.com/hitoshi/socialauth/internal/encryption"
	"github.com/hitoshi/socialauth/internal/model"
)

// NewAPITokenMiddleware は内部API用のBearerトークンを検証するミドルウェアを返す。
// tokenが空の場合は検証しない。比較は定数時間で行う。
func NewAPITokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, presented, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || !encryption.ConstantTimeEqual(strings.TrimSpace(presented), token) {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     model.ErrCodeUnauthorized,
					Message:  "missing or invalid API token",
					Category: "auth",
					Action:   "Send a valid bearer token in the Authorization header.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
