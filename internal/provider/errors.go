package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/hitoshi/socialauth/internal/model"
)

// detailLimit は診断用に保持する上流レスポンス本文の最大長。
const detailLimit = 1024

var (
	errMissingAccessToken = errors.New("response is missing access_token")
	errMissingAccountID   = errors.New("response is missing account id")
)

// ClassifyHTTPStatus はプラットフォームのHTTPステータスを共通のエラー分類に変換する。
// 2xxの場合はnilを返す。
//
//	401 → Unauthorized（再認証が必要）
//	403 → Forbidden（権限不足）
//	429 → RateLimited（Retry-Afterを保持、内部ではリトライしない）
//	その他 → ProviderError（ステータスと本文を保持）
func ClassifyHTTPStatus(platform model.Platform, status int, header http.Header, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := truncateDetail(body)

	switch status {
	case http.StatusUnauthorized:
		return model.NewUnauthorizedError(platform, detail)
	case http.StatusForbidden:
		return model.NewForbiddenError(platform, nil, detail)
	case http.StatusTooManyRequests:
		return model.NewRateLimitedError(platform, retryAfter(header, time.Now()), detail)
	default:
		return model.NewProviderError(platform, status, detail, nil)
	}
}

// classifyError はトークンエンドポイントや通信のエラーを分類する。
// 既にAPIErrorの場合はそのまま返す。
func classifyError(platform model.Platform, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.AsAPIError(err); ok {
		return err
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		// invalid_grantは認可コードやリフレッシュトークンが無効になったことを示す
		if re.ErrorCode == "invalid_grant" {
			return model.NewUnauthorizedError(platform, truncateDetail(re.Body))
		}
		if classified := ClassifyHTTPStatus(platform, re.Response.StatusCode, re.Response.Header, re.Body); classified != nil {
			return classified
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderError(platform, 0, "request timed out", err)
	}
	return model.NewProviderError(platform, 0, "", err)
}

// retryAfter はRetry-Afterヘッダ（秒数またはHTTP日付）を解釈する。
// 無い場合はXのx-rate-limit-reset（UNIX秒）を参照する。
func retryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now).Round(time.Second)
		}
	}
	if v := strings.TrimSpace(header.Get("X-Rate-Limit-Reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if at := time.Unix(unix, 0); at.After(now) {
				return at.Sub(now).Round(time.Second)
			}
		}
	}
	return 0
}

// truncateDetail は本文をdetailLimitバイト以内に切り詰める。マルチバイト文字の途中では切らない。
func truncateDetail(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= detailLimit {
		return s
	}
	cut := detailLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
