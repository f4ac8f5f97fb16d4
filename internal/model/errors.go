package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// プロバイダー起因のエラーでは診断用に上流のステータスと本文を保持する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, security, system
	Action   string // ユーザー向け対処方法

	Status        int           // 上流プラットフォームのHTTPステータス（無い場合は0）
	Detail        string        // 上流の生レスポンス（ログ用、ユーザーには返さない）
	MissingScopes []string      // Forbidden時に不足しているスコープ
	RetryAfter    time.Duration // RateLimited時の推奨待機時間
	Err           error         // 原因
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeCrypto              = "CRYPTO_ERROR"
	ErrCodeProvider            = "PROVIDER_ERROR"
	ErrCodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
)

// CodeOf はエラーチェーン中のAPIErrorのコードを返す。APIErrorが無い場合は空文字列。
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsCode はエラーチェーン中に指定コードのAPIErrorがあるかを返す。
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// AsAPIError はエラーチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NewBadRequestError は不正・期限切れ・不一致のstateやPKCE検証子の欠落などのエラーを生成する。
func NewBadRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeBadRequest,
		Message:  fmt.Sprintf("invalid authorization request: %s", reason),
		Category: "validation",
		Action:   "Please retry connecting your account.",
	}
}

// NewUnauthorizedError はプラットフォームが401を返した場合のエラーを生成する。
func NewUnauthorizedError(platform Platform, detail string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  fmt.Sprintf("%s rejected the credentials", platform),
		Category: "auth",
		Action:   "Please re-authenticate this account.",
		Status:   401,
		Detail:   detail,
	}
}

// NewForbiddenError は権限不足のエラーを生成する。missingには不足スコープを渡す。
func NewForbiddenError(platform Platform, missing []string, detail string) *APIError {
	msg := fmt.Sprintf("%s denied the request: insufficient permissions", platform)
	if len(missing) > 0 {
		msg = fmt.Sprintf("%s: missing scopes %s", msg, strings.Join(missing, ", "))
	}
	return &APIError{
		Code:          ErrCodeForbidden,
		Message:       msg,
		Category:      "auth",
		Action:        "Please reconnect the account and grant all requested permissions.",
		Status:        403,
		Detail:        detail,
		MissingScopes: append([]string(nil), missing...),
	}
}

// NewRateLimitedError はプラットフォームのレート制限エラーを生成する。内部ではリトライしない。
func NewRateLimitedError(platform Platform, retryAfter time.Duration, detail string) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    fmt.Sprintf("%s rate limit exceeded", platform),
		Category:   "provider",
		Action:     "Please wait and retry later.",
		Status:     429,
		Detail:     detail,
		RetryAfter: retryAfter,
	}
}

// NewNotFoundError は未知のアカウントやリフレッシュトークン無しのエラーを生成する。
func NewNotFoundError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found", what),
		Category: "auth",
		Action:   "Please connect the account again.",
	}
}

// NewCryptoError は暗号化・復号の失敗を表すエラーを生成する。
// 改ざんの可能性を示すため、再認証の案内で覆い隠さない。
func NewCryptoError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeCrypto,
		Message:  "stored credential could not be decrypted or verified",
		Category: "security",
		Action:   "The stored credential may have been tampered with. Contact support before reconnecting.",
		Err:      err,
	}
}

// NewProviderError は分類できない上流エラーを生成する。statusとdetailは診断用に保持する。
func NewProviderError(platform Platform, status int, detail string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeProvider,
		Message:  fmt.Sprintf("%s request failed", platform),
		Category: "provider",
		Action:   "Please try again later.",
		Status:   status,
		Detail:   detail,
		Err:      err,
	}
}

// NewUnsupportedPlatformError は未登録プラットフォームのエラーを生成する。
func NewUnsupportedPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedPlatform,
		Message:  fmt.Sprintf("platform %q is not supported", platform),
		Category: "validation",
		Action:   "Choose one of the available platforms.",
	}
}
