package refresh

import (
	"time"

	"github.com/hitoshi/socialauth/internal/model"
)

// Result はリフレッシュ失敗の分類。
type Result int

const (
	// ResultStop は再認証が必要なため自動リフレッシュを止める失敗（401/403/404/復号失敗）。
	ResultStop Result = iota
	// ResultBackoff は時間をおいて再試行する失敗（429/5xx/通信エラー）。
	ResultBackoff
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = time.Hour
	// stopHold は停止扱いにしたアカウントを再び候補に戻すまでの時間。
	stopHold = 24 * time.Hour
)

// Classify はリフレッシュのエラーを分類する。
func Classify(err error) Result {
	switch model.CodeOf(err) {
	case model.ErrCodeUnauthorized, model.ErrCodeForbidden, model.ErrCodeNotFound, model.ErrCodeCrypto:
		return ResultStop
	default:
		return ResultBackoff
	}
}

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// retryState はアカウントごとの失敗状況。
type retryState struct {
	consecutiveErrors int
	nextAttempt       time.Time
}

// nextDelay は失敗後に次の試行までおく時間を返す。
// プラットフォームがRetry-Afterを返した場合はそれより早くは再試行しない。
func nextDelay(err error, consecutiveErrors int) time.Duration {
	if Classify(err) == ResultStop {
		return stopHold
	}
	delay := CalculateBackoff(consecutiveErrors)
	if apiErr, ok := model.AsAPIError(err); ok && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}
	return delay
}
