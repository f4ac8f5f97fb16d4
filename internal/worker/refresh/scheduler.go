// Package refresh は期限が近いトークンのバックグラウンドリフレッシュを提供する。
// スケジューラとリトライ/バックオフ戦略を含む。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/provider"
)

// ExpiringLister はリフレッシュ対象のレコードを返す。*credential.Storeが満たす。
type ExpiringLister interface {
	ListExpiring(ctx context.Context, limit int) ([]*model.Credential, error)
}

// Refresher は1アカウントのリフレッシュを実行する。*auth.Serviceが満たす。
type Refresher interface {
	RefreshAccount(ctx context.Context, accountID string) (*provider.TokenSet, error)
}

// Scheduler は期限が近いアカウントを定期的にリフレッシュする。
// 並列数を制限し、失敗したアカウントには指数バックオフを適用する。
// 同じアカウントへの同時リフレッシュはRefresher側でまとめられる。
type Scheduler struct {
	lister         ExpiringLister
	refresher      Refresher
	logger         *slog.Logger
	maxConcurrency int
	batchSize      int
	now            func() time.Time

	mu      sync.Mutex
	retries map[string]*retryState
}

// NewScheduler はSchedulerを生成する。
// maxConcurrencyが0以下の場合は5、batchSizeが0以下の場合は100を使用する。
func NewScheduler(lister ExpiringLister, refresher Refresher, logger *slog.Logger, maxConcurrency, batchSize int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		lister:         lister,
		refresher:      refresher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchSize:      batchSize,
		now:            time.Now,
		retries:        make(map[string]*retryState),
	}
}

// Start は指定間隔でスケジューラを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("refresh scheduler started",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
		slog.Int("batch_size", s.batchSize),
	)

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("refresh cycle failed", slog.String("error", err.Error()))
	}
}

// CycleStats は1サイクルの結果。
type CycleStats struct {
	Candidates int
	Refreshed  int
	Failed     int
	Skipped    int // バックオフ中のため見送った件数
}

// RunOnce は期限が近いアカウントを1回取得し、並列でリフレッシュする。
// バックオフ中のアカウントの分だけ多めに取得し、最大batchSize件を実行する。
// 個々のリフレッシュ失敗はサイクル全体のエラーにしない。
func (s *Scheduler) RunOnce(ctx context.Context) (CycleStats, error) {
	start := time.Now()

	accounts, err := s.lister.ListExpiring(ctx, s.batchSize+s.held())
	if err != nil {
		return CycleStats{}, err
	}
	stats := CycleStats{Candidates: len(accounts)}
	if len(accounts) == 0 {
		s.logger.Debug("no accounts due for refresh")
		return stats, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.maxConcurrency)

	dispatched := 0
	for _, acc := range accounts {
		if dispatched >= s.batchSize {
			break
		}
		if !s.due(acc.ID) {
			stats.Skipped++
			continue
		}
		dispatched++
		g.Go(func() error {
			_, err := s.refresher.RefreshAccount(ctx, acc.ID)
			s.recordResult(acc, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
			} else {
				stats.Refreshed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("refresh cycle completed",
		slog.Int("candidates", stats.Candidates),
		slog.Int("refreshed", stats.Refreshed),
		slog.Int("failed", stats.Failed),
		slog.Int("skipped", stats.Skipped),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return stats, nil
}

// held はバックオフ中のアカウント数を返す。
// 再試行時刻からstopHold以上経っても再実行されていない状態は対象外になったとみなして捨てる。
func (s *Scheduler) held() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, st := range s.retries {
		switch {
		case now.Before(st.nextAttempt):
			n++
		case now.Sub(st.nextAttempt) > stopHold:
			delete(s.retries, id)
		}
	}
	return n
}

// due はアカウントがバックオフ中でないかを返す。
func (s *Scheduler) due(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retries[accountID]
	return !ok || !s.now().Before(st.nextAttempt)
}

// recordResult は結果に応じてバックオフ状態を更新する。
func (s *Scheduler) recordResult(acc *model.Credential, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.retries, acc.ID)
		return
	}

	st, ok := s.retries[acc.ID]
	if !ok {
		st = &retryState{}
		s.retries[acc.ID] = st
	}
	delay := nextDelay(err, st.consecutiveErrors)
	st.consecutiveErrors++
	st.nextAttempt = s.now().Add(delay)

	level := slog.LevelWarn
	if Classify(err) == ResultStop {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "scheduled refresh failed",
		slog.String("account_id", acc.ID),
		slog.String("platform", string(acc.Platform)),
		slog.String("error_code", model.CodeOf(err)),
		slog.Int("consecutive_errors", st.consecutiveErrors),
		slog.Duration("retry_in", delay),
	)
}
