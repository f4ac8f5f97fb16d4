// Package cleanup は認証情報の定期メンテナンスジョブを提供する。
// 期限切れのまま放置されたレコードを無効化し、保持期間を過ぎた監査ログを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/socialauth/internal/metrics"
)

// Sweeper は期限切れレコードを一括で無効化する。*credential.Storeが満たす。
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CleanupJob は期限切れレコードの無効化と監査ログの削除を行うジョブ。
// 冪等であり、対象がない場合もエラーにならない。
type CleanupJob struct {
	sweeper Sweeper
	db      Executor
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	AuditRetentionDays int // 監査ログの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// dbがnilの場合は監査ログの削除を行わない。
func NewCleanupJob(sweeper Sweeper, db Executor, collector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sweeper:            sweeper,
		db:                 db,
		metrics:            collector,
		logger:             logger,
		AuditRetentionDays: 90,
	}
}

// Run はジョブを1回実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deactivated, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("expired credential sweep failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to sweep expired credentials: %w", err)
	}
	j.metrics.RecordSweepDeactivated(deactivated)

	var purged int64
	if j.db != nil && j.AuditRetentionDays > 0 {
		purged, err = j.purgeAuditLog(ctx)
		if err != nil {
			return err
		}
	}

	j.logger.Info("cleanup job completed",
		slog.Int("deactivated_count", deactivated),
		slog.Int64("purged_audit_count", purged),
		slog.Int("audit_retention_days", j.AuditRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// purgeAuditLog は保持期間を超過した監査ログを削除する。
func (j *CleanupJob) purgeAuditLog(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d days", j.AuditRetentionDays)

	query := `DELETE FROM credential_audit_log WHERE created_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("audit log purge failed",
			slog.String("error", err.Error()),
			slog.Int("audit_retention_days", j.AuditRetentionDays),
		)
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purged row count: %w", err)
	}
	return n, nil
}

// Start は指定間隔でジョブを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup job started", slog.Duration("interval", interval))

	// 失敗はRun内でログ済み
	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
