package credential

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/repository"
)

// 監査結果
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoop    = "noop"
)

const auditTimeout = 5 * time.Second

// Auditor は認証情報に対する変更操作を記録する。
// 記録の失敗は呼び出し元に返さない。
type Auditor interface {
	Record(ctx context.Context, entry model.AuditEntry)
}

// RepositoryAuditor はAuditRepositoryに書き込むAuditor。
// 書き込みに失敗した場合は警告ログのみ出力する。
type RepositoryAuditor struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// NewRepositoryAuditor はRepositoryAuditorを生成する。
func NewRepositoryAuditor(repo repository.AuditRepository, logger *slog.Logger) *RepositoryAuditor {
	return &RepositoryAuditor{repo: repo, logger: logger}
}

// Record は監査エントリを書き込む。
// 呼び出し元のコンテキストがキャンセルされても記録できるよう、キャンセルを切り離す。
func (a *RepositoryAuditor) Record(ctx context.Context, entry model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := a.repo.Insert(ctx, &entry); err != nil {
		a.logger.Warn("failed to write audit entry",
			slog.String("account_id", entry.AccountID),
			slog.String("operation", string(entry.Operation)),
			slog.String("outcome", entry.Outcome),
			slog.String("error", err.Error()),
		)
	}
}

// NopAuditor は何も記録しないAuditor。
type NopAuditor struct{}

// Record は何もしない。
func (NopAuditor) Record(context.Context, model.AuditEntry) {}

var (
	_ Auditor = (*RepositoryAuditor)(nil)
	_ Auditor = NopAuditor{}
)
