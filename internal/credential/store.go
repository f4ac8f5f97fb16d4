// Package credential は連携アカウントのトークンを暗号化して保存・取得する。
//
// トークンは保存前に必ず暗号化し、平文は取得時にその場で復号する。
// 平文をキャッシュすることはない。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/socialauth/internal/encryption"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/repository"
)

const (
	// DefaultLookahead はリフレッシュが必要と判定する期限までの猶予。
	DefaultLookahead = 5 * time.Minute
	// DefaultMaxRetries は楽観的排他制御で競合した場合の再試行回数。
	DefaultMaxRetries = 5
)

// ErrConflict は再試行しても他の更新との競合が解消しなかった場合に返される。
var ErrConflict = errors.New("credential update conflict")

// Cipher はトークンの暗号化・復号を行う。*encryption.Service が満たす。
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithLookahead はNeedsRefreshの猶予時間を設定する。
func WithLookahead(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lookahead = d
		}
	}
}

// WithMaxRetries は更新競合時の再試行回数を設定する。
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store は連携アカウントの認証情報ストア。
type Store struct {
	repo       repository.CredentialRepository
	cipher     Cipher
	audit      Auditor
	logger     *slog.Logger
	lookahead  time.Duration
	maxRetries int
	now        func() time.Time
}

// NewStore はStoreを生成する。auditがnilの場合は監査を記録しない。
func NewStore(repo repository.CredentialRepository, cipher Cipher, audit Auditor, logger *slog.Logger, opts ...Option) *Store {
	if audit == nil {
		audit = NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		repo:       repo,
		cipher:     cipher,
		audit:      audit,
		logger:     logger,
		lookahead:  DefaultLookahead,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookahead はリフレッシュ判定の猶予時間を返す。
func (s *Store) Lookahead() time.Duration {
	return s.lookahead
}

// Save はトークンを暗号化し、(workspace, platform, external account id) をキーにupsertする。
// 既存レコードがある場合はトークン、権限、メタデータ、表示名を更新して再有効化する。
func (s *Store) Save(ctx context.Context, workspaceID string, platform model.Platform, kind model.AccountKind, plain *model.PlainCredential) (*model.Credential, error) {
	if plain == nil || plain.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if workspaceID == "" || plain.ExternalAccountID == "" {
		return nil, fmt.Errorf("workspace id and external account id are required")
	}

	encAccess, err := s.cipher.Encrypt(plain.AccessToken)
	if err != nil {
		return nil, s.cryptoError("", err)
	}
	var encRefresh string
	if plain.RefreshToken != "" {
		encRefresh, err = s.cipher.Encrypt(plain.RefreshToken)
		if err != nil {
			return nil, s.cryptoError("", err)
		}
	}

	stored, err := s.repo.Upsert(ctx, &model.Credential{
		WorkspaceID:           workspaceID,
		Platform:              platform,
		AccountKind:           kind,
		ExternalAccountID:     plain.ExternalAccountID,
		DisplayName:           plain.DisplayName,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		TokenExpiresAt:        plain.ExpiresAt,
		Permissions:           append([]string(nil), plain.Scopes...),
		Metadata:              plain.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	s.record(ctx, stored.ID, model.AuditOperationStore, OutcomeSuccess, string(platform))
	return stored, nil
}

// Record は復号せずにレコードを返す。見つからない場合はnilを返す。
func (s *Store) Record(ctx context.Context, accountID string) (*model.Credential, error) {
	c, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return c, nil
}

// Fetch は有効なアカウントの認証情報を復号して返す。
// レコードが無い、無効化済み、または期限切れの場合はエラーではなくnilを返す。
// 戻り値は使用後にScrubすること。
func (s *Store) Fetch(ctx context.Context, accountID string) (*model.PlainCredential, error) {
	c, err := s.Record(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.Active {
		return nil, nil
	}
	if c.TokenExpiresAt != nil && !s.now().Before(*c.TokenExpiresAt) {
		return nil, nil
	}
	return s.decrypt(c)
}

// FetchForRefresh はリフレッシュ用に認証情報を復号して返す。
// Fetchと異なり期限切れでも返すが、リフレッシュトークンを持たない場合や
// 連携解除済みの場合はNotFoundを返す。
func (s *Store) FetchForRefresh(ctx context.Context, accountID string) (*model.PlainCredential, *model.Credential, error) {
	c, err := s.Record(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, model.NewNotFoundError("account")
	}
	if !c.Refreshable() {
		if !c.HasRefreshToken() {
			return nil, c, model.NewNotFoundError("refresh token")
		}
		return nil, c, model.NewNotFoundError("active account")
	}
	plain, err := s.decrypt(c)
	if err != nil {
		return nil, c, err
	}
	return plain, c, nil
}

// Open はレコードの状態に関わらずトークンを復号する。リモートでの失効処理に使う。
// 戻り値は使用後にScrubすること。
func (s *Store) Open(c *model.Credential) (*model.PlainCredential, error) {
	if c == nil {
		return nil, model.NewNotFoundError("account")
	}
	return s.decrypt(c)
}

// Update は指定されたフィールドのみを更新する。
//
// 現在の値を復号し、指定フィールドをマージしてから再暗号化する。
// 片方のトークンだけが指定された場合、もう片方は現在の値を維持する。
// 書き込みはバージョン一致時のみ行い、競合した場合は読み直して再試行する。
func (s *Store) Update(ctx context.Context, accountID string, upd model.CredentialUpdate) (*model.Credential, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, err := s.Record(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, model.NewNotFoundError("account")
		}
		if !current.Active && !(upd.Reactivate && current.InactiveReason == model.InactiveExpired) {
			return nil, model.NewNotFoundError("active account")
		}

		plain, err := s.decrypt(current)
		if err != nil {
			return nil, err
		}
		next, err := s.merge(current, plain, upd)
		plain.Scrub()
		if err != nil {
			return nil, err
		}

		ok, err := s.repo.UpdateIfVersion(ctx, next, current.Version)
		if err != nil {
			s.record(ctx, accountID, model.AuditOperationUpdate, OutcomeFailure, err.Error())
			return nil, fmt.Errorf("failed to update credential: %w", err)
		}
		if ok {
			next.Version = current.Version + 1
			s.record(ctx, accountID, model.AuditOperationUpdate, OutcomeSuccess, "")
			return next, nil
		}

		s.logger.Debug("credential update conflict, retrying",
			slog.String("account_id", accountID),
			slog.Int("attempt", attempt),
		)
	}

	s.record(ctx, accountID, model.AuditOperationUpdate, OutcomeFailure, ErrConflict.Error())
	return nil, fmt.Errorf("%w: account %s", ErrConflict, accountID)
}

// Revoke はレコードを無効化する。冪等で、既に無効な場合は何もしない。
func (s *Store) Revoke(ctx context.Context, accountID string) error {
	c, err := s.Record(ctx, accountID)
	if err != nil {
		return err
	}
	if c == nil {
		return model.NewNotFoundError("account")
	}

	changed, err := s.repo.Deactivate(ctx, accountID, model.InactiveRevoked)
	if err != nil {
		s.record(ctx, accountID, model.AuditOperationRevoke, OutcomeFailure, err.Error())
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	outcome := OutcomeSuccess
	if !changed {
		outcome = OutcomeNoop
	}
	s.record(ctx, accountID, model.AuditOperationRevoke, outcome, "")
	return nil
}

// NeedsRefresh は期限が設定されていて、猶予時間内に期限を迎える場合にtrueを返す。
// 期限が無いアカウントはリフレッシュ不要と判定する。
func (s *Store) NeedsRefresh(ctx context.Context, accountID string) (bool, error) {
	c, err := s.Record(ctx, accountID)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, model.NewNotFoundError("account")
	}
	return s.needsRefresh(c), nil
}

func (s *Store) needsRefresh(c *model.Credential) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !s.now().Add(s.lookahead).Before(*c.TokenExpiresAt)
}

// SweepExpired は期限切れの有効なレコードを一括で無効化し、件数を返す。
// 定期メンテナンス用で、リクエスト処理からは呼ばない。
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired credentials: %w", err)
	}
	for _, id := range ids {
		s.record(ctx, id, model.AuditOperationSweep, OutcomeSuccess, "")
	}
	return len(ids), nil
}

// ListExpiring は猶予時間内に期限を迎える、リフレッシュ可能な有効レコードを返す。
func (s *Store) ListExpiring(ctx context.Context, limit int) ([]*model.Credential, error) {
	list, err := s.repo.ListExpiring(ctx, s.now().Add(s.lookahead), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	return list, nil
}

// Audit は任意の操作を監査ログに記録する。
func (s *Store) Audit(ctx context.Context, accountID string, op model.AuditOperation, outcome, detail string) {
	s.record(ctx, accountID, op, outcome, detail)
}

func (s *Store) record(ctx context.Context, accountID string, op model.AuditOperation, outcome, detail string) {
	s.audit.Record(ctx, model.AuditEntry{
		AccountID: accountID,
		Operation: op,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Store) decrypt(c *model.Credential) (*model.PlainCredential, error) {
	access, err := s.cipher.Decrypt(c.EncryptedAccessToken)
	if err != nil {
		return nil, s.cryptoError(c.ID, err)
	}
	var refresh string
	if c.HasRefreshToken() {
		refresh, err = s.cipher.Decrypt(c.EncryptedRefreshToken)
		if err != nil {
			return nil, s.cryptoError(c.ID, err)
		}
	}

	return &model.PlainCredential{
		AccountID:         c.ID,
		Platform:          c.Platform,
		AccessToken:       access,
		RefreshToken:      refresh,
		ExpiresAt:         c.TokenExpiresAt,
		Scopes:            append([]string(nil), c.Permissions...),
		ExternalAccountID: c.ExternalAccountID,
		DisplayName:       c.DisplayName,
		Metadata:          c.Metadata,
	}, nil
}

// merge は現在の平文と更新内容をマージし、暗号化したレコードを返す。
func (s *Store) merge(current *model.Credential, plain *model.PlainCredential, upd model.CredentialUpdate) (*model.Credential, error) {
	next := *current

	access := plain.AccessToken
	if upd.AccessToken != nil {
		access = *upd.AccessToken
	}
	refresh := plain.RefreshToken
	if upd.RefreshToken != nil {
		refresh = *upd.RefreshToken
	}

	encAccess, err := s.cipher.Encrypt(access)
	if err != nil {
		return nil, s.cryptoError(current.ID, err)
	}
	next.EncryptedAccessToken = encAccess

	next.EncryptedRefreshToken = ""
	if refresh != "" {
		encRefresh, err := s.cipher.Encrypt(refresh)
		if err != nil {
			return nil, s.cryptoError(current.ID, err)
		}
		next.EncryptedRefreshToken = encRefresh
	}

	switch {
	case upd.ClearExpiry:
		next.TokenExpiresAt = nil
	case upd.ExpiresAt != nil:
		t := *upd.ExpiresAt
		next.TokenExpiresAt = &t
	}
	if upd.Scopes != nil {
		next.Permissions = append([]string(nil), upd.Scopes...)
	}
	if upd.DisplayName != nil {
		next.DisplayName = *upd.DisplayName
	}
	if upd.Metadata != nil {
		next.Metadata = upd.Metadata
	}
	if upd.Reactivate {
		next.Active = true
		next.InactiveReason = ""
	}
	return &next, nil
}

// cryptoError は復号・暗号化の失敗をCryptoErrorとして返す。改ざんの可能性があるためErrorで記録する。
func (s *Store) cryptoError(accountID string, err error) error {
	s.logger.Error("credential crypto failure: stored ciphertext may be corrupted or tampered with",
		slog.String("account_id", accountID),
		slog.Bool("crypto_error", errors.Is(err, encryption.ErrCrypto)),
		slog.String("error", err.Error()),
	)
	return model.NewCryptoError(err)
}
