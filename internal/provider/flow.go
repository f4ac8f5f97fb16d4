package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/socialauth/internal/credential"
	"github.com/hitoshi/socialauth/internal/encryption"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/oauthstate"
)

// リモート失効の結果（メトリクスのラベル）
const (
	remoteOutcomeSuccess = "success"
	remoteOutcomeFailure = "failure"
	remoteOutcomeSkipped = "skipped"
)

// flow は全プラットフォームで共通のOAuth処理をまとめる。
type flow struct {
	platform     model.Platform
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	deps         Deps
}

func newFlow(platform model.Platform, cfg Config, endpoint oauth2.Endpoint, deps Deps) *flow {
	return &flow{
		platform:     platform,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		endpoint:     endpoint,
		deps:         deps.withDefaults(),
	}
}

func (f *flow) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		Endpoint:     f.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

// httpContext はoauth2パッケージが使うHTTPクライアントをコンテキストに設定する。
func (f *flow) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.deps.HTTPClient)
}

func (f *flow) observe(operation string, start time.Time) {
	f.deps.Metrics.RecordProviderLatency(string(f.platform), operation, time.Since(start))
}

// verifierKey はPKCE検証子をセッションストアに保存するキー。stateそのものは保存しない。
func verifierKey(state string) string {
	return "pkce:" + encryption.Hash(state)
}

// stateKey は発行済みstateの使用済み判定に使うキー。
func stateKey(state string) string {
	return "state:" + encryption.Hash(state)
}

// initiate は認可URLを組み立てる。usePKCEがtrueの場合は検証子を保存してチャレンジを付与する。
func (f *flow) initiate(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string, scopes []string, usePKCE bool, extra ...oauth2.AuthCodeOption) (*AuthRequest, error) {
	if workspaceID == "" {
		return nil, model.NewBadRequestError("workspace id is required")
	}
	kind, err := model.ParseAccountKind(string(kind))
	if err != nil {
		return nil, model.NewBadRequestError(err.Error())
	}
	if f.deps.Redirects != nil {
		if err := f.deps.Redirects.Validate(redirectURI); err != nil {
			return nil, model.NewBadRequestError(err.Error())
		}
	}

	state, err := f.deps.States.Encode(workspaceID, f.platform, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	if err := f.deps.Sessions.Put(ctx, stateKey(state), []byte{1}, f.deps.States.TTL()); err != nil {
		return nil, fmt.Errorf("failed to store state: %w", err)
	}

	opts := append([]oauth2.AuthCodeOption(nil), extra...)
	if usePKCE {
		verifier := oauth2.GenerateVerifier()
		if err := f.deps.Sessions.Put(ctx, verifierKey(state), []byte(verifier), f.deps.PKCETTL); err != nil {
			return nil, fmt.Errorf("failed to store pkce verifier: %w", err)
		}
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	return &AuthRequest{
		URL:   f.oauthConfig(redirectURI, scopes).AuthCodeURL(state, opts...),
		State: state,
	}, nil
}

// verifyState はstateを検証し、発行時の記録を消費する。
// 不正・期限切れ・プラットフォーム不一致・使用済みはBadRequestになる。
func (f *flow) verifyState(ctx context.Context, code, state string) (oauthstate.State, error) {
	res := f.deps.States.DecodeFor(state, f.platform)
	if !res.Valid {
		return oauthstate.State{}, model.NewBadRequestError(res.Reason)
	}
	if code == "" {
		return oauthstate.State{}, model.NewBadRequestError("authorization code is missing")
	}
	_, ok, err := f.deps.Sessions.TakeOnce(ctx, stateKey(state))
	if err != nil {
		return oauthstate.State{}, fmt.Errorf("failed to load state: %w", err)
	}
	if !ok {
		return oauthstate.State{}, model.NewBadRequestError("state is missing or already used")
	}
	return res.State, nil
}

// takeVerifier は保存済みのPKCE検証子を取り出す。取り出すと同時に削除される。
func (f *flow) takeVerifier(ctx context.Context, state string) (string, error) {
	v, ok, err := f.deps.Sessions.TakeOnce(ctx, verifierKey(state))
	if err != nil {
		return "", fmt.Errorf("failed to load pkce verifier: %w", err)
	}
	if !ok {
		return "", model.NewBadRequestError("pkce verifier is missing or already used")
	}
	return string(v), nil
}

// exchange は認可コードをトークンに交換する。
func (f *flow) exchange(ctx context.Context, cfg *oauth2.Config, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, f.deps.Timeout)
	defer cancel()

	defer f.observe("exchange", time.Now())
	tok, err := cfg.Exchange(f.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, classifyError(f.platform, err)
	}
	return tok, nil
}

// refreshToken はリフレッシュトークンで新しいトークンを取得する。
// プラットフォームがリフレッシュトークンをローテーションしない場合、戻り値には元の値が入る。
func (f *flow) refreshToken(ctx context.Context, refresh string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, f.deps.Timeout)
	defer cancel()

	defer f.observe("refresh", time.Now())
	src := f.oauthConfig("", nil).TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: refresh})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyError(f.platform, err)
	}
	return tok, nil
}

// getJSON はBearerトークン付きでGETし、JSONレスポンスをoutに読み込む。
func (f *flow) getJSON(ctx context.Context, operation, endpoint, accessToken string, out any) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return f.do(ctx, operation, req, out)
}

// postForm はフォームをPOSTする。basicAuthがtrueの場合はクライアント資格情報をBasic認証で送る。
func (f *flow) postForm(ctx context.Context, operation, endpoint string, form url.Values, basicAuth bool, out any) error {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		req.SetBasicAuth(url.QueryEscape(f.clientID), url.QueryEscape(f.clientSecret))
	}
	return f.do(ctx, operation, req, out)
}

// do はリクエストを送信し、ステータスを分類してからJSONをデコードする。outがnilの場合は本文を捨てる。
func (f *flow) do(ctx context.Context, operation string, req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, f.deps.Timeout)
	defer cancel()

	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	defer f.observe(operation, time.Now())
	resp, err := f.deps.HTTPClient.Do(req)
	if err != nil {
		return classifyError(f.platform, fmt.Errorf("%s request failed: %w", operation, redactURLError(err)))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return classifyError(f.platform, fmt.Errorf("failed to read %s response: %w", operation, err))
	}
	if err := ClassifyHTTPStatus(f.platform, resp.StatusCode, resp.Header, body); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return model.NewProviderError(f.platform, resp.StatusCode, truncateDetail(body),
			fmt.Errorf("failed to decode %s response: %w", operation, err))
	}
	return nil
}

// redactURLError はurl.Errorに含まれるURLからクエリとユーザー情報を取り除く。
func redactURLError(err error) error {
	var uErr *url.Error
	if !errors.As(err, &uErr) {
		return err
	}
	u, perr := url.Parse(uErr.URL)
	if perr != nil {
		return &url.Error{Op: uErr.Op, URL: "", Err: uErr.Err}
	}
	u.RawQuery = ""
	u.User = nil
	u.Fragment = ""
	return &url.Error{Op: uErr.Op, URL: u.String(), Err: uErr.Err}
}

// persist は取得したトークンとアカウント情報を保存する。
// 必須スコープが不足している場合は何も保存せずForbiddenを返す。
func (f *flow) persist(ctx context.Context, st oauthstate.State, tok *oauth2.Token, info *AccountInfo, required []string) (*CallbackResult, error) {
	if missing := MissingScopes(required, info.Permissions); len(missing) > 0 {
		return nil, model.NewForbiddenError(f.platform, missing, "granted: "+strings.Join(info.Permissions, ","))
	}

	tokens := tokenSet(tok, info.Permissions)
	plain := &model.PlainCredential{
		Platform:          f.platform,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		ExpiresAt:         tokens.ExpiresAt,
		Scopes:            copyScopes(info.Permissions),
		ExternalAccountID: info.ExternalID,
		DisplayName:       info.DisplayName,
		Metadata:          info.Metadata,
	}
	defer plain.Scrub()

	account, err := f.deps.Credentials.Save(ctx, st.WorkspaceID, f.platform, st.AccountKind, plain)
	if err != nil {
		return nil, err
	}

	f.deps.Logger.Info("social account connected",
		slog.String("platform", string(f.platform)),
		slog.String("account_id", account.ID),
		slog.String("workspace_id", st.WorkspaceID),
		slog.String("account_kind", string(st.AccountKind)),
	)
	return &CallbackResult{Account: account, Tokens: tokens}, nil
}

// refresh は保存済みのリフレッシュトークンでトークンを更新し、ストアに書き戻す。
// ローテーションされた場合のみ新しいリフレッシュトークンを保存する。
func (f *flow) refresh(ctx context.Context, accountID string) (*TokenSet, error) {
	plain, rec, err := f.deps.Credentials.FetchForRefresh(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer plain.Scrub()

	if rec.Platform != f.platform {
		return nil, model.NewBadRequestError(fmt.Sprintf("account %s belongs to %s", accountID, rec.Platform))
	}

	tok, err := f.refreshToken(ctx, plain.RefreshToken)
	if err != nil {
		f.deps.Credentials.Audit(ctx, accountID, model.AuditOperationRefresh, credential.OutcomeFailure, err.Error())
		return nil, err
	}

	tokens := tokenSet(tok, ParseScopes(scopeOf(tok)))
	upd := model.CredentialUpdate{
		AccessToken: &tokens.AccessToken,
		Reactivate:  true,
	}
	if tokens.RefreshToken != "" && tokens.RefreshToken != plain.RefreshToken {
		upd.RefreshToken = &tokens.RefreshToken
	}
	if tokens.ExpiresAt != nil {
		upd.ExpiresAt = tokens.ExpiresAt
	} else {
		upd.ClearExpiry = true
	}
	if len(tokens.Scopes) > 0 {
		upd.Scopes = tokens.Scopes
	}

	if _, err := f.deps.Credentials.Update(ctx, accountID, upd); err != nil {
		return nil, err
	}
	f.deps.Credentials.Audit(ctx, accountID, model.AuditOperationRefresh, credential.OutcomeSuccess, "")
	return tokens, nil
}

// revoke はリモートでの失効を試み、結果に関わらずローカルのレコードを無効化する。
// リモートの失敗はログとメトリクスに記録するだけで、呼び出し元には返さない。
func (f *flow) revoke(ctx context.Context, accountID string, remote func(context.Context, *model.PlainCredential) error) error {
	rec, err := f.deps.Credentials.Record(ctx, accountID)
	if err != nil {
		return err
	}
	if rec == nil {
		return model.NewNotFoundError("account")
	}
	if rec.Platform != f.platform {
		return model.NewBadRequestError(fmt.Sprintf("account %s belongs to %s", accountID, rec.Platform))
	}

	outcome := remoteOutcomeSkipped
	if rec.Active {
		outcome = f.revokeRemote(ctx, rec, remote)
	}
	f.deps.Metrics.RecordRevoke(string(f.platform), outcome)

	return f.deps.Credentials.Revoke(ctx, accountID)
}

func (f *flow) revokeRemote(ctx context.Context, rec *model.Credential, remote func(context.Context, *model.PlainCredential) error) string {
	plain, err := f.deps.Credentials.Open(rec)
	if err != nil {
		// 復号の失敗はStore側でErrorログに記録済み
		return remoteOutcomeFailure
	}
	defer plain.Scrub()

	ctx, cancel := context.WithTimeout(ctx, f.deps.Timeout)
	defer cancel()

	if err := remote(ctx, plain); err != nil {
		attrs := []any{
			slog.String("platform", string(f.platform)),
			slog.String("account_id", rec.ID),
			slog.String("error", err.Error()),
		}
		if apiErr, ok := model.AsAPIError(err); ok {
			attrs = append(attrs, slog.Int("status", apiErr.Status), slog.String("detail", apiErr.Detail))
		}
		f.deps.Logger.Warn("remote token revocation failed, revoking locally", attrs...)
		return remoteOutcomeFailure
	}
	return remoteOutcomeSuccess
}

// sanitize はプラットフォームから受け取った表示名を整形する。
func (f *flow) sanitize(raw string) string {
	return f.deps.Sanitizer.Sanitize(raw)
}

func tokenSet(tok *oauth2.Token, scopes []string) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       copyScopes(scopes),
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		ts.ExpiresAt = &exp
	}
	return ts
}

// scopeOf はトークンレスポンスのscopeフィールドを返す。
func scopeOf(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	s, _ := tok.Extra("scope").(string)
	return s
}

// joinURL はAPIのベースURLとパスを連結する。
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
