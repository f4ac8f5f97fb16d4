package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/hitoshi/socialauth/internal/model"
)

const (
	xAuthURL    = "https://twitter.com/i/oauth2/authorize"
	xTokenURL   = "https://api.twitter.com/2/oauth2/token"
	xAPIBaseURL = "https://api.twitter.com"
	xRevokeURL  = "https://api.twitter.com/2/oauth2/revoke"
)

// xScopes はoffline.accessを含む。これが無いとリフレッシュトークンが発行されない。
var xScopes = []string{
	"tweet.read",
	"tweet.write",
	"users.read",
	"offline.access",
}

// X はX（旧Twitter）のOAuth 2.0 Provider。
// PKCE（S256）必須で、機密クライアントとしてBasic認証でトークンエンドポイントを呼ぶ。
// リフレッシュトークンはリフレッシュのたびにローテーションされる。
type X struct {
	flow      *flow
	apiBase   string
	revokeURL string
}

var _ Provider = (*X)(nil)

// NewX はXのProviderを生成する。
func NewX(cfg Config, deps Deps) *X {
	if cfg.AuthURL == "" {
		cfg.AuthURL = xAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = xTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = xAPIBaseURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = xRevokeURL
	}
	endpoint := oauth2.Endpoint{
		AuthURL:   cfg.AuthURL,
		TokenURL:  cfg.TokenURL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	return &X{
		flow:      newFlow(model.PlatformX, cfg, endpoint, deps),
		apiBase:   cfg.APIBaseURL,
		revokeURL: cfg.RevokeURL,
	}
}

func (p *X) Platform() model.Platform { return model.PlatformX }

func (p *X) RequiredScopes() []string { return copyScopes(xScopes) }

func (p *X) ValidatePermissions(granted []string) bool {
	return hasAllScopes(xScopes, granted)
}

func (p *X) Initiate(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string) (*AuthRequest, error) {
	return p.flow.initiate(ctx, workspaceID, kind, redirectURI, xScopes, true)
}

// CompleteCallback はPKCE検証子を消費してからコードを交換する。
// 付与スコープはトークンレスポンスのscopeから取得する。
func (p *X) CompleteCallback(ctx context.Context, code, state, redirectURI string) (*CallbackResult, error) {
	st, err := p.flow.verifyState(ctx, code, state)
	if err != nil {
		return nil, err
	}
	verifier, err := p.flow.takeVerifier(ctx, state)
	if err != nil {
		return nil, err
	}

	tok, err := p.flow.exchange(ctx, p.flow.oauthConfig(redirectURI, xScopes), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, err
	}

	info, err := p.GetAccountInfo(ctx, tok.AccessToken, st.AccountKind)
	if err != nil {
		return nil, err
	}
	info.Permissions = ParseScopes(scopeOf(tok))
	return p.flow.persist(ctx, st, tok, info, xScopes)
}

func (p *X) Refresh(ctx context.Context, accountID string) (*TokenSet, error) {
	return p.flow.refresh(ctx, accountID)
}

// Revoke はリフレッシュトークンとアクセストークンをそれぞれ失効させてからローカルで無効化する。
func (p *X) Revoke(ctx context.Context, accountID string) error {
	return p.flow.revoke(ctx, accountID, func(ctx context.Context, plain *model.PlainCredential) error {
		var errs []error
		if plain.RefreshToken != "" {
			errs = append(errs, p.revokeToken(ctx, plain.RefreshToken, "refresh_token"))
		}
		errs = append(errs, p.revokeToken(ctx, plain.AccessToken, "access_token"))
		return errors.Join(errs...)
	})
}

func (p *X) revokeToken(ctx context.Context, token, hint string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {p.flow.clientID},
	}
	return p.flow.postForm(ctx, "revoke", p.revokeURL, form, true, nil)
}

// GetAccountInfo は/2/users/meを取得する。Xにはページ/組織の概念が無いため種別による違いは無い。
// Permissionsはトークンレスポンスからしか得られないため、ここでは空になる。
func (p *X) GetAccountInfo(ctx context.Context, accessToken string, _ model.AccountKind) (*AccountInfo, error) {
	var resp struct {
		Data struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := p.flow.getJSON(ctx, "account_info", joinURL(p.apiBase, "/2/users/me"), accessToken, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, model.NewProviderError(model.PlatformX, http.StatusOK, "", errMissingAccountID)
	}

	return &AccountInfo{
		ExternalID:  resp.Data.ID,
		DisplayName: p.flow.sanitize(resp.Data.Name),
		Metadata: map[string]any{
			"username": p.flow.sanitize(resp.Data.Username),
		},
	}, nil
}
