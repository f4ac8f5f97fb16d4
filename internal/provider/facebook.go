package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/socialauth/internal/model"
)

const (
	facebookAuthURL    = "https://www.facebook.com/v19.0/dialog/oauth"
	facebookTokenURL   = "https://graph.facebook.com/v19.0/oauth/access_token"
	facebookAPIBaseURL = "https://graph.facebook.com/v19.0"
)

// facebookScopes はページへの投稿に必要なスコープ。
var facebookScopes = []string{
	"public_profile",
	"pages_show_list",
	"pages_read_engagement",
	"pages_manage_posts",
}

// Facebook はFacebook（Graph API）のProvider。
// 認可コードフローのみでPKCEは使わない。リフレッシュトークンは発行されず、
// 代わりにコールバック時に長期トークン（約60日）へ交換する。
type Facebook struct {
	flow    *flow
	apiBase string
}

var _ Provider = (*Facebook)(nil)

// NewFacebook はFacebookのProviderを生成する。
func NewFacebook(cfg Config, deps Deps) *Facebook {
	if cfg.AuthURL == "" {
		cfg.AuthURL = facebookAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = facebookTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = facebookAPIBaseURL
	}
	endpoint := oauth2.Endpoint{
		AuthURL:   cfg.AuthURL,
		TokenURL:  cfg.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return &Facebook{
		flow:    newFlow(model.PlatformFacebook, cfg, endpoint, deps),
		apiBase: cfg.APIBaseURL,
	}
}

func (p *Facebook) Platform() model.Platform { return model.PlatformFacebook }

func (p *Facebook) RequiredScopes() []string { return copyScopes(facebookScopes) }

func (p *Facebook) ValidatePermissions(granted []string) bool {
	return hasAllScopes(facebookScopes, granted)
}

func (p *Facebook) Initiate(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string) (*AuthRequest, error) {
	return p.flow.initiate(ctx, workspaceID, kind, redirectURI, facebookScopes, false)
}

// CompleteCallback はコードを短期トークンに交換し、長期トークンへの交換を試みてから保存する。
// 長期トークンへの交換に失敗した場合は短期トークンのまま保存する。
func (p *Facebook) CompleteCallback(ctx context.Context, code, state, redirectURI string) (*CallbackResult, error) {
	st, err := p.flow.verifyState(ctx, code, state)
	if err != nil {
		return nil, err
	}

	tok, err := p.flow.exchange(ctx, p.flow.oauthConfig(redirectURI, facebookScopes), code)
	if err != nil {
		return nil, err
	}
	if long, err := p.exchangeLongLived(ctx, tok.AccessToken); err != nil {
		p.flow.deps.Logger.Warn("failed to upgrade to long-lived facebook token, keeping short-lived token",
			slog.String("error", err.Error()),
		)
	} else {
		tok = long
	}

	info, err := p.GetAccountInfo(ctx, tok.AccessToken, st.AccountKind)
	if err != nil {
		return nil, err
	}
	return p.flow.persist(ctx, st, tok, info, facebookScopes)
}

// exchangeLongLived は短期のユーザートークンを長期トークンに交換する。
// クライアントシークレットとトークンはURLに載せずフォーム本文で送る。
func (p *Facebook) exchangeLongLived(ctx context.Context, shortLived string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {p.flow.clientID},
		"client_secret":     {p.flow.clientSecret},
		"fb_exchange_token": {shortLived},
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := p.flow.postForm(ctx, "long_lived_exchange", p.flow.endpoint.TokenURL, form, false, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, model.NewProviderError(model.PlatformFacebook, http.StatusOK, "", errMissingAccessToken)
	}

	tok := &oauth2.Token{AccessToken: resp.AccessToken, TokenType: resp.TokenType}
	if resp.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// Refresh はFacebookではリフレッシュトークンが無いため常にNotFoundになる。
func (p *Facebook) Refresh(ctx context.Context, accountID string) (*TokenSet, error) {
	return p.flow.refresh(ctx, accountID)
}

// Revoke はDELETE /me/permissionsでアプリの権限を取り消してからローカルで無効化する。
func (p *Facebook) Revoke(ctx context.Context, accountID string) error {
	return p.flow.revoke(ctx, accountID, func(ctx context.Context, plain *model.PlainCredential) error {
		req, err := http.NewRequest(http.MethodDelete, joinURL(p.apiBase, "/me/permissions"), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+plain.AccessToken)
		return p.flow.do(ctx, "revoke", req, nil)
	})
}

// GetAccountInfo は/meと/me/permissionsを取得する。ページ/ビジネスの場合は管理ページの一覧も取得する。
// ページのアクセストークンは保存しない。
func (p *Facebook) GetAccountInfo(ctx context.Context, accessToken string, kind model.AccountKind) (*AccountInfo, error) {
	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := p.flow.getJSON(ctx, "account_info", joinURL(p.apiBase, "/me?fields=id,name"), accessToken, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, model.NewProviderError(model.PlatformFacebook, http.StatusOK, "", errMissingAccountID)
	}

	var perms struct {
		Data []struct {
			Permission string `json:"permission"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	if err := p.flow.getJSON(ctx, "permissions", joinURL(p.apiBase, "/me/permissions"), accessToken, &perms); err != nil {
		return nil, err
	}
	var granted []string
	for _, d := range perms.Data {
		if d.Status == "granted" {
			granted = append(granted, d.Permission)
		}
	}

	info := &AccountInfo{
		ExternalID:  me.ID,
		DisplayName: p.flow.sanitize(me.Name),
		Permissions: granted,
		Metadata:    map[string]any{},
	}

	if kind.IsOrganizational() {
		var accounts struct {
			Data []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				Category string `json:"category"`
			} `json:"data"`
		}
		if err := p.flow.getJSON(ctx, "pages", joinURL(p.apiBase, "/me/accounts?fields=id,name,category"), accessToken, &accounts); err != nil {
			return nil, err
		}
		pages := make([]any, 0, len(accounts.Data))
		for _, a := range accounts.Data {
			pages = append(pages, map[string]any{
				"id":       a.ID,
				"name":     p.flow.sanitize(a.Name),
				"category": a.Category,
			})
		}
		info.Metadata["pages"] = pages
	}
	return info, nil
}
