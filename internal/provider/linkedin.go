package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/socialauth/internal/model"
)

const (
	linkedInAuthURL    = "https://www.linkedin.com/oauth/v2/authorization"
	linkedInTokenURL   = "https://www.linkedin.com/oauth/v2/accessToken"
	linkedInAPIBaseURL = "https://api.linkedin.com"
	linkedInRevokeURL  = "https://www.linkedin.com/oauth/v2/revoke"

	linkedInOrgURNPrefix = "urn:li:organization:"
)

// linkedInScopes は個人アカウントでの投稿に必要なスコープ。
var linkedInScopes = []string{
	"openid",
	"profile",
	"email",
	"w_member_social",
}

// linkedInOrgScopes は組織ページを管理・投稿する場合に追加で要求するスコープ。
var linkedInOrgScopes = []string{
	"r_organization_social",
	"w_organization_social",
	"rw_organization_admin",
}

// LinkedIn はLinkedInのProvider。
// 認可コードフローで、付与スコープはトークンレスポンスのscope（カンマ区切り）から取得する。
type LinkedIn struct {
	flow      *flow
	apiBase   string
	revokeURL string
}

var _ Provider = (*LinkedIn)(nil)

// NewLinkedIn はLinkedInのProviderを生成する。
func NewLinkedIn(cfg Config, deps Deps) *LinkedIn {
	if cfg.AuthURL == "" {
		cfg.AuthURL = linkedInAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = linkedInTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = linkedInAPIBaseURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = linkedInRevokeURL
	}
	endpoint := oauth2.Endpoint{
		AuthURL:   cfg.AuthURL,
		TokenURL:  cfg.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return &LinkedIn{
		flow:      newFlow(model.PlatformLinkedIn, cfg, endpoint, deps),
		apiBase:   cfg.APIBaseURL,
		revokeURL: cfg.RevokeURL,
	}
}

func (p *LinkedIn) Platform() model.Platform { return model.PlatformLinkedIn }

func (p *LinkedIn) RequiredScopes() []string { return copyScopes(linkedInScopes) }

func (p *LinkedIn) ValidatePermissions(granted []string) bool {
	return hasAllScopes(linkedInScopes, granted)
}

// scopesFor は組織系の種別では組織用スコープを加えた一覧を返す。
func (p *LinkedIn) scopesFor(kind model.AccountKind) []string {
	if !kind.IsOrganizational() {
		return linkedInScopes
	}
	scopes := copyScopes(linkedInScopes)
	return append(scopes, linkedInOrgScopes...)
}

func (p *LinkedIn) Initiate(ctx context.Context, workspaceID string, kind model.AccountKind, redirectURI string) (*AuthRequest, error) {
	return p.flow.initiate(ctx, workspaceID, kind, redirectURI, p.scopesFor(kind), false)
}

func (p *LinkedIn) CompleteCallback(ctx context.Context, code, state, redirectURI string) (*CallbackResult, error) {
	st, err := p.flow.verifyState(ctx, code, state)
	if err != nil {
		return nil, err
	}

	required := p.scopesFor(st.AccountKind)
	tok, err := p.flow.exchange(ctx, p.flow.oauthConfig(redirectURI, required), code)
	if err != nil {
		return nil, err
	}

	info, err := p.GetAccountInfo(ctx, tok.AccessToken, st.AccountKind)
	if err != nil {
		return nil, err
	}
	info.Permissions = ParseScopes(scopeOf(tok))
	return p.flow.persist(ctx, st, tok, info, required)
}

func (p *LinkedIn) Refresh(ctx context.Context, accountID string) (*TokenSet, error) {
	return p.flow.refresh(ctx, accountID)
}

// Revoke はアクセストークンを失効させてからローカルで無効化する。
func (p *LinkedIn) Revoke(ctx context.Context, accountID string) error {
	return p.flow.revoke(ctx, accountID, func(ctx context.Context, plain *model.PlainCredential) error {
		form := url.Values{
			"client_id":     {p.flow.clientID},
			"client_secret": {p.flow.clientSecret},
			"token":         {plain.AccessToken},
		}
		return p.flow.postForm(ctx, "revoke", p.revokeURL, form, false, nil)
	})
}

// GetAccountInfo はOpenID Connectの/v2/userinfoを取得する。
// ビジネス/ページの場合は管理者として承認済みの組織一覧も取得する。
func (p *LinkedIn) GetAccountInfo(ctx context.Context, accessToken string, kind model.AccountKind) (*AccountInfo, error) {
	var user struct {
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := p.flow.getJSON(ctx, "account_info", joinURL(p.apiBase, "/v2/userinfo"), accessToken, &user); err != nil {
		return nil, err
	}
	if user.Sub == "" {
		return nil, model.NewProviderError(model.PlatformLinkedIn, http.StatusOK, "", errMissingAccountID)
	}

	info := &AccountInfo{
		ExternalID:  user.Sub,
		DisplayName: p.flow.sanitize(user.Name),
		Metadata:    map[string]any{},
	}
	if user.Email != "" {
		info.Metadata["email"] = user.Email
	}

	if kind.IsOrganizational() {
		orgs, err := p.organizations(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		info.Metadata["organizations"] = orgs
	}
	return info, nil
}

// organizations は利用者が管理者として承認されている組織の一覧を返す。
func (p *LinkedIn) organizations(ctx context.Context, accessToken string) ([]any, error) {
	q := url.Values{
		"q":     {"roleAssignee"},
		"role":  {"ADMINISTRATOR"},
		"state": {"APPROVED"},
	}
	var resp struct {
		Elements []struct {
			Organization string `json:"organization"`
			Role         string `json:"role"`
		} `json:"elements"`
	}
	endpoint := joinURL(p.apiBase, "/v2/organizationAcls") + "?" + q.Encode()
	if err := p.flow.getJSON(ctx, "organizations", endpoint, accessToken, &resp); err != nil {
		return nil, err
	}

	orgs := make([]any, 0, len(resp.Elements))
	for _, e := range resp.Elements {
		orgs = append(orgs, map[string]any{
			"urn":  e.Organization,
			"id":   strings.TrimPrefix(e.Organization, linkedInOrgURNPrefix),
			"role": e.Role,
		})
	}
	return orgs, nil
}
