package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/socialauth/internal/model"
)

// xServer はPKCE付きのトークン交換を検証するテストサーバー。
// initiateで発行されたチャレンジを記録し、交換時のcode_verifierと照合する。
type xServer struct {
	srv        *httptest.Server
	mu         sync.Mutex
	challenge  string
	refreshes  atomic.Int32
	revoked    []string
	tokenError int
}

func newXServer(t *testing.T) *xServer {
	t.Helper()
	xs := &xServer{}
	xs.srv = fakePlatform(t, map[string]http.HandlerFunc{
		"POST /token": func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-id" || pass != "client-secret" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized_client"})
				return
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("ParseForm: %v", err)
			}
			xs.mu.Lock()
			status := xs.tokenError
			challenge := xs.challenge
			xs.mu.Unlock()
			if status != 0 {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, status, map[string]any{"error": "failed"})
				return
			}

			switch r.Form.Get("grant_type") {
			case "authorization_code":
				sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
				if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"token_type":    "bearer",
					"access_token":  "x-access",
					"refresh_token": "x-refresh",
					"expires_in":    7200,
					"scope":         "tweet.read tweet.write users.read offline.access",
				})
			case "refresh_token":
				n := xs.refreshes.Add(1)
				if r.Form.Get("refresh_token") == "" {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"token_type":    "bearer",
					"access_token":  "x-access-r" + string(rune('0'+n)),
					"refresh_token": "x-refresh-r" + string(rune('0'+n)),
					"expires_in":    7200,
				})
			default:
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
			}
		},
		"GET /2/users/me": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"id": "x-user-1", "name": "Jack", "username": "jack"},
			})
		},
		"POST /revoke": func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			xs.mu.Lock()
			xs.revoked = append(xs.revoked, r.Form.Get("token_type_hint"))
			xs.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
		},
	})
	return xs
}

func (xs *xServer) initiate(t *testing.T, p *X) *AuthRequest {
	t.Helper()
	req, err := p.Initiate(context.Background(), "ws1", model.AccountKindPersonal, testRedirectURI)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	u, _ := url.Parse(req.URL)
	xs.mu.Lock()
	xs.challenge = u.Query().Get("code_challenge")
	xs.mu.Unlock()
	return req
}

func TestX_Initiate_UsesPKCE(t *testing.T) {
	env := newTestEnv(t)
	p := NewX(Config{ClientID: "x-client"}, env.deps)

	req, err := p.Initiate(context.Background(), "ws1", model.AccountKindPersonal, testRedirectURI)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	u, _ := url.Parse(req.URL)
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" {
		t.Fatal("code_challengeが設定されていない")
	}
	if q.Get("code_verifier") != "" {
		t.Error("URLに検証子を含めてはならない")
	}

	ok, err := env.sessions.Exists(context.Background(), verifierKey(req.State))
	if err != nil || !ok {
		t.Fatalf("検証子がセッションストアに保存されていない: ok=%v err=%v", ok, err)
	}
}

func TestX_CompleteCallback_ExchangesWithVerifier(t *testing.T) {
	env := newTestEnv(t)
	xs := newXServer(t)
	p := NewX(testConfig(xs.srv), env.deps)

	req := xs.initiate(t, p)
	res, err := p.CompleteCallback(context.Background(), "auth-code", req.State, testRedirectURI)
	if err != nil {
		t.Fatalf("CompleteCallback() error = %v", err)
	}

	if res.Account.ExternalAccountID != "x-user-1" {
		t.Errorf("ExternalAccountID = %q", res.Account.ExternalAccountID)
	}
	if res.Account.Metadata["username"] != "jack" {
		t.Errorf("username = %v", res.Account.Metadata["username"])
	}
	if len(res.Account.Permissions) != len(xScopes) {
		t.Errorf("Permissions = %v", res.Account.Permissions)
	}
	if !env.repo.Get(res.Account.ID).HasRefreshToken() {
		t.Error("リフレッシュトークンが保存されていない")
	}
	if env.sessions.Len() != 0 {
		t.Error("検証子は使用後に削除されるべき")
	}
}

func TestX_CompleteCallback_VerifierIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	xs := newXServer(t)
	p := NewX(testConfig(xs.srv), env.deps)

	req := xs.initiate(t, p)
	if _, err := p.CompleteCallback(context.Background(), "auth-code", req.State, testRedirectURI); err != nil {
		t.Fatalf("1回目のCompleteCallback() error = %v", err)
	}

	_, err := p.CompleteCallback(context.Background(), "auth-code", req.State, testRedirectURI)
	wantCode(t, err, model.ErrCodeBadRequest)
}

func TestX_CompleteCallback_MissingVerifier_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	xs := newXServer(t)
	p := NewX(testConfig(xs.srv), env.deps)

	// initiateを経ずに正当なstateとその発行記録だけを作る
	state, err := env.states.Encode("ws1", model.PlatformX, model.AccountKindPersonal)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := env.sessions.Put(context.Background(), stateKey(state), []byte{1}, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err = p.CompleteCallback(context.Background(), "auth-code", state, testRedirectURI)
	wantCode(t, err, model.ErrCodeBadRequest)
}

func TestX_Refresh_RotatesRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	xs := newXServer(t)
	p := NewX(testConfig(xs.srv), env.deps)

	expired := time.Now().Add(-time.Hour)
	acc := env.seedCredential(t, model.PlatformX, &model.PlainCredential{
		AccessToken:       "x-access",
		RefreshToken:      "x-refresh",
		ExpiresAt:         &expired,
		ExternalAccountID: "x-user-1",
	})

	tokens, err := p.Refresh(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tokens.AccessToken != "x-access-r1" || tokens.RefreshToken != "x-refresh-r1" {
		t.Errorf("tokens = %+v", tokens)
	}

	plain, err := env.creds.Fetch(context.Background(), acc.ID)
	if err != nil || plain == nil {
		t.Fatalf("Fetch() = %v, %v", plain, err)
	}
	if plain.AccessToken != "x-access-r1" || plain.RefreshToken != "x-refresh-r1" {
		t.Errorf("stored tokens = %q / %q", plain.AccessToken, plain.RefreshToken)
	}
	if plain.ExpiresAt == nil || !plain.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt = %v", plain.ExpiresAt)
	}
}

func TestX_Refresh_ReactivatesSweptAccount(t *testing.T) {
	env := newTestEnv(t)
	xs := newXServer(t)
	p := NewX(testConfig(xs.srv), env.deps)

	expired := time.Now().Add(-time.Hour)
	acc := env.seedCredential(t, model.PlatformX, &model.PlainCredential{
		AccessToken:       "x-access",
		RefreshToken:      "x-refresh",
		ExpiresAt:         &expired,
		ExternalAccountID: "x-user-1",
	})
	if n, err := env.creds.SweepExpired(context.Background()); err != nil || n != 1 {
		t.Fatalf("SweepExpired() = %d, %v", n, err)
	}

	if _, err := p.Refresh(context.Background(), acc.ID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !env.repo.Get(acc.ID).Active {
		t.Error("期限切れで無効化されたアカウントはリフレッシュ成功で有効に戻るべき")
	}
}

func TestX_Refresh_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"401", http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"403", http.StatusForbidden, model.ErrCodeForbidden},
		{"429", http.StatusTooManyRequests, model.ErrCodeRateLimited},
		{"500", http.StatusInternalServerError, model.ErrCodeProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			xs := newXServer(t)
			xs.mu.Lock()
			xs.tokenError = tt.status
			xs.mu.Unlock()
			p := NewX(testConfig(xs.srv), env.deps)

			acc := env.seedCredential(t, model.PlatformX, &model.PlainCredential{
				AccessToken:       "x-access",
				RefreshToken:      "x-refresh",
				ExternalAccountID: "x-user-1",
			})

			_, err := p.Refresh(context.Background(), acc.ID)
			wantCode(t, err, tt.wantCode)

			if tt.status == http.StatusTooManyRequests {
				apiErr, _ := model.AsAPIError(err)
				if apiErr.RetryAfter != time.Minute {
					t.Errorf("RetryAfter = %v, want 1m", apiErr.RetryAfter)
				}
			}

			plain, _, err := env.creds.FetchForRefresh(context.Background(), acc.ID)
			if err != nil {
				t.Fatalf("FetchForRefresh() error = %v", err)
			}
			if plain.RefreshToken != "x-refresh" {
				t.Error("失敗したリフレッシュで保存済みトークンを変更してはならない")
			}
		})
	}
}

func TestX_Refresh_NoRefreshToken_NotFound(t *testing.T) {
	env := newTestEnv(t)
	p := NewX(Config{}, env.deps)

	acc := env.seedCredential(t, model.PlatformX, &model.PlainCredential{
		AccessToken:       "x-access",
		ExternalAccountID: "x-user-1",
	})
	_, err := p.Refresh(context.Background(), acc.ID)
	wantCode(t, err, model.ErrCodeNotFound)
}

func TestX_Revoke_RevokesBothTokensAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	xs := newXServer(t)
	p := NewX(testConfig(xs.srv), env.deps)

	acc := env.seedCredential(t, model.PlatformX, &model.PlainCredential{
		AccessToken:       "x-access",
		RefreshToken:      "x-refresh",
		ExternalAccountID: "x-user-1",
	})

	for i := 0; i < 2; i++ {
		if err := p.Revoke(context.Background(), acc.ID); err != nil {
			t.Fatalf("Revoke() #%d error = %v", i+1, err)
		}
		if env.repo.Get(acc.ID).Active {
			t.Fatalf("Revoke() #%d 後もactive=true", i+1)
		}
	}

	xs.mu.Lock()
	defer xs.mu.Unlock()
	if len(xs.revoked) != 2 || xs.revoked[0] != "refresh_token" || xs.revoked[1] != "access_token" {
		t.Errorf("remote revocations = %v, want [refresh_token access_token] once", xs.revoked)
	}
}

func TestX_Revoke_UnknownAccount_NotFound(t *testing.T) {
	env := newTestEnv(t)
	p := NewX(Config{}, env.deps)
	wantCode(t, p.Revoke(context.Background(), "00000000-0000-0000-0000-000000000000"), model.ErrCodeNotFound)
}

func TestX_CompleteCallback_Timeout_NothingStored(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Timeout = 50 * time.Millisecond
	srv := fakePlatform(t, map[string]http.HandlerFunc{
		"POST /token": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	})
	p := NewX(testConfig(srv), env.deps)

	req, err := p.Initiate(context.Background(), "ws1", model.AccountKindPersonal, testRedirectURI)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	_, err = p.CompleteCallback(context.Background(), "auth-code", req.State, testRedirectURI)
	wantCode(t, err, model.ErrCodeProvider)
	if env.repo.Len() != 0 {
		t.Error("タイムアウトした交換で保存してはならない")
	}
}
