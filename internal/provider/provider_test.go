package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/socialauth/internal/credential"
	"github.com/hitoshi/socialauth/internal/credential/credentialtest"
	"github.com/hitoshi/socialauth/internal/encryption"
	"github.com/hitoshi/socialauth/internal/model"
	"github.com/hitoshi/socialauth/internal/oauthstate"
	"github.com/hitoshi/socialauth/internal/security"
	"github.com/hitoshi/socialauth/internal/session"
)

const testRedirectURI = "https://app/cb"

type testEnv struct {
	deps     Deps
	repo     *credentialtest.MemoryRepository
	audit    *credentialtest.AuditLog
	sessions *session.MemoryStore
	states   *oauthstate.Codec
	creds    *credential.Store
	enc      *encryption.Service
	logs     *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	enc, err := encryption.NewService("provider-test-secret")
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	key, err := enc.DeriveSubkey("oauth-state", 32)
	if err != nil {
		t.Fatalf("DeriveSubkey() error = %v", err)
	}
	states, err := oauthstate.NewCodec(key, oauthstate.DefaultTTL)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	sessions := session.NewMemoryStore(time.Minute, logger)
	t.Cleanup(sessions.Close)

	repo := credentialtest.NewMemoryRepository()
	audit := &credentialtest.AuditLog{}
	creds := credential.NewStore(repo, enc, audit, logger)

	env := &testEnv{
		repo:     repo,
		audit:    audit,
		sessions: sessions,
		states:   states,
		creds:    creds,
		enc:      enc,
		logs:     logs,
	}
	env.deps = Deps{
		States:      states,
		Sessions:    sessions,
		Credentials: creds,
		Redirects:   security.NewRedirectValidator([]string{"app"}),
		Sanitizer:   security.NewTextSanitizer(),
		Logger:      logger,
		Timeout:     2 * time.Second,
	}
	return env
}

// fakePlatform はプラットフォームのOAuth/APIエンドポイントを模したテストサーバー。
func fakePlatform(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		APIBaseURL:   srv.URL,
		RevokeURL:    srv.URL + "/revoke",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := model.CodeOf(err); got != code {
		t.Fatalf("error code = %q, want %q (err=%v)", got, code, err)
	}
}

// seedCredential はコールバックを経ずに認証情報を保存する。
func (e *testEnv) seedCredential(t *testing.T, platform model.Platform, plain *model.PlainCredential) *model.Credential {
	t.Helper()
	c, err := e.creds.Save(context.Background(), "ws1", platform, model.AccountKindPersonal, plain)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return c
}
