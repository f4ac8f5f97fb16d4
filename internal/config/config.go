package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/socialauth/internal/model"
)

// OAuthClient はプラットフォームに登録したOAuthクライアントの資格情報。
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Encryption
	EncryptionMasterSecret string

	// OAuth
	// クライアントIDとシークレットの両方が設定されたプラットフォームのみを含む。
	Platforms        map[model.Platform]OAuthClient
	OAuthHTTPTimeout time.Duration
	StateTTL         time.Duration
	PKCETTL          time.Duration

	// Session store
	RedisURL string

	// Refresh / Sweep
	RefreshLookahead     time.Duration
	RefreshInterval      time.Duration
	RefreshMaxConcurrent int
	RefreshBatchSize     int
	SweepInterval        time.Duration

	// HTTP
	RateLimitAuth     int    // 1分あたり、クライアントIPごと
	CORSAllowedOrigin string // 空の場合CORSヘッダーを付与しない
	APIToken          string // 空の場合/api/*のトークン検証を行わない

	// Redirect
	RedirectAllowedHosts []string

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	WorkerMetricsPort string // 空の場合ワーカーは/metricsを公開しない
	BaseURL           string
}

// platformEnv はプラットフォームと環境変数の接頭辞の対応。
var platformEnv = []struct {
	platform model.Platform
	prefix   string
}{
	{model.PlatformFacebook, "FACEBOOK"},
	{model.PlatformX, "X"},
	{model.PlatformLinkedIn, "LINKEDIN"},
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはプラットフォームが1つも設定されていない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.EncryptionMasterSecret = os.Getenv("ENCRYPTION_MASTER_SECRET")
	if cfg.EncryptionMasterSecret == "" {
		missing = append(missing, "ENCRYPTION_MASTER_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Hostname() == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("BASE_URL must be an absolute http(s) URL: %q", cfg.BaseURL)
	}

	cfg.Platforms = make(map[model.Platform]OAuthClient)
	for _, p := range platformEnv {
		id := os.Getenv(p.prefix + "_CLIENT_ID")
		secret := os.Getenv(p.prefix + "_CLIENT_SECRET")
		if id != "" && secret != "" {
			cfg.Platforms[p.platform] = OAuthClient{ClientID: id, ClientSecret: secret}
		}
	}
	if len(cfg.Platforms) == 0 {
		return nil, fmt.Errorf("no platform is configured: set <PLATFORM>_CLIENT_ID and <PLATFORM>_CLIENT_SECRET for at least one of FACEBOOK, X, LINKEDIN")
	}

	// Optional fields with defaults
	cfg.OAuthHTTPTimeout = getEnvDuration("OAUTH_HTTP_TIMEOUT", 10*time.Second)
	cfg.StateTTL = getEnvDuration("STATE_TTL", 10*time.Minute)
	cfg.PKCETTL = getEnvDuration("PKCE_TTL", 10*time.Minute)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RefreshLookahead = getEnvDuration("REFRESH_LOOKAHEAD", 5*time.Minute)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", time.Minute)
	cfg.RefreshMaxConcurrent = getEnvInt("REFRESH_MAX_CONCURRENT", 5)
	cfg.RefreshBatchSize = getEnvInt("REFRESH_BATCH_SIZE", 100)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Hour)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.APIToken = getEnvString("API_TOKEN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "")

	cfg.RedirectAllowedHosts = getEnvList("REDIRECT_ALLOWED_HOSTS")
	if len(cfg.RedirectAllowedHosts) == 0 {
		cfg.RedirectAllowedHosts = []string{base.Hostname()}
	}

	return cfg, nil
}

// CallbackURL はプラットフォームのコールバックURLを返す。
func (c *Config) CallbackURL(platform model.Platform) string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/callback/" + string(platform)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
