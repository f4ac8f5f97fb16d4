package security

import (
	"fmt"
	"net/url"
	"strings"
)

// RedirectValidator は認可リクエストに載せるリダイレクトURIを許可リストで検証する。
// 許可されていないホストへのリダイレクトを許すと認可コードが第三者に渡るため、
// initiateの時点で拒否する。
type RedirectValidator struct {
	hosts map[string]struct{}
}

// NewRedirectValidator は許可ホストの一覧からRedirectValidatorを生成する。
// ホスト名は大文字小文字を区別せず、ポート番号は比較に含めない。
func NewRedirectValidator(allowedHosts []string) *RedirectValidator {
	hosts := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &RedirectValidator{hosts: hosts}
}

// Validate はリダイレクトURIがhttp/httpsの絶対URLで、許可ホストを指していることを検証する。
func (v *RedirectValidator) Validate(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("redirect uri is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("disallowed redirect uri scheme: %q", parsed.Scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("redirect uri must not contain user info")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect uri must not contain a fragment")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("redirect uri has no host")
	}
	if _, ok := v.hosts[host]; !ok {
		return fmt.Errorf("redirect uri host %q is not allowed", host)
	}
	return nil
}
