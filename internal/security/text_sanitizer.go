package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxTextLength はサニタイズ後の最大文字数（ルーン数）。
const maxTextLength = 256

// TextSanitizer はプラットフォームから受け取った表示名やエラー説明を
// タグを含まないプレーンテキストに整形する。
// bluemondayのStrictPolicyで全タグを除去し、HTML特殊文字はエスケープされる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、空白を整えて最大長で切り詰める。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	text := strings.Join(strings.Fields(s.policy.Sanitize(raw)), " ")
	if utf8.RuneCountInString(text) <= maxTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxTextLength])
}
