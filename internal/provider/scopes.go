package provider

import "strings"

// ParseScopes はスペースまたはカンマ区切りのスコープ文字列を分割する。
// XはRFC 6749どおりスペース区切り、LinkedInはカンマ区切りで返す。
func ParseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		scopes = append(scopes, f)
	}
	return scopes
}

// MissingScopes はrequiredのうちgrantedに含まれないスコープを、requiredの順序で返す。
func MissingScopes(required, granted []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		have[g] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := have[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// hasAllScopes は必須スコープがすべて付与されているかを返す。
func hasAllScopes(required, granted []string) bool {
	return len(MissingScopes(required, granted)) == 0
}

func copyScopes(s []string) []string {
	return append([]string(nil), s...)
}
