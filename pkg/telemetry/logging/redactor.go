package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// Redactor masks credentials in log fields. Proxied requests carry them in
// authorization and cookie headers, in query strings and in URL user info.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// Mask replaces redacted values.
const Mask = "***"

// sensitiveKeys are matched as substrings of lower-cased field names.
var sensitiveKeys = []string{
	"authorization", "cookie", "password", "passwd", "secret", "token", "api_key", "api-key", "apikey",
}

// sensitiveParams are query parameters whose values are masked inside URIs.
var sensitiveParams = map[string]bool{
	"token": true, "access_token": true, "api_key": true, "apikey": true,
	"key": true, "password": true, "secret": true, "sig": true, "signature": true,
}

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []redactPattern{
			{regexp.MustCompile(`(?i)\b(Bearer|Basic)\s+[A-Za-z0-9\-._~+/]+=*`), "$1 " + Mask},
			{regexp.MustCompile(`(?i)(password|passwd|pwd)[:=]\s*[^\s&]+`), "$1=" + Mask},
		},
	}
}

// RedactString masks credentials inside a free-form string.
func (r *Redactor) RedactString(value string) string {
	if value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// RedactArgs redacts credentials from variadic log arguments.
// Args are in the form: key1, value1, key2, value2, ...
func (r *Redactor) RedactArgs(args ...any) []any {
	if len(args) == 0 {
		return args
	}

	redacted := make([]any, len(args))
	copy(redacted, args)

	for i := 1; i < len(redacted); i += 2 {
		key, _ := redacted[i-1].(string)
		str, ok := redacted[i].(string)
		switch {
		case isSensitiveKey(key):
			redacted[i] = Mask
		case !ok:
		case key == "uri" || key == "url" || key == "location":
			redacted[i] = RedactURI(str)
		default:
			redacted[i] = r.RedactString(str)
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactURI masks the password of URL user info and the values of
// sensitive query parameters. Unparsable input is returned unchanged.
func RedactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	out := raw

	if u.User != nil {
		if _, has := u.User.Password(); has {
			// The user info sits between "//" and the first "@" of the
			// authority.
			authStart := strings.Index(out, "//") + 2
			if at := strings.IndexByte(out[authStart:], '@'); at >= 0 {
				userinfo := out[authStart : authStart+at]
				if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
					out = out[:authStart] + userinfo[:colon+1] + Mask + out[authStart+at:]
				}
			}
		}
	}

	if u.RawQuery != "" {
		path, query, _ := strings.Cut(out, "?")
		query, fragment, hasFragment := strings.Cut(query, "#")
		parts := strings.Split(query, "&")
		for i, part := range parts {
			name, _, ok := strings.Cut(part, "=")
			if ok && sensitiveParams[strings.ToLower(name)] {
				parts[i] = name + "=" + Mask
			}
		}
		out = path + "?" + strings.Join(parts, "&")
		if hasFragment {
			out += "#" + fragment
		}
	}
	return out
}
