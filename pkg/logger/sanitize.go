package logger

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// SanitizedIdentifier masks a login identifier for logging. Emails keep the
// first character and the top-level domain ("a***@***.com"); handles keep the
// first character only. Mask length does not depend on the input.
func SanitizedIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}

	local, domain, isEmail := strings.Cut(identifier, "@")
	masked := firstRune(local) + "***"
	if !isEmail {
		return masked
	}

	if i := strings.LastIndex(domain, "."); i >= 0 && i < len(domain)-1 {
		return masked + "@***" + domain[i:]
	}
	return masked + "@***"
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

// RedactedAttr returns a redacted slog attribute for sensitive values.
// Values are only shown outside production.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, redacted)
	}
	return slog.String(key, value)
}

// sensitiveParams are query parameters that can carry credentials or
// identify a principal. Recovery links carry token and identifier.
var sensitiveParams = map[string]bool{
	"password":   true,
	"token":      true,
	"secret":     true,
	"code":       true,
	"email":      true,
	"identifier": true,
	"username":   true,
}

// RedactQuery returns rawQuery with the values of sensitive parameters
// replaced. Parameter names are kept so logs still show the request shape.
// A query that cannot be parsed is redacted entirely.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redacted
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range values[k] {
			if sensitiveParams[strings.ToLower(k)] {
				v = redacted
			} else {
				v = url.QueryEscape(v)
			}
			parts = append(parts, url.QueryEscape(k)+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
