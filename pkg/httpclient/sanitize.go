package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter substrings redacted from logs,
// matched case-insensitively.
var sensitiveParams = []string{
	"token",
	"password",
	"secret",
	"key",
	"credential",
	"signature",
}

// sanitizeURL redacts sensitive query parameters and userinfo.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	safe := *u
	if safe.User != nil {
		safe.User = url.User("REDACTED")
	}
	if safe.RawQuery != "" {
		q := safe.Query()
		for param := range q {
			if isSensitiveParam(param) {
				q.Set(param, "REDACTED")
			}
		}
		safe.RawQuery = q.Encode()
	}
	return safe.String()
}

func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
