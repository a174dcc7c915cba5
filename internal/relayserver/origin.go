package relayserver

import (
	"net/http"
	"net/url"
	"strings"
)

// checkOrigin gates browser WebSocket upgrades. Non-browser clients send no
// Origin header and are always admitted. With an empty allow list every
// origin is admitted, which is the right default for a local dev relay;
// otherwise the normalized origin must match an entry ("*" matches any).
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}
		if len(allowed) == 0 {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		for _, entry := range allowed {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}
}

// normalizeOrigin reduces an Origin header to scheme://host[:port] with a
// lowercase scheme and host and default ports stripped. The special value
// "null" (sandboxed documents, file://) normalizes to itself.
func normalizeOrigin(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	if host == "" || strings.HasPrefix(host, ":") {
		return "", false
	}

	return scheme + "://" + host, true
}
