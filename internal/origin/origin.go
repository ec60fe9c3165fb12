// Package origin implements the Origin allowlist shared by the HTTP API and
// the WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns the
// normalized origin (scheme://host[:port]) along with its host[:port] part.
// Default ports are dropped. The special value "null" is returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may access requestHost.
//
// A non-empty allowlist holds "*" or normalized origins. An empty allowlist
// means same host:port only; the scheme is not compared since the relay often
// sits behind a TLS-terminating proxy.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := normalizeAuthority(requestHost, scheme)
	return ok && originHost == reqHost
}

// CheckRequest applies the allowlist to r. Requests without an Origin header
// are native clients and always pass. The returned origin is the normalized
// header value, empty when absent.
func CheckRequest(r *http.Request, allowedOrigins []string) (string, bool) {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return "", true
	case 1:
	default:
		return "", false
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok {
		return "", false
	}
	return normalized, IsAllowed(normalized, host, r.Host, allowedOrigins)
}

func normalizeAuthority(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(raw)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// hostname comes back without brackets.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
