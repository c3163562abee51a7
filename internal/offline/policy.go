package offline

import (
	"net/http"
	"net/url"
	"strings"

	"rosegarden/internal/auth"
)

type Decision int

const (
	// Intercept sends the request through the cache.
	Intercept Decision = iota
	// BypassScheme covers browser-extension and non-HTTP URLs.
	BypassScheme
	// BypassSensitive covers API, auth and third-party identity traffic, and
	// requests carrying credentials or cookies.
	BypassSensitive
	// BypassMethod covers every verb but GET.
	BypassMethod
)

func (d Decision) String() string {
	switch d {
	case Intercept:
		return "intercept"
	case BypassScheme:
		return "bypass-scheme"
	case BypassSensitive:
		return "bypass-sensitive"
	case BypassMethod:
		return "bypass-method"
	default:
		return "unknown"
	}
}

// DefaultBypassPaths are never cached. Entries ending in "/" match anywhere in
// the path, the others match a leading path segment.
var DefaultBypassPaths = []string{
	"/api/",
	"/auth",
	"/oauth",
	"/oauth2",
	"/login/oauth2",
	"/reissue",
}

// DefaultBypassHosts are identity providers and their static asset hosts.
var DefaultBypassHosts = []string{
	"kauth.kakao.com",
	"kapi.kakao.com",
	"k.kakaocdn.net",
	"nid.naver.com",
	"openapi.naver.com",
	"phinf.pstatic.net",
	"accounts.google.com",
	"oauth2.googleapis.com",
	"lh3.googleusercontent.com",
}

type Policy struct {
	BypassPaths []string
	BypassHosts []string
}

func DefaultPolicy() Policy {
	return Policy{BypassPaths: DefaultBypassPaths, BypassHosts: DefaultBypassHosts}
}

// Classify decides how a request is handled. The checks run in order: scheme,
// sensitive traffic, method.
func (p Policy) Classify(r *http.Request) Decision {
	if r.URL == nil {
		return BypassScheme
	}

	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
	default:
		return BypassScheme
	}

	if p.sensitive(r) {
		return BypassSensitive
	}

	if r.Method != "" && r.Method != http.MethodGet {
		return BypassMethod
	}

	return Intercept
}

func (p Policy) sensitive(r *http.Request) bool {
	if p.bypassHost(r.URL) {
		return true
	}

	path := r.URL.Path
	for _, prefix := range p.BypassPaths {
		if strings.HasSuffix(prefix, "/") {
			if strings.Contains(path, prefix) {
				return true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}

	// Token- and cookie-bearing requests are per-user.
	if r.Header.Get("Cookie") != "" {
		return true
	}
	return auth.ExtractTokenFromRequest(r) != ""
}

func (p Policy) bypassHost(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, h := range p.BypassHosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
