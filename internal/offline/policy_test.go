package offline

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		name   string
		method string
		url    string
		header map[string]string
		want   Decision
	}{
		{"static asset", http.MethodGet, "https://rose.example/logo192.png", nil, Intercept},
		{"navigation", http.MethodGet, "https://rose.example/garden/3", nil, Intercept},
		{"extension", http.MethodGet, "chrome-extension://abc/script.js", nil, BypassScheme},
		{"data url", http.MethodGet, "data:text/plain,hi", nil, BypassScheme},
		{"blob", http.MethodGet, "blob:https://rose.example/123", nil, BypassScheme},
		{"api", http.MethodGet, "https://rose.example/api/roses", nil, BypassSensitive},
		{"nested api", http.MethodGet, "https://rose.example/v1/api/roses", nil, BypassSensitive},
		{"oauth", http.MethodGet, "https://rose.example/oauth2/authorization/kakao", nil, BypassSensitive},
		{"oauth login callback", http.MethodGet, "https://rose.example/login/oauth2/code/naver", nil, BypassSensitive},
		{"reissue", http.MethodGet, "https://rose.example/reissue", nil, BypassSensitive},
		{"auth", http.MethodGet, "https://rose.example/auth/callback", nil, BypassSensitive},
		{"author page", http.MethodGet, "https://rose.example/author", nil, Intercept},
		{"identity host", http.MethodGet, "https://kauth.kakao.com/oauth/authorize", nil, BypassSensitive},
		{"identity cdn subdomain", http.MethodGet, "https://img1.k.kakaocdn.net/p.png", nil, BypassSensitive},
		{"cookie", http.MethodGet, "https://rose.example/garden", map[string]string{"Cookie": "SESSION=user-A"}, BypassSensitive},
		{"bearer", http.MethodGet, "https://rose.example/me.png", map[string]string{"Authorization": "Bearer x"}, BypassSensitive},
		{"post", http.MethodPost, "https://rose.example/logo192.png", nil, BypassMethod},
		{"delete", http.MethodDelete, "https://rose.example/logo192.png", nil, BypassMethod},
		{"post api", http.MethodPost, "https://rose.example/api/board", nil, BypassSensitive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.url)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.url, err)
			}
			req := &http.Request{Method: tc.method, URL: u, Header: http.Header{}}
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, p.Classify(req), "decision %s", p.Classify(req))
		})
	}
}
