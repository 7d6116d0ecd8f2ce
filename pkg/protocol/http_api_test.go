package protocol

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		auth   Auth
		header string
		want   string
		query  string
	}{
		{name: "bearer", auth: Auth{Type: "bearer", Value: "tok"}, header: "Authorization", want: "Bearer tok"},
		{name: "default bearer", auth: Auth{Value: "tok"}, header: "Authorization", want: "Bearer tok"},
		{name: "api key header", auth: Auth{Type: "api_key", Value: "k"}, header: "X-API-Key", want: "k"},
		{name: "api key custom header", auth: Auth{Type: "api_key", Value: "k", HeaderName: "X-Token"}, header: "X-Token", want: "k"},
		{name: "api key query", auth: Auth{Type: "api_key", Value: "k", Location: "query"}, query: "api_key=k"},
		{name: "basic", auth: Auth{Type: "basic", Username: "u", Value: "p"}, header: "Authorization", want: "Basic dTpw"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "https://api.example.com/me", nil)
			require.NoError(t, ApplyAuth(req, tt.auth))
			if tt.header != "" {
				assert.Equal(t, tt.want, req.Header.Get(tt.header))
			}
			if tt.query != "" {
				assert.Equal(t, tt.query, req.URL.RawQuery)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/me", nil)
	assert.Error(t, ApplyAuth(req, Auth{Type: "hmac", Value: "x"}))
	assert.Error(t, ApplyAuth(req, Auth{Type: "bearer"}))
}

func TestNewHTTPClientRedirects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	noFollow := NewHTTPClient(HTTPClientOptions{Timeout: 5 * time.Second})
	resp, err := noFollow.Get(srv.URL + "/login")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	follow := NewHTTPClient(HTTPClientOptions{Timeout: 5 * time.Second, FollowRedirects: true, CookieJar: true})
	resp, err = follow.Get(srv.URL + "/login")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, follow.Jar)
}
