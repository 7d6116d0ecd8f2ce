package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/pkg/credential"
)

func TestAPITokenStatusClassification(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.WriteHeader(http.StatusOK)
		case "Bearer scoped":
			w.WriteHeader(http.StatusForbidden)
		case "Bearer busy":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		case "Bearer broken":
			w.WriteHeader(http.StatusBadGateway)
		case "Bearer odd":
			w.WriteHeader(http.StatusTeapot)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)
	v := NewAPITokenVerifier(c, nil, srv.URL, 5*time.Second, nil)

	tests := []struct {
		token    string
		success  bool
		category Category
	}{
		{"good", true, CategoryNone},
		{"revoked", false, CategoryAuthentication},
		{"scoped", false, CategoryPermissionDenied},
		{"busy", true, CategoryRateLimited},
		{"broken", false, CategoryConfiguration},
		{"odd", false, CategoryConfiguration},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			cred := sealed(t, c, credential.TypeAPIToken, map[string]interface{}{
				"type": "api_token", "value": tt.token,
			})
			r, err := v.Verify(context.Background(), cred)
			require.NoError(t, err)
			assert.Equal(t, tt.success, r.Success, r.Message)
			assert.Equal(t, tt.category, r.Category)
		})
	}
}

func TestAPITokenAuthTypes(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "q-1" || r.Header.Get("X-API-Key") == "h-1" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if u, p, ok := r.BasicAuth(); ok && u == "svc" && p == "b-1" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	v := NewAPITokenVerifier(c, nil, "", 5*time.Second, nil)

	payloads := []map[string]interface{}{
		{"token": "h-1", "auth_type": "api_key", "endpoint": srv.URL},
		{"token": "q-1", "auth_type": "api_key", "location": "query", "param_name": "key", "endpoint": srv.URL},
		{"token": "b-1", "auth_type": "basic", "username": "svc", "endpoint": srv.URL},
	}
	for _, p := range payloads {
		r, err := v.Verify(context.Background(), sealed(t, c, credential.TypeAPIToken, p))
		require.NoError(t, err)
		assert.True(t, r.Success, "%v: %s", p["auth_type"], r.Message)
		assert.Equal(t, p["auth_type"], r.Method)
	}
}

func TestAPITokenBareSecretNeedsEndpoint(t *testing.T) {
	t.Parallel()
	c := testCipher(t)
	v := NewAPITokenVerifier(c, nil, "", time.Second, nil)

	cred := sealed(t, c, credential.TypeAPIToken, "ghp_abc")
	res := v.ValidateCredential(cred)
	assert.False(t, res.Valid)

	r, err := v.Verify(context.Background(), cred)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, CategoryConfiguration, r.Category)
}
