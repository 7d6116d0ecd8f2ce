package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/internal/config"
	"github.com/systmms/credsentry/internal/secure"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, iv, err := secure.GenerateKeyMaterial()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Encryption.Key = key
	cfg.Encryption.IV = iv
	cfg.Health.Port = 0
	cfg.Scan.Interval = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresEveryVerifier(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), nil, WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close()

	assert.ElementsMatch(t, credential.VerifiableTypes, a.Registry.Types())
	assert.NoError(t, a.Orchestrator.Validate())
	_, isMemory := a.Store.(*store.MemoryStore)
	assert.True(t, isMemory)
}

func TestNewRejectsBadKeyMaterial(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Encryption.IV = "abcd"
	_, err := New(context.Background(), cfg, nil, WithRegistry(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption.iv")
}

func TestEndToEndAPITokenScan(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer api.Close()

	st := store.NewMemoryStore()
	a, err := New(context.Background(), testConfig(t), nil, WithStore(st), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close()

	seal := func(token string) string {
		raw, err := json.Marshal(map[string]string{"token": token, "endpoint": api.URL + "/me"})
		require.NoError(t, err)
		enc, err := a.Cipher.Encrypt(raw)
		require.NoError(t, err)
		return enc
	}
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &credential.Credential{ID: "good", Type: credential.TypeAPIToken, EncryptedPayload: seal("good-token")}))
	require.NoError(t, st.Create(ctx, &credential.Credential{ID: "bad", Type: credential.TypeAPIToken, EncryptedPayload: seal("stale-token")}))

	report, err := a.Orchestrator.PerformScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)

	good, err := st.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusVerified, good.Status)

	bad, err := st.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusFailed, bad.Status)
	assert.Contains(t, bad.VerificationError, "401")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), nil, WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Orchestrator.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Orchestrator.Running())
}
