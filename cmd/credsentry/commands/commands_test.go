package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/internal/app"
	"github.com/systmms/credsentry/internal/secure"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
)

type testEnv struct {
	g      *Globals
	dsn    string
	key    string
	cipher *secure.PayloadCipher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	key, iv, err := secure.GenerateKeyMaterial()
	require.NoError(t, err)

	dsn := filepath.Join(dir, "credsentry.db")
	cfgPath := filepath.Join(dir, "credsentry.yaml")
	cfgYAML := fmt.Sprintf(`store:
  driver: sqlite
  dsn: %s
encryption:
  key: %s
  iv: %s
health:
  port: 0
logging:
  destination: %s
`, dsn, key, iv, filepath.Join(dir, "credsentry.log"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0600))

	cipher, err := secure.NewPayloadCipher(key, iv)
	require.NoError(t, err)
	t.Cleanup(cipher.Destroy)

	return &testEnv{
		g: &Globals{
			ConfigPath: cfgPath,
			NoColor:    true,
			appOptions: func() []app.Option {
				return []app.Option{app.WithRegistry(prometheus.NewRegistry())}
			},
		},
		dsn:    dsn,
		key:    key,
		cipher: cipher,
	}
}

// seed writes credentials straight into the sqlite store.
func (e *testEnv) seed(t *testing.T, creds ...*credential.Credential) {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQL(ctx, store.DialectSQLite, e.dsn)
	require.NoError(t, err)
	defer s.Close()
	_, err = store.Migrate(s.DB(), s.Dialect())
	require.NoError(t, err)
	for _, c := range creds {
		require.NoError(t, s.Create(ctx, c))
	}
}

func (e *testEnv) get(t *testing.T, id string) *credential.Credential {
	t.Helper()
	s, err := store.OpenSQL(context.Background(), store.DialectSQLite, e.dsn)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) seal(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	enc, err := e.cipher.Encrypt(raw)
	require.NoError(t, err)
	return enc
}

func execute(cmd *cobra.Command, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer live" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConfigValidate(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(NewConfigCommand(env.g), "", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "sqlite")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scan:\n  batch_size: -1\nstore:\n  driver: memory\n"), 0600))
	_, err = execute(NewConfigCommand(&Globals{ConfigPath: bad}), "", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.batch_size")
}

func TestConfigShowRedactsKey(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(NewConfigCommand(env.g), "", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, env.key)
}

func TestMigrateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(NewMigrateCommand(env.g), "")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema at version 1")

	out, err = execute(NewMigrateCommand(env.g), "")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1")
}

func TestVerifyCommand(t *testing.T) {
	env := newTestEnv(t)
	srv := tokenServer(t)
	env.seed(t,
		&credential.Credential{ID: "tok-live", Name: "ci token", Type: credential.TypeAPIToken,
			EncryptedPayload: env.seal(t, map[string]interface{}{"token": "live", "endpoint": srv.URL})},
		&credential.Credential{ID: "tok-dead", Type: credential.TypeAPIToken,
			EncryptedPayload: env.seal(t, map[string]interface{}{"token": "revoked", "endpoint": srv.URL})},
	)

	out, err := execute(NewVerifyCommand(env.g), "", "tok-live")
	require.NoError(t, err)
	assert.Contains(t, out, "ci token (tok-live): verified")
	assert.Equal(t, credential.StatusVerified, env.get(t, "tok-live").Status)

	out, err = execute(NewVerifyCommand(env.g), "", "tok-dead")
	require.Error(t, err)
	assert.Contains(t, out, "category: authentication")
	dead := env.get(t, "tok-dead")
	assert.Equal(t, credential.StatusFailed, dead.Status)
	assert.Equal(t, 1, dead.FailureCount)

	_, err = execute(NewVerifyCommand(env.g), "", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyValidateOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, &credential.Credential{ID: "tok", Type: credential.TypeAPIToken,
		EncryptedPayload: env.seal(t, map[string]interface{}{"token": "x", "endpoint": "ftp://nope"})})

	out, err := execute(NewVerifyCommand(env.g), "", "tok", "--validate-only")
	require.Error(t, err)
	assert.Contains(t, out, "payload is invalid")
	assert.Equal(t, credential.StatusPending, env.get(t, "tok").Status)
}

func TestScanRequeueAndStats(t *testing.T) {
	env := newTestEnv(t)
	srv := tokenServer(t)
	env.seed(t,
		&credential.Credential{ID: "a", Type: credential.TypeAPIToken,
			EncryptedPayload: env.seal(t, map[string]interface{}{"token": "live", "endpoint": srv.URL})},
		&credential.Credential{ID: "b", Type: credential.TypeAPIToken,
			EncryptedPayload: env.seal(t, map[string]interface{}{"token": "old", "endpoint": srv.URL})},
	)

	out, err := execute(NewScanCommand(env.g), "", "--format", "json")
	require.NoError(t, err)
	var report struct {
		Processed int `json:"processed"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	out, err = execute(NewStatsCommand(env.g), "")
	require.NoError(t, err)
	assert.Contains(t, out, "api_token")
	assert.Contains(t, out, "TOTAL")

	out, err = execute(NewRequeueCommand(env.g), "", "b")
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued b")
	b := env.get(t, "b")
	assert.Equal(t, credential.StatusPending, b.Status)
	assert.Zero(t, b.FailureCount)

	out, err = execute(NewStatsCommand(env.g), "", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "total: 2")
}

func TestKeygenAndEncrypt(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(NewKeygenCommand(env.g), "")
	require.NoError(t, err)
	assert.Contains(t, out, "CREDSENTRY_ENCRYPTION_KEY=")
	assert.Contains(t, out, "CREDSENTRY_ENCRYPTION_IV=")

	out, err = execute(NewEncryptCommand(env.g), "hunter2\n")
	require.NoError(t, err)

	plain, err := env.cipher.Decrypt(strings.TrimSpace(out))
	require.NoError(t, err)
	defer plain.Destroy()
	assert.Equal(t, "hunter2", string(plain.Bytes()))

	_, err = execute(NewEncryptCommand(env.g), "")
	assert.Error(t, err)
}

func TestCompletion(t *testing.T) {
	t.Parallel()

	root := &cobra.Command{Use: "credsentry"}
	comp := NewCompletionCommand(&Globals{})
	root.AddCommand(comp)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"completion", "bash"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "credsentry")
}
