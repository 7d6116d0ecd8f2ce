package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/internal/orchestrator"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

type staticSource struct {
	status orchestrator.Status
}

func (s staticSource) Status() orchestrator.Status { return s.status }

func TestMetricsRecording(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ScanCompleted()
	m.ScanCompleted()
	m.VerificationStarted()
	m.VerificationStarted()
	m.VerificationStarted()
	m.VerificationInterrupted(credential.TypeWindows)
	m.VerificationFinished(credential.TypeSSH, verifier.Result{Success: true, Duration: time.Second})
	m.VerificationFinished(credential.TypeSSH, verifier.Result{Category: verifier.CategoryAuthentication, Duration: 2 * time.Second})
	m.CredentialCounts(map[credential.Status]int{credential.StatusVerified: 4, credential.StatusFailed: 1})

	assert.InDelta(t, 2, testutil.ToFloat64(m.scansCompleted), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.activeVerifications), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.verificationsTotal.WithLabelValues("ssh", "success", "none")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.verificationsTotal.WithLabelValues("ssh", "failure", "authentication")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.interrupted.WithLabelValues("windows")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.credentials.WithLabelValues("verified")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.credentials.WithLabelValues("pending")), 0)

	count, err := testutil.GatherAndCount(reg, "credsentry_verification_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		running bool
		code    int
		body    string
	}{
		{true, http.StatusOK, "OK"},
		{false, http.StatusServiceUnavailable, "STOPPED"},
	}
	for _, tt := range tests {
		srv := NewServer(DefaultServerConfig(0), staticSource{orchestrator.Status{Running: tt.running}}, prometheus.NewRegistry(), nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, tt.code, rec.Code)
		assert.Equal(t, tt.body, rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	src := staticSource{orchestrator.Status{
		Running:             true,
		ActiveVerifications: []string{"c1", "c2"},
		Metrics:             orchestrator.Metrics{ScansCompleted: 3, SuccessRate: 50},
	}}
	srv := NewServer(DefaultServerConfig(0), src, prometheus.NewRegistry(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, []string{"c1", "c2"}, got.ActiveVerifications)
	assert.EqualValues(t, 3, got.Metrics.ScansCompleted)
}

func TestServerServesMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ScanCompleted()

	srv := NewServer(DefaultServerConfig(0), staticSource{orchestrator.Status{Running: true}}, reg, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "credsentry_scans_completed_total 1")
}

func TestServerDisabled(t *testing.T) {
	t.Parallel()

	srv := NewServer(DefaultServerConfig(0), staticSource{}, nil, nil)
	require.NoError(t, srv.Start())
	assert.Empty(t, srv.Addr())
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv := NewServer(DefaultServerConfig(port), staticSource{orchestrator.Status{Running: true}}, prometheus.NewRegistry(), nil)
	require.NoError(t, srv.Start())
	assert.NotEmpty(t, srv.Addr())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}
