package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/internal/audit"
	cserrors "github.com/systmms/credsentry/internal/errors"
	"github.com/systmms/credsentry/internal/scanner"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

// fakeVerifier returns result after delay, tracking peak concurrency.
type fakeVerifier struct {
	typ      credential.Type
	delay    time.Duration
	ignore   bool // ignore ctx while sleeping
	result   func(*credential.Credential) verifier.Result
	err      error
	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeVerifier) Type() credential.Type { return f.typ }

func (f *fakeVerifier) ValidateCredential(*credential.Credential) verifier.ValidationResult {
	return verifier.ValidationResult{Valid: true}
}

func (f *fakeVerifier) Verify(ctx context.Context, cred *credential.Credential) (verifier.Result, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.delay > 0 {
		if f.ignore {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return verifier.Failed(string(f.typ), verifier.CategoryTimeout, ctx.Err().Error()), nil
			}
		}
	}
	if f.err != nil {
		return verifier.Result{}, f.err
	}
	if f.result != nil {
		return f.result(cred), nil
	}
	return verifier.Succeeded(string(f.typ), "ok", nil), nil
}

func defaultOptions() Options {
	return Options{
		ScanInterval:        time.Hour,
		BatchSize:           50,
		MaxConcurrent:       5,
		VerificationTimeout: 5 * time.Second,
		ShutdownGrace:       5 * time.Second,
		HousekeepingEvery:   10,
		EnabledTypes: map[credential.Type]bool{
			credential.TypeSSH:         true,
			credential.TypeCertificate: true,
		},
	}
}

type harness struct {
	store *store.MemoryStore
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts Options, vs ...verifier.Verifier) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	reg, err := verifier.NewRegistry(vs...)
	require.NoError(t, err)
	sc := scanner.New(st, scanner.Options{RetryDelay: time.Hour, MaxRetries: 3}, nil)
	al := audit.New(st, time.Hour, nil)
	return &harness{store: st, orch: New(st, sc, reg, al, nil, opts, nil)}
}

func (h *harness) seed(t *testing.T, n int, typ credential.Type) []string {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s-%02d", typ, i)
		require.NoError(t, h.store.Create(context.Background(), &credential.Credential{
			ID:        ids[i],
			Type:      typ,
			Host:      "host-" + ids[i],
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return ids
}

func (h *harness) status(t *testing.T, id string) *credential.Credential {
	t.Helper()
	c, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func actions(entries []store.AuditEntry, action string) []store.AuditEntry {
	var out []store.AuditEntry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func TestProcessBatchRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{typ: credential.TypeSSH, delay: 30 * time.Millisecond}
	h := newHarness(t, defaultOptions(), v)
	h.seed(t, 12, credential.TypeSSH)

	creds, err := h.store.ListDue(context.Background(), 100)
	require.NoError(t, err)

	outcomes := h.orch.ProcessBatch(context.Background(), creds, 5)

	require.Len(t, outcomes, 12)
	assert.EqualValues(t, 12, v.calls.Load())
	assert.LessOrEqual(t, v.peak.Load(), int32(5))
	assert.Greater(t, v.peak.Load(), int32(1))
	for i, out := range outcomes {
		assert.Equal(t, creds[i].ID, out.CredentialID)
		assert.Equal(t, credential.StatusVerified, out.Status)
	}
}

func TestPerformScanLeavesNothingPending(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{
		typ: credential.TypeSSH,
		result: func(c *credential.Credential) verifier.Result {
			if c.ID == "ssh-01" {
				return verifier.Failed("ssh", verifier.CategoryAuthentication, "SSH authentication failed")
			}
			return verifier.Succeeded("ssh", "ok", nil)
		},
	}
	h := newHarness(t, defaultOptions(), v)
	ids := h.seed(t, 3, credential.TypeSSH)

	report, err := h.orch.PerformScan(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, report.Cycle)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	for _, id := range ids {
		c := h.status(t, id)
		assert.NotEqual(t, credential.StatusPending, c.Status, id)
		assert.NotNil(t, c.LastVerificationAttempt, id)
	}
	failed := h.status(t, "ssh-01")
	assert.Equal(t, credential.StatusFailed, failed.Status)
	assert.Equal(t, "SSH authentication failed", failed.VerificationError)
	assert.Equal(t, 1, failed.FailureCount)
	assert.Nil(t, failed.VerifiedAt)

	ok := h.status(t, "ssh-00")
	assert.Equal(t, credential.StatusVerified, ok.Status)
	assert.NotNil(t, ok.VerifiedAt)
	assert.Zero(t, ok.FailureCount)

	entries := h.store.AuditEntries()
	assert.Len(t, actions(entries, audit.ActionVerification), 3)
	assert.Len(t, actions(entries, audit.ActionStatusUpdate), 3)

	// failed credential is inside its retry delay, nothing else is pending
	report, err = h.orch.PerformScan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.EqualValues(t, 3, v.calls.Load())
}

func TestVerifyCredentialHardTimeout(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.VerificationTimeout = 50 * time.Millisecond
	v := &fakeVerifier{typ: credential.TypeSSH, delay: 2 * time.Second, ignore: true}
	h := newHarness(t, opts, v)
	h.seed(t, 1, credential.TypeSSH)
	cred := h.status(t, "ssh-00")

	start := time.Now()
	out, err := h.orch.VerifyCredential(context.Background(), cred)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, out.Result.Success)
	assert.Equal(t, verifier.CategoryTimeout, out.Result.Category)
	assert.Contains(t, out.Result.Message, "timed out")
	assert.Equal(t, credential.StatusFailed, h.status(t, "ssh-00").Status)
	assert.Empty(t, h.orch.Status().ActiveVerifications)
}

func TestVerifyCredentialOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		v        *fakeVerifier
		wantStat credential.Status
		wantCat  verifier.Category
	}{
		{
			name: "expired certificate",
			v: &fakeVerifier{typ: credential.TypeCertificate, result: func(*credential.Credential) verifier.Result {
				return verifier.Failed("certificate", verifier.CategoryCertificateExpired, "certificate expired")
			}},
			wantStat: credential.StatusExpired,
			wantCat:  verifier.CategoryCertificateExpired,
		},
		{
			name:     "internal fault",
			v:        &fakeVerifier{typ: credential.TypeCertificate, err: errors.New("connection refused")},
			wantStat: credential.StatusFailed,
			wantCat:  verifier.CategoryConnectionRefused,
		},
		{
			name: "rate limited still verified",
			v: &fakeVerifier{typ: credential.TypeCertificate, result: func(*credential.Credential) verifier.Result {
				return verifier.Result{Success: true, Category: verifier.CategoryRateLimited, Method: "x"}
			}},
			wantStat: credential.StatusVerified,
			wantCat:  verifier.CategoryRateLimited,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, defaultOptions(), tt.v)
			h.seed(t, 1, credential.TypeCertificate)

			out, err := h.orch.VerifyCredential(context.Background(), h.status(t, "certificate-00"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStat, out.Status)
			assert.Equal(t, tt.wantCat, out.Result.Category)
			assert.Equal(t, tt.wantStat, h.status(t, "certificate-00").Status)
		})
	}
}

func TestVerifyCredentialNoVerifier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	_, err := h.orch.VerifyCredential(context.Background(), &credential.Credential{ID: "x", Type: credential.TypeWebsite})
	assert.ErrorIs(t, err, verifier.ErrNoVerifier)
}

func TestPerformScanStructuralFault(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.EnabledTypes[credential.TypeWebsite] = true
	h := newHarness(t, opts, &fakeVerifier{typ: credential.TypeSSH})
	h.seed(t, 1, credential.TypeWebsite)

	_, err := h.orch.PerformScan(context.Background())
	require.ErrorIs(t, err, verifier.ErrNoVerifier)

	h.orch.runCycle(context.Background())
	sec := actions(h.store.AuditEntries(), audit.ActionSecurityEvent)
	require.Len(t, sec, 1)
	assert.Equal(t, "scan_cycle_failed", sec[0].Metadata["event"])
	assert.Equal(t, credential.StatusPending, h.status(t, "website-00").Status)
}

func TestPerformScanHousekeeping(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.HousekeepingEvery = 2
	h := newHarness(t, opts, &fakeVerifier{typ: credential.TypeSSH})
	require.NoError(t, h.store.InsertAuditEntry(context.Background(), store.AuditEntry{
		ID: "ancient", Action: audit.ActionSystemEvent, CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	r1, err := h.orch.PerformScan(context.Background())
	require.NoError(t, err)
	assert.False(t, r1.Housekeeping)
	assert.Len(t, h.store.AuditEntries(), 1)

	r2, err := h.orch.PerformScan(context.Background())
	require.NoError(t, err)
	assert.True(t, r2.Housekeeping)
	assert.Empty(t, h.store.AuditEntries())
	assert.EqualValues(t, 2, h.orch.Metrics().ScansCompleted)
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	a := &credential.Credential{ID: "a"}
	b := &credential.Credential{ID: "b"}
	a2 := &credential.Credential{ID: "a", Status: credential.StatusFailed}

	got := dedupe([]*credential.Credential{a, b, a2})
	require.Len(t, got, 2)
	assert.Same(t, a, got[0])
	assert.Same(t, b, got[1])
}

func TestStartValidation(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.EnabledTypes[credential.TypeDatabase] = true
	h := newHarness(t, opts, &fakeVerifier{typ: credential.TypeSSH}, &fakeVerifier{typ: credential.TypeCertificate})

	err := h.orch.Start(context.Background())
	var cfgErr cserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "protocols.database.enabled", cfgErr.Field)
	assert.False(t, h.orch.Running())

	opts = defaultOptions()
	opts.MaxConcurrent = 0
	h = newHarness(t, opts, &fakeVerifier{typ: credential.TypeSSH}, &fakeVerifier{typ: credential.TypeCertificate})
	require.ErrorAs(t, h.orch.Start(context.Background()), &cfgErr)
	assert.Equal(t, "scan.max_concurrent_verifications", cfgErr.Field)
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.ScanInterval = 20 * time.Millisecond
	h := newHarness(t, opts, &fakeVerifier{typ: credential.TypeSSH}, &fakeVerifier{typ: credential.TypeCertificate})
	ids := h.seed(t, 4, credential.TypeSSH)

	require.NoError(t, h.orch.Start(context.Background()))
	assert.ErrorIs(t, h.orch.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, h.orch.Status().Running)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if h.status(t, id).Status != credential.StatusVerified {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orch.Stop(context.Background()))
	assert.ErrorIs(t, h.orch.Stop(context.Background()), ErrNotRunning)
	assert.False(t, h.orch.Running())

	m := h.orch.Metrics()
	assert.GreaterOrEqual(t, m.ScansCompleted, int64(1))
	assert.EqualValues(t, 4, m.CredentialsVerified)
	assert.InDelta(t, 100.0, m.SuccessRate, 0.001)

	var events []string
	for _, e := range actions(h.store.AuditEntries(), audit.ActionSystemEvent) {
		events = append(events, fmt.Sprint(e.Metadata["event"]))
	}
	assert.Contains(t, events, "engine_started")
	assert.Contains(t, events, "engine_stopped")
	assert.Contains(t, events, "batch_summary")
}

func TestStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.ScanInterval = 10 * time.Millisecond
	v := &fakeVerifier{typ: credential.TypeSSH, delay: 300 * time.Millisecond}
	h := newHarness(t, opts, v, &fakeVerifier{typ: credential.TypeCertificate})
	ids := h.seed(t, 3, credential.TypeSSH)

	require.NoError(t, h.orch.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.orch.Status().ActiveVerifications) == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Stop(context.Background()))

	for _, id := range ids {
		assert.Equal(t, credential.StatusVerified, h.status(t, id).Status, id)
	}
	assert.Empty(t, h.orch.Status().ActiveVerifications)
}

func TestStopGraceLeavesUnfinishedWorkUntouched(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.ScanInterval = 10 * time.Millisecond
	opts.ShutdownGrace = 50 * time.Millisecond
	opts.MaxConcurrent = 1
	v := &fakeVerifier{typ: credential.TypeSSH, delay: 10 * time.Second}
	h := newHarness(t, opts, v, &fakeVerifier{typ: credential.TypeCertificate})
	ids := h.seed(t, 10, credential.TypeSSH)

	require.NoError(t, h.orch.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.orch.Status().ActiveVerifications) == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.orch.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, h.orch.Status().ActiveVerifications)

	// neither the cancelled verification nor the queued ones were recorded
	for _, id := range ids {
		c := h.status(t, id)
		assert.Equal(t, credential.StatusPending, c.Status, id)
		assert.Zero(t, c.FailureCount, id)
		assert.Nil(t, c.LastVerificationAttempt, id)
		assert.Empty(t, c.VerificationError, id)
	}
	assert.EqualValues(t, 1, v.calls.Load())
	assert.Zero(t, h.orch.Metrics().CredentialsVerified)

	entries := h.store.AuditEntries()
	assert.Empty(t, actions(entries, audit.ActionVerification))
	assert.Empty(t, actions(entries, audit.ActionStatusUpdate))
	require.NotEmpty(t, entries)
	assert.Equal(t, "engine_stopped", entries[len(entries)-1].Metadata["event"])

	// the loop has exited, so nothing starts after Stop returns
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, v.calls.Load())
	assert.Len(t, h.store.AuditEntries(), len(entries))
}

func TestVerifyCredentialInterruptedLeavesStateAlone(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{typ: credential.TypeSSH, delay: 5 * time.Second, ignore: true}
	h := newHarness(t, defaultOptions(), v)
	rec := &countingRecorder{}
	h.orch.recorder = rec
	h.seed(t, 1, credential.TypeSSH)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := h.orch.VerifyCredential(ctx, h.status(t, "ssh-00"))
	require.NoError(t, err)
	assert.True(t, out.Interrupted)
	assert.Equal(t, credential.StatusPending, out.Status)

	c := h.status(t, "ssh-00")
	assert.Equal(t, credential.StatusPending, c.Status)
	assert.Zero(t, c.FailureCount)
	assert.Nil(t, c.LastVerificationAttempt)
	assert.Empty(t, h.store.AuditEntries())
	assert.Empty(t, h.orch.Status().ActiveVerifications)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.interrupted)
	assert.Empty(t, rec.finished)
}

func TestProcessBatchCancelledStartsNothing(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{typ: credential.TypeSSH}
	h := newHarness(t, defaultOptions(), v)
	h.seed(t, 4, credential.TypeSSH)
	creds, err := h.store.ListDue(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Empty(t, h.orch.ProcessBatch(ctx, creds, 2))
	assert.Zero(t, v.calls.Load())
	for _, c := range creds {
		assert.Equal(t, credential.StatusPending, h.status(t, c.ID).Status)
	}
}

func TestVerifyCredentialTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{typ: credential.TypeSSH}
	h := newHarness(t, defaultOptions(), v)
	h.seed(t, 1, credential.TypeSSH)
	clock := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, err := h.orch.VerifyCredential(context.Background(), h.status(t, "ssh-00"))
	require.NoError(t, err)
	assert.True(t, first.Result.Success)
	after1 := h.status(t, "ssh-00")
	require.NotNil(t, after1.VerifiedAt)

	second, err := h.orch.VerifyCredential(context.Background(), after1)
	require.NoError(t, err)
	assert.True(t, second.Result.Success)
	assert.Equal(t, credential.StatusVerified, second.Status)

	after2 := h.status(t, "ssh-00")
	assert.Equal(t, credential.StatusVerified, after2.Status)
	assert.Zero(t, after2.FailureCount)
	assert.Empty(t, after2.VerificationError)
	require.NotNil(t, after2.VerifiedAt)
	assert.True(t, after2.VerifiedAt.After(*after1.VerifiedAt))

	entries := h.store.AuditEntries()
	assert.Len(t, actions(entries, audit.ActionVerification), 2)
	// only the first run changed the status
	assert.Len(t, actions(entries, audit.ActionStatusUpdate), 1)
	assert.EqualValues(t, 2, v.calls.Load())
}

func TestRequeue(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{typ: credential.TypeSSH, result: func(*credential.Credential) verifier.Result {
		return verifier.Failed("ssh", verifier.CategoryAuthentication, "denied")
	}}
	h := newHarness(t, defaultOptions(), v)
	h.seed(t, 1, credential.TypeSSH)

	_, err := h.orch.PerformScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, credential.StatusFailed, h.status(t, "ssh-00").Status)

	require.NoError(t, h.orch.Requeue(context.Background(), "ssh-00"))
	c := h.status(t, "ssh-00")
	assert.Equal(t, credential.StatusPending, c.Status)
	assert.Empty(t, c.VerificationError)
	assert.Zero(t, c.FailureCount)

	assert.ErrorIs(t, h.orch.Requeue(context.Background(), "missing"), store.ErrNotFound)
}

type countingRecorder struct {
	mu          sync.Mutex
	scans       int
	started     int
	interrupted int
	finished    map[credential.Type]int
	counts      map[credential.Status]int
}

func (r *countingRecorder) ScanCompleted() { r.mu.Lock(); r.scans++; r.mu.Unlock() }

func (r *countingRecorder) VerificationStarted() { r.mu.Lock(); r.started++; r.mu.Unlock() }

func (r *countingRecorder) VerificationFinished(typ credential.Type, _ verifier.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[credential.Type]int)
	}
	r.finished[typ]++
}

func (r *countingRecorder) VerificationInterrupted(credential.Type) {
	r.mu.Lock()
	r.interrupted++
	r.mu.Unlock()
}

func (r *countingRecorder) CredentialCounts(byStatus map[credential.Status]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = byStatus
}

func TestRecorderReceivesMeasurements(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	reg, err := verifier.NewRegistry(&fakeVerifier{typ: credential.TypeSSH})
	require.NoError(t, err)
	rec := &countingRecorder{}
	o := New(st, scanner.New(st, scanner.Options{RetryDelay: time.Hour}, nil), reg, audit.New(st, 0, nil), rec, defaultOptions(), nil)
	h := &harness{store: st, orch: o}
	h.seed(t, 2, credential.TypeSSH)

	_, err = o.PerformScan(context.Background())
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.scans)
	assert.Equal(t, 2, rec.started)
	assert.Equal(t, 2, rec.finished[credential.TypeSSH])
	assert.Equal(t, 2, rec.counts[credential.StatusVerified])
}
