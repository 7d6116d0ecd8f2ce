// Package orchestrator runs scan cycles: it selects credentials, verifies
// them under a concurrency cap and a hard timeout, and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/systmms/credsentry/internal/audit"
	"github.com/systmms/credsentry/internal/config"
	cserrors "github.com/systmms/credsentry/internal/errors"
	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/internal/scanner"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

var (
	// ErrAlreadyRunning is returned by Start on a running orchestrator.
	ErrAlreadyRunning = errors.New("orchestrator already running")

	// ErrNotRunning is returned by Stop on a stopped orchestrator.
	ErrNotRunning = errors.New("orchestrator not running")
)

// persistTimeout bounds status and audit writes made after a verification,
// which run detached from the (possibly cancelled) verification context.
const persistTimeout = 10 * time.Second

// drainTimeout bounds how long Stop waits, after cancelling outstanding
// work, for the scan loop and its last writes to finish.
const drainTimeout = persistTimeout + 5*time.Second

// Options configures the scan loop.
type Options struct {
	ScanInterval        time.Duration
	BatchSize           int
	MaxConcurrent       int
	VerificationTimeout time.Duration
	ShutdownGrace       time.Duration
	HousekeepingEvery   int
	EnabledTypes        map[credential.Type]bool
}

// OptionsFromConfig maps the runtime configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ScanInterval:        cfg.Scan.Interval,
		BatchSize:           cfg.Scan.BatchSize,
		MaxConcurrent:       cfg.Scan.MaxConcurrentVerifications,
		VerificationTimeout: cfg.Timeouts.Overall,
		ShutdownGrace:       cfg.Scan.ShutdownGrace,
		HousekeepingEvery:   cfg.Scan.HousekeepingEvery,
		EnabledTypes:        cfg.EnabledTypes(),
	}
}

// Recorder receives live measurements. internal/health implements it.
type Recorder interface {
	ScanCompleted()
	VerificationStarted()
	VerificationFinished(typ credential.Type, r verifier.Result)
	VerificationInterrupted(typ credential.Type)
	CredentialCounts(byStatus map[credential.Status]int)
}

type nopRecorder struct{}

func (nopRecorder) ScanCompleted() {}
func (nopRecorder) VerificationStarted() {}
func (nopRecorder) VerificationFinished(credential.Type, verifier.Result) {}
func (nopRecorder) VerificationInterrupted(credential.Type) {}
func (nopRecorder) CredentialCounts(map[credential.Status]int) {}

// Orchestrator owns the scan loop and the verification pipeline.
type Orchestrator struct {
	store    store.CredentialStore
	scanner  *scanner.Scanner
	registry *verifier.Registry
	audit    *audit.Logger
	recorder Recorder
	opts     Options
	logger   *logging.Logger
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	cancelLoop context.CancelFunc
	cancelWork context.CancelFunc
	loopDone   chan struct{}

	// cycleMu keeps scan cycles from overlapping.
	cycleMu sync.Mutex
	cycles  int64

	inflight sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]time.Time

	metricsMu sync.Mutex
	counters  counters
}

type counters struct {
	scans       int64
	verified    int64
	successes   int64
	failures    int64
	avgDuration time.Duration
	lastScanAt  time.Time
}

// New creates a stopped orchestrator. A nil recorder disables live metrics.
func New(st store.CredentialStore, sc *scanner.Scanner, reg *verifier.Registry, al *audit.Logger, rec Recorder, opts Options, logger *logging.Logger) *Orchestrator {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Orchestrator{
		store:    st,
		scanner:  sc,
		registry: reg,
		audit:    al,
		recorder: rec,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]time.Time),
	}
}

// Validate checks the options and that every enabled type has a verifier.
func (o *Orchestrator) Validate() error {
	durations := []struct {
		field string
		value time.Duration
	}{
		{"scan.interval", o.opts.ScanInterval},
		{"timeouts.overall", o.opts.VerificationTimeout},
		{"scan.shutdown_grace", o.opts.ShutdownGrace},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return cserrors.ConfigError{Field: d.field, Value: d.value, Message: "must be a positive duration"}
		}
	}
	ints := []struct {
		field string
		value int
	}{
		{"scan.batch_size", o.opts.BatchSize},
		{"scan.max_concurrent_verifications", o.opts.MaxConcurrent},
		{"scan.housekeeping_every", o.opts.HousekeepingEvery},
	}
	for _, i := range ints {
		if i.value <= 0 {
			return cserrors.ConfigError{Field: i.field, Value: i.value, Message: "must be a positive integer"}
		}
	}
	for _, t := range credential.VerifiableTypes {
		if !o.opts.EnabledTypes[t] {
			continue
		}
		if _, ok := o.registry.Get(t); !ok {
			return cserrors.ConfigError{
				Field:      fmt.Sprintf("protocols.%s.enabled", t),
				Value:      true,
				Message:    "no verifier registered for this type",
				Suggestion: fmt.Sprintf("Disable %s verification or register a verifier for it", t),
			}
		}
	}
	return nil
}

// Start validates the configuration and schedules the first cycle one
// interval from now. The scan loop keeps running after ctx is cancelled;
// use Stop to end it.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, cancelLoop := context.WithCancel(workCtx)
	o.running = true
	o.startedAt = o.now()
	o.cancelWork = cancelWork
	o.cancelLoop = cancelLoop
	o.loopDone = make(chan struct{})
	done := o.loopDone
	o.mu.Unlock()

	o.audit.LogSystemEvent(ctx, "engine_started", map[string]interface{}{
		"scan_interval":  o.opts.ScanInterval.String(),
		"batch_size":     o.opts.BatchSize,
		"max_concurrent": o.opts.MaxConcurrent,
		"timeout":        o.opts.VerificationTimeout.String(),
		"verifiers":      typeNames(o.registry.Types()),
	})
	o.logger.Info("Verification engine started (interval %s, batch %d, concurrency %d)",
		o.opts.ScanInterval, o.opts.BatchSize, o.opts.MaxConcurrent)

	go o.loop(loopCtx, workCtx, done)
	return nil
}

// loop runs a cycle every interval. The timer is re-armed only after a
// cycle, housekeeping included, has finished.
func (o *Orchestrator) loop(loopCtx, workCtx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(o.opts.ScanInterval)
	defer timer.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		}
		o.runCycle(workCtx)
		timer.Reset(o.opts.ScanInterval)
	}
}

// runCycle performs one scan; a failed cycle is logged as a security event
// and skipped until the next interval.
func (o *Orchestrator) runCycle(ctx context.Context) {
	if _, err := o.PerformScan(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Error("Scan cycle failed, skipping until next interval: %v", err)
		o.audit.LogSecurityEvent(context.WithoutCancel(ctx), "scan_cycle_failed", audit.SeverityHigh, map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Stop cancels the schedule and waits up to the shutdown grace period for
// in-flight verifications. When the grace period (or ctx) expires first,
// outstanding verifications are cancelled and left without a recorded
// outcome, and queued credentials are not started. Stop then waits up to
// drainTimeout for the scan loop to exit before logging engine_stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	cancelLoop, cancelWork, loopDone := o.cancelLoop, o.cancelWork, o.loopDone
	o.mu.Unlock()

	cancelLoop()

	drained := make(chan struct{})
	go func() {
		<-loopDone
		o.inflight.Wait()
		close(drained)
	}()

	grace := time.NewTimer(o.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		o.logger.Warn("Shutdown grace period of %s elapsed with %d verification(s) in flight; cancelling them",
			o.opts.ShutdownGrace, len(o.activeIDs()))
	case <-ctx.Done():
		o.logger.Warn("Shutdown interrupted with %d verification(s) in flight; cancelling them", len(o.activeIDs()))
	}
	cancelWork()

	drain := time.NewTimer(drainTimeout)
	defer drain.Stop()
	select {
	case <-drained:
	case <-drain.C:
		o.logger.Warn("Scan loop still busy %s after cancellation; stopping anyway", drainTimeout)
	}

	m := o.Metrics()
	o.audit.LogSystemEvent(context.WithoutCancel(ctx), "engine_stopped", map[string]interface{}{
		"scans_completed":      m.ScansCompleted,
		"credentials_verified": m.CredentialsVerified,
		"successes":            m.Successes,
		"failures":             m.Failures,
		"success_rate":         m.SuccessRate,
		"uptime_seconds":       int64(m.Uptime.Seconds()),
	})
	o.logger.Info("Verification engine stopped after %d scan(s)", m.ScansCompleted)
	return nil
}

// Running reports whether the scan loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func typeNames(ts []credential.Type) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
