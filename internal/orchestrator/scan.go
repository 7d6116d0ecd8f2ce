package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/systmms/credsentry/internal/audit"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

// CycleReport summarises one scan cycle.
type CycleReport struct {
	Cycle        int64         `json:"cycle" yaml:"cycle"`
	Processed    int           `json:"processed" yaml:"processed"`
	Succeeded    int           `json:"succeeded" yaml:"succeeded"`
	Failed       int           `json:"failed" yaml:"failed"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	Housekeeping bool          `json:"housekeeping" yaml:"housekeeping"`
	Outcomes     []Outcome     `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
}

// Outcome is the result of verifying one credential.
type Outcome struct {
	CredentialID string            `json:"credential_id" yaml:"credential_id"`
	Type         credential.Type   `json:"type" yaml:"type"`
	Status       credential.Status `json:"status" yaml:"status"`
	Result       verifier.Result   `json:"result" yaml:"result"`
	// Interrupted is set when shutdown cancelled the verification before it
	// concluded. Nothing was persisted for the credential.
	Interrupted bool  `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Err         error `json:"-" yaml:"-"`
}

// PerformScan runs one cycle: due and retry batches are merged, deduplicated
// and filtered, then verified under the concurrency cap. Every
// HousekeepingEvery-th cycle also prunes audit rows and stale attempts.
func (o *Orchestrator) PerformScan(ctx context.Context) (CycleReport, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := o.now()
	due, err := o.scanner.ScanForDue(ctx, o.opts.BatchSize)
	if err != nil {
		return CycleReport{}, fmt.Errorf("scan for due credentials: %w", err)
	}
	retries, err := o.scanner.ScanForRetries(ctx, max(o.opts.BatchSize/2, 1))
	if err != nil {
		return CycleReport{}, fmt.Errorf("scan for retries: %w", err)
	}

	batch := o.scanner.FilterByEnabledTypes(dedupe(append(due, retries...)), o.opts.EnabledTypes)
	for _, c := range batch {
		if _, _, err := o.registry.Resolve(c); err != nil {
			return CycleReport{}, fmt.Errorf("credential %s: %w", c.ID, err)
		}
	}

	o.cycles++
	report := CycleReport{Cycle: o.cycles}
	if len(batch) > 0 {
		o.logger.Info("Scan cycle %d: verifying %d credential(s) (%d due, %d retries)",
			report.Cycle, len(batch), len(due), len(retries))
		report.Outcomes = o.ProcessBatch(ctx, batch, o.opts.MaxConcurrent)
		for _, out := range report.Outcomes {
			if out.Interrupted {
				continue
			}
			report.Processed++
			if out.Err == nil && out.Result.Success {
				report.Succeeded++
			} else {
				report.Failed++
			}
		}
	}

	if ctx.Err() == nil && o.opts.HousekeepingEvery > 0 && report.Cycle%int64(o.opts.HousekeepingEvery) == 0 {
		o.housekeeping(ctx)
		report.Housekeeping = true
	}
	o.refreshCounts(ctx)

	report.Duration = o.now().Sub(start)
	o.metricsMu.Lock()
	o.counters.scans++
	o.counters.lastScanAt = o.now()
	o.metricsMu.Unlock()
	o.recorder.ScanCompleted()

	if report.Processed > 0 {
		o.audit.LogBatchSummary(context.WithoutCancel(ctx), audit.BatchSummary{
			Cycle:     report.Cycle,
			Processed: report.Processed,
			Succeeded: report.Succeeded,
			Failed:    report.Failed,
			Duration:  report.Duration,
		})
		o.logger.Info("Scan cycle %d finished: %d verified, %d failed in %s",
			report.Cycle, report.Succeeded, report.Failed, report.Duration.Round(time.Millisecond))
	} else {
		o.logger.Debug("Scan cycle %d: nothing to verify", report.Cycle)
	}
	return report, nil
}

// dedupe drops repeated ids, keeping the first occurrence.
func dedupe(creds []*credential.Credential) []*credential.Credential {
	seen := make(map[string]struct{}, len(creds))
	out := creds[:0:0]
	for _, c := range creds {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (o *Orchestrator) housekeeping(ctx context.Context) {
	removed := o.audit.Cleanup(ctx)
	cleared, err := o.scanner.CleanupOldAttempts(ctx)
	if err != nil {
		o.logger.Warn("Housekeeping: %v", err)
	}
	o.logger.Debug("Housekeeping removed %d audit entr(ies), cleared %d stale attempt(s)", removed, cleared)
}

func (o *Orchestrator) refreshCounts(ctx context.Context) {
	stats, err := o.scanner.Stats(ctx)
	if err != nil {
		o.logger.Debug("Could not refresh credential counts: %v", err)
		return
	}
	o.recorder.CredentialCounts(stats.ByStatus)
}

// ProcessBatch verifies creds with at most maxConcurrent in flight. Work is
// submitted in slice order; the returned outcomes are in the same order.
// Once ctx is cancelled no further credential is started, and credentials
// that never started are left out of the result untouched.
func (o *Orchestrator) ProcessBatch(ctx context.Context, creds []*credential.Credential, maxConcurrent int) []Outcome {
	outcomes := make([]Outcome, len(creds))
	if len(creds) == 0 {
		return outcomes
	}
	started := make([]bool, len(creds))

	var g errgroup.Group
	g.SetLimit(max(maxConcurrent, 1))
	for i, c := range creds {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			out, err := o.VerifyCredential(ctx, c)
			if err != nil {
				o.logger.Error("Verification of %s aborted: %v", c.ID, err)
				out = Outcome{CredentialID: c.ID, Type: c.Type, Status: c.Status, Err: err}
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	ran := outcomes[:0]
	for i := range outcomes {
		if started[i] {
			ran = append(ran, outcomes[i])
		}
	}
	if skipped := len(creds) - len(ran); skipped > 0 {
		o.logger.Info("Shutdown in progress: %d queued credential(s) left for the next run", skipped)
	}
	return ran
}

// VerifyCredential verifies one credential under the hard timeout, persists
// the outcome and writes an audit entry. Expected failures are reported in
// the Outcome; the error is returned only when no verifier can handle cred.
func (o *Orchestrator) VerifyCredential(ctx context.Context, cred *credential.Credential) (Outcome, error) {
	v, typ, err := o.registry.Resolve(cred)
	if err != nil {
		return Outcome{}, err
	}

	o.inflight.Add(1)
	defer o.inflight.Done()
	o.track(cred.ID)
	defer o.untrack(cred.ID)
	o.recorder.VerificationStarted()

	start := o.now()
	res, interrupted := o.runVerifier(ctx, v, cred, typ)
	if res.Duration <= 0 {
		res.Duration = o.now().Sub(start)
	}
	if interrupted {
		o.recorder.VerificationInterrupted(typ)
		o.logger.Info("Verification of %s interrupted by shutdown; status left as %s", cred.ID, cred.Status)
		return Outcome{CredentialID: cred.ID, Type: typ, Status: cred.Status, Result: res, Interrupted: true}, nil
	}

	status := credential.StatusFailed
	switch {
	case res.Success:
		status = credential.StatusVerified
	case res.Category == verifier.CategoryCertificateExpired:
		status = credential.StatusExpired
	}

	finished := o.now()
	update := store.VerificationUpdate{
		Status:       status,
		AttemptedAt:  finished,
		FailureCount: cred.FailureCount + 1,
	}
	if res.Success {
		update.VerifiedAt = &finished
		update.FailureCount = 0
	} else {
		update.Error = res.Message
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.UpdateVerification(persistCtx, cred.ID, update); err != nil {
		o.logger.Error("Failed to persist verification of %s (retried next cycle): %v", cred.ID, err)
	}
	o.audit.LogVerification(persistCtx, cred, typ, res)
	if status != cred.Status {
		reason := ""
		if !res.Success {
			reason = res.Message
		}
		o.audit.LogStatusUpdate(persistCtx, cred.ID, cred.Status, status, reason)
	}

	o.observe(typ, res)
	if res.Success {
		o.logger.Debug("Credential %s verified via %s in %s", cred.ID, res.Method, res.Duration.Round(time.Millisecond))
	} else {
		o.logger.Info("Credential %s failed verification (%s): %s", cred.ID, res.Category, res.Message)
	}

	return Outcome{CredentialID: cred.ID, Type: typ, Status: status, Result: res}, nil
}

// runVerifier races the verifier against the hard timeout. A verifier that
// ignores its context is abandoned and reported as a timeout. The bool is
// true when cancellation of ctx, not the timeout, cut the attempt short.
func (o *Orchestrator) runVerifier(ctx context.Context, v verifier.Verifier, cred *credential.Credential, typ credential.Type) (verifier.Result, bool) {
	vctx, cancel := context.WithTimeout(ctx, o.opts.VerificationTimeout)
	defer cancel()

	type reply struct {
		res verifier.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("verifier panicked: %v", r)}
			}
		}()
		res, err := v.Verify(vctx, cred)
		ch <- reply{res: res, err: err}
	}()

	cancelled := verifier.Result{
		Method:   string(typ),
		Category: verifier.CategoryTimeout,
		Message:  "verification cancelled: engine shutting down",
	}
	select {
	case r := <-ch:
		switch {
		case r.err == nil && r.res.Success:
			return r.res, false
		case ctx.Err() != nil:
			return cancelled, true
		case r.err != nil:
			o.logger.Error("Internal fault verifying %s: %v", cred.ID, r.err)
			return verifier.FailedWith(string(typ), r.err), false
		}
		return r.res, false
	case <-vctx.Done():
		if ctx.Err() != nil {
			return cancelled, true
		}
		return verifier.Result{
			Method:   string(typ),
			Category: verifier.CategoryTimeout,
			Message:  fmt.Sprintf("verification timed out after %s", o.opts.VerificationTimeout),
			Duration: o.opts.VerificationTimeout,
		}, false
	}
}

// Requeue resets a credential to pending so the next cycle verifies it.
func (o *Orchestrator) Requeue(ctx context.Context, id string) error {
	cred, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.store.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	o.audit.LogStatusUpdate(ctx, id, cred.Status, credential.StatusPending, "requeued")
	o.logger.Info("Credential %s requeued for verification", id)
	return nil
}
