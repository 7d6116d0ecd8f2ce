// Package audit writes the append-only verification audit trail.
//
// Writes are best effort. A failing or panicking store is logged and the
// entry dropped; callers never see an error.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

// Actions recorded in the audit log.
const (
	ActionVerification  = "verification"
	ActionStatusUpdate  = "status_update"
	ActionSystemEvent   = "system_event"
	ActionSecurityEvent = "security_event"
)

// Severity tags a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Logger writes audit entries through the credential store.
type Logger struct {
	store     store.CredentialStore
	retention time.Duration
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

// New creates an audit logger. Entries older than retention are removed by
// Cleanup; zero keeps everything.
func New(st store.CredentialStore, retention time.Duration, logger *logging.Logger) *Logger {
	return &Logger{
		store:     st,
		retention: retention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (l *Logger) write(ctx context.Context, e store.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Audit write panicked, entry dropped: %v", r)
		}
	}()

	e.ID = l.newID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	if err := l.store.InsertAuditEntry(ctx, e); err != nil {
		l.logger.Warn("Audit write failed, entry dropped (%s %s): %v", e.Action, e.Resource, err)
	}
}

// LogVerification records one verification result.
func (l *Logger) LogVerification(ctx context.Context, cred *credential.Credential, typ credential.Type, r verifier.Result) {
	meta := map[string]interface{}{
		"type":        string(typ),
		"success":     r.Success,
		"message":     r.Message,
		"method":      r.Method,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Category != verifier.CategoryNone {
		meta["error_category"] = string(r.Category)
	}
	if len(r.Details) > 0 {
		meta["details"] = r.Details
	}
	l.write(ctx, store.AuditEntry{
		UserID:       cred.OwnerID,
		CredentialID: cred.ID,
		Action:       ActionVerification,
		Resource:     "credential:" + cred.ID,
		Metadata:     meta,
	})
}

// LogStatusUpdate records a status transition.
func (l *Logger) LogStatusUpdate(ctx context.Context, credID string, from, to credential.Status, reason string) {
	meta := map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}
	if reason != "" {
		meta["reason"] = reason
	}
	l.write(ctx, store.AuditEntry{
		CredentialID: credID,
		Action:       ActionStatusUpdate,
		Resource:     "credential:" + credID,
		Metadata:     meta,
	})
}

// LogSystemEvent records an engine lifecycle event.
func (l *Logger) LogSystemEvent(ctx context.Context, event string, metadata map[string]interface{}) {
	meta := map[string]interface{}{"event": event}
	for k, v := range metadata {
		meta[k] = v
	}
	l.write(ctx, store.AuditEntry{
		Action:   ActionSystemEvent,
		Resource: "system:" + event,
		Metadata: meta,
	})
}

// LogSecurityEvent records a severity-tagged security event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, severity Severity, metadata map[string]interface{}) {
	meta := map[string]interface{}{
		"event":    event,
		"severity": string(severity),
	}
	for k, v := range metadata {
		meta[k] = v
	}
	l.write(ctx, store.AuditEntry{
		Action:   ActionSecurityEvent,
		Resource: "security:" + event,
		Metadata: meta,
	})
}

// BatchSummary describes one completed scan cycle.
type BatchSummary struct {
	Cycle     int64
	Processed int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// SuccessRate is Succeeded/Processed as a percentage.
func (b BatchSummary) SuccessRate() float64 {
	if b.Processed == 0 {
		return 0
	}
	return float64(b.Succeeded) * 100 / float64(b.Processed)
}

// LogBatchSummary records the outcome of one scan cycle.
func (l *Logger) LogBatchSummary(ctx context.Context, b BatchSummary) {
	l.write(ctx, store.AuditEntry{
		Action:   ActionSystemEvent,
		Resource: fmt.Sprintf("batch:%d", b.Cycle),
		Metadata: map[string]interface{}{
			"event":        "batch_summary",
			"cycle":        b.Cycle,
			"processed":    b.Processed,
			"succeeded":    b.Succeeded,
			"failed":       b.Failed,
			"success_rate": b.SuccessRate(),
			"duration_ms":  b.Duration.Milliseconds(),
		},
	})
}

// Cleanup removes entries older than the retention window and returns how
// many were deleted. Failures are logged, not returned.
func (l *Logger) Cleanup(ctx context.Context) int64 {
	if l.retention <= 0 {
		return 0
	}
	n, err := l.store.DeleteAuditEntriesBefore(ctx, l.now().Add(-l.retention))
	if err != nil {
		l.logger.Warn("Audit retention cleanup failed: %v", err)
		return 0
	}
	if n > 0 {
		l.logger.Info("Removed %d audit entr(ies) older than %s", n, l.retention)
	}
	return n
}
