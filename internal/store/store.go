// Package store persists credentials and the audit trail.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/systmms/credsentry/pkg/credential"
)

// ErrNotFound is returned when a credential id does not exist.
var ErrNotFound = errors.New("credential not found")

// CredentialStore is the durable state behind the verification engine.
// Every write is scoped to one credential id.
type CredentialStore interface {
	// ListDue returns pending credentials, oldest created first.
	ListDue(ctx context.Context, limit int) ([]*credential.Credential, error)

	// ListRetryable returns failed credentials matching q, oldest attempt
	// first with never-attempted credentials ahead of the rest.
	ListRetryable(ctx context.Context, q RetryQuery) ([]*credential.Credential, error)

	// Get returns one credential or ErrNotFound.
	Get(ctx context.Context, id string) (*credential.Credential, error)

	// Create inserts a credential. Missing timestamps are set to now.
	Create(ctx context.Context, cred *credential.Credential) error

	// UpdateVerification records the outcome of one verification.
	UpdateVerification(ctx context.Context, id string, u VerificationUpdate) error

	// Requeue resets a credential to pending and clears its last error.
	Requeue(ctx context.Context, id string) error

	// CountByStatusAndType aggregates credentials for observability.
	CountByStatusAndType(ctx context.Context) ([]Count, error)

	// ClearStaleAttempts clears the error and attempt time of failed
	// credentials last attempted before the cutoff. Status is untouched.
	ClearStaleAttempts(ctx context.Context, before time.Time) (int64, error)

	// InsertAuditEntry appends one audit row.
	InsertAuditEntry(ctx context.Context, e AuditEntry) error

	// DeleteAuditEntriesBefore removes audit rows older than the cutoff.
	DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// RetryQuery selects failed credentials eligible for another attempt.
type RetryQuery struct {
	// AttemptedBefore excludes credentials attempted at or after this time.
	AttemptedBefore time.Time

	// MaxFailures excludes credentials with this many consecutive failures.
	// Zero disables the limit.
	MaxFailures int

	Limit  int
	Offset int
}

// VerificationUpdate is the persisted result of one verification.
type VerificationUpdate struct {
	Status       credential.Status
	Error        string
	AttemptedAt  time.Time
	VerifiedAt   *time.Time
	FailureCount int
}

// Count is one row of CountByStatusAndType.
type Count struct {
	Status credential.Status `json:"status" yaml:"status"`
	Type   credential.Type   `json:"type" yaml:"type"`
	N      int               `json:"count" yaml:"count"`
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id,omitempty"`
	CredentialID string                 `json:"credential_id,omitempty"`
	Action       string                 `json:"action"`
	Resource     string                 `json:"resource"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
