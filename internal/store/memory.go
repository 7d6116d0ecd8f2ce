package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/systmms/credsentry/pkg/credential"
)

// Compile-time interface satisfaction check.
var _ CredentialStore = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory. It backs tests and the
// memory driver; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*credential.Credential
	audit       []AuditEntry
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*credential.Credential),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func clone(c *credential.Credential) *credential.Credential {
	cp := *c
	if c.VerifiedAt != nil {
		t := *c.VerifiedAt
		cp.VerifiedAt = &t
	}
	if c.LastVerificationAttempt != nil {
		t := *c.LastVerificationAttempt
		cp.LastVerificationAttempt = &t
	}
	return &cp
}

func (m *MemoryStore) filter(keep func(*credential.Credential) bool) []*credential.Credential {
	var out []*credential.Credential
	for _, c := range m.credentials {
		if keep(c) {
			out = append(out, clone(c))
		}
	}
	return out
}

func limit(creds []*credential.Credential, n int) []*credential.Credential {
	if n > 0 && len(creds) > n {
		return creds[:n]
	}
	return creds
}

// ListDue returns pending credentials, oldest created first.
func (m *MemoryStore) ListDue(_ context.Context, n int) ([]*credential.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filter(func(c *credential.Credential) bool { return c.Status == credential.StatusPending })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, n), nil
}

// ListRetryable returns failed credentials matching q.
func (m *MemoryStore) ListRetryable(_ context.Context, q RetryQuery) ([]*credential.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.filter(func(c *credential.Credential) bool {
		if c.Status != credential.StatusFailed {
			return false
		}
		if q.MaxFailures > 0 && c.FailureCount >= q.MaxFailures {
			return false
		}
		return c.LastVerificationAttempt == nil || c.LastVerificationAttempt.Before(q.AttemptedBefore)
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastVerificationAttempt, out[j].LastVerificationAttempt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return out[i].ID < out[j].ID
		}
	})
	if q.Offset >= len(out) {
		return nil, nil
	}
	return limit(out[q.Offset:], q.Limit), nil
}

// Get returns one credential.
func (m *MemoryStore) Get(_ context.Context, id string) (*credential.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(c), nil
}

// Create inserts cred.
func (m *MemoryStore) Create(_ context.Context, cred *credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.credentials[cred.ID]; exists {
		return fmt.Errorf("credential %q already exists", cred.ID)
	}
	now := m.now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = now
	}
	if cred.Status == "" {
		cred.Status = credential.StatusPending
	}
	m.credentials[cred.ID] = clone(cred)
	return nil
}

// UpdateVerification records a verification outcome.
func (m *MemoryStore) UpdateVerification(_ context.Context, id string, u VerificationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	attempted := u.AttemptedAt
	c.Status = u.Status
	c.VerificationError = u.Error
	c.LastVerificationAttempt = &attempted
	if u.VerifiedAt != nil {
		t := *u.VerifiedAt
		c.VerifiedAt = &t
	}
	c.FailureCount = u.FailureCount
	c.UpdatedAt = m.now()
	return nil
}

// Requeue resets a credential to pending.
func (m *MemoryStore) Requeue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Status = credential.StatusPending
	c.VerificationError = ""
	c.FailureCount = 0
	c.UpdatedAt = m.now()
	return nil
}

// CountByStatusAndType aggregates credentials.
func (m *MemoryStore) CountByStatusAndType(_ context.Context) ([]Count, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		status credential.Status
		typ    credential.Type
	}
	counts := make(map[key]int)
	for _, c := range m.credentials {
		counts[key{c.Status, c.Type}]++
	}
	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Status: k.status, Type: k.typ, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// ClearStaleAttempts clears attempt fields on long-failed credentials.
func (m *MemoryStore) ClearStaleAttempts(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, c := range m.credentials {
		if c.Status != credential.StatusFailed || c.LastVerificationAttempt == nil || !c.LastVerificationAttempt.Before(before) {
			continue
		}
		c.VerificationError = ""
		c.LastVerificationAttempt = nil
		c.UpdatedAt = m.now()
		n++
	}
	return n, nil
}

// InsertAuditEntry appends an audit row.
func (m *MemoryStore) InsertAuditEntry(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// DeleteAuditEntriesBefore removes old audit rows.
func (m *MemoryStore) DeleteAuditEntriesBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	var n int64
	for _, e := range m.audit {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return n, nil
}

// AuditEntries returns a copy of the audit trail.
func (m *MemoryStore) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
