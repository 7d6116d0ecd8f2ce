// Package scanner selects the credentials each scan cycle verifies.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	cserrors "github.com/systmms/credsentry/internal/errors"
	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

// MaxBackoff caps the exponential retry delay.
const MaxBackoff = 24 * time.Hour

const (
	storeAttempts = 3
	storeRetryGap = 100 * time.Millisecond
)

// Options configures retry eligibility and housekeeping.
type Options struct {
	RetryDelay       time.Duration
	MaxRetries       int
	Backoff          bool
	AttemptRetention time.Duration
}

// Scanner reads due and retryable credentials from the store.
type Scanner struct {
	store  store.CredentialStore
	opts   Options
	logger *logging.Logger
	now    func() time.Time
}

// New creates a scanner.
func New(st store.CredentialStore, opts Options, logger *logging.Logger) *Scanner {
	return &Scanner{store: st, opts: opts, logger: logger, now: time.Now}
}

// ScanForDue returns up to n pending credentials, oldest created first.
func (s *Scanner) ScanForDue(ctx context.Context, n int) ([]*credential.Credential, error) {
	if n <= 0 {
		return nil, nil
	}
	var creds []*credential.Credential
	err := s.retry(ctx, "list due", func() error {
		var err error
		creds, err = s.store.ListDue(ctx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Found %d pending credential(s)", len(creds))
	return creds, nil
}

// ScanForRetries returns up to n failed credentials whose retry delay has
// elapsed, oldest attempt first. With backoff the delay doubles per
// consecutive failure up to MaxBackoff, and the store is paged until n
// eligible credentials are found or it runs out of candidates. Credentials
// that exhausted MaxRetries are left alone until requeued.
func (s *Scanner) ScanForRetries(ctx context.Context, n int) ([]*credential.Credential, error) {
	if n <= 0 {
		return nil, nil
	}
	now := s.now()
	pageSize := n
	if s.opts.Backoff {
		pageSize = n * 4
	}
	q := store.RetryQuery{
		AttemptedBefore: now.Add(-s.opts.RetryDelay),
		MaxFailures:     s.opts.MaxRetries,
		Limit:           pageSize,
	}

	out := make([]*credential.Credential, 0, n)
	for len(out) < n {
		var page []*credential.Credential
		err := s.retry(ctx, "list retryable", func() error {
			var err error
			page, err = s.store.ListRetryable(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, c := range page {
			if len(out) == n {
				break
			}
			if s.opts.Backoff && c.LastVerificationAttempt != nil {
				if now.Sub(*c.LastVerificationAttempt) < s.RetryDelay(c.FailureCount) {
					continue
				}
			}
			out = append(out, c)
		}
		if !s.opts.Backoff || len(page) < pageSize {
			break
		}
		q.Offset += pageSize
	}
	s.logger.Debug("Found %d credential(s) due for retry", len(out))
	return out, nil
}

// RetryDelay is the wait before retrying a credential with failures
// consecutive failures.
func (s *Scanner) RetryDelay(failures int) time.Duration {
	d := s.opts.RetryDelay
	if !s.opts.Backoff || failures <= 1 {
		return d
	}
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// FilterByEnabledTypes drops credentials whose protocol is disabled. Generic
// passwords are resolved from their port; unmapped ports are dropped.
func (s *Scanner) FilterByEnabledTypes(creds []*credential.Credential, enabled map[credential.Type]bool) []*credential.Credential {
	out := make([]*credential.Credential, 0, len(creds))
	for _, c := range creds {
		t, ok := verifier.EffectiveType(c)
		if !ok {
			s.logger.Warn("Skipping credential %s: cannot infer protocol from port %d", c.ID, c.Port)
			continue
		}
		if !enabled[t] {
			s.logger.Debug("Skipping credential %s: %s verification disabled", c.ID, t)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Stats aggregates credentials by status and type.
type Stats struct {
	Total    int                       `json:"total" yaml:"total"`
	ByStatus map[credential.Status]int `json:"by_status" yaml:"by_status"`
	ByType   map[credential.Type]int   `json:"by_type" yaml:"by_type"`
	Counts   []store.Count             `json:"counts" yaml:"counts"`
}

// Stats returns the current aggregate counts.
func (s *Scanner) Stats(ctx context.Context) (Stats, error) {
	var counts []store.Count
	err := s.retry(ctx, "count", func() error {
		var err error
		counts, err = s.store.CountByStatusAndType(ctx)
		return err
	})
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		ByStatus: make(map[credential.Status]int),
		ByType:   make(map[credential.Type]int),
		Counts:   counts,
	}
	for _, c := range counts {
		st.Total += c.N
		st.ByStatus[c.Status] += c.N
		st.ByType[c.Type] += c.N
	}
	sort.Slice(st.Counts, func(i, j int) bool {
		if st.Counts[i].Status != st.Counts[j].Status {
			return st.Counts[i].Status < st.Counts[j].Status
		}
		return st.Counts[i].Type < st.Counts[j].Type
	})
	return st, nil
}

// CleanupOldAttempts clears error and attempt fields on failed credentials
// whose last attempt is older than the retention window. Status never changes.
func (s *Scanner) CleanupOldAttempts(ctx context.Context) (int64, error) {
	if s.opts.AttemptRetention <= 0 {
		return 0, nil
	}
	n, err := s.store.ClearStaleAttempts(ctx, s.now().Add(-s.opts.AttemptRetention))
	if err != nil {
		return 0, fmt.Errorf("cleanup old attempts: %w", err)
	}
	if n > 0 {
		s.logger.Info("Cleared stale attempt data on %d failed credential(s)", n)
	}
	return n, nil
}

// retry runs op again when the store reports a transient error.
func (s *Scanner) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !cserrors.IsRetryable(err) || attempt == storeAttempts {
			break
		}
		s.logger.Debug("Store %s failed (attempt %d): %v", what, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * storeRetryGap):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
