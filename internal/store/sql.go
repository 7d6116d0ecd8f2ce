package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/systmms/credsentry/pkg/credential"
)

// Dialect selects SQL placeholders and migrations.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Compile-time interface satisfaction check.
var _ CredentialStore = (*SQLStore)(nil)

const credentialColumns = `id, owner_id, name, type, status, encrypted_payload, host, port, username,
	verified_at, last_verification_attempt, verification_error, failure_count, created_at, updated_at`

// SQLStore is the relational CredentialStore.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// OpenSQL opens dsn with the driver for dialect and pings it.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver := string(dialect)
	if dialect == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single writer avoids "database is locked".
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", dialect, err)
	}
	return NewSQLStore(db, dialect), nil
}

// sqliteDSN turns a bare path into a file: URI with the pragmas the store
// relies on.
func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "_time_format") {
		dsn += sep + "_time_format=sqlite"
		sep = "&"
	}
	if !strings.Contains(dsn, "busy_timeout") {
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	return dsn
}

// DB exposes the handle for migrations.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*credential.Credential, error) {
	var (
		c         credential.Credential
		typ       string
		status    string
		verified  sql.NullTime
		attempted sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &typ, &status, &c.EncryptedPayload, &c.Host, &c.Port,
		&c.Username, &verified, &attempted, &c.VerificationError, &c.FailureCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Type = credential.Type(typ)
	c.Status = credential.Status(status)
	if verified.Valid {
		t := verified.Time
		c.VerifiedAt = &t
	}
	if attempted.Valid {
		t := attempted.Time
		c.LastVerificationAttempt = &t
	}
	return &c, nil
}

func (s *SQLStore) queryCredentials(ctx context.Context, query string, args ...interface{}) ([]*credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// ListDue returns pending credentials, oldest created first.
func (s *SQLStore) ListDue(ctx context.Context, limit int) ([]*credential.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`
	creds, err := s.queryCredentials(ctx, query, string(credential.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list due credentials: %w", err)
	}
	return creds, nil
}

// ListRetryable returns failed credentials eligible for another attempt.
func (s *SQLStore) ListRetryable(ctx context.Context, q RetryQuery) ([]*credential.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE status = ? AND (last_verification_attempt IS NULL OR last_verification_attempt < ?)`
	args := []interface{}{string(credential.StatusFailed), q.AttemptedBefore.UTC()}
	if q.MaxFailures > 0 {
		query += ` AND failure_count < ?`
		args = append(args, q.MaxFailures)
	}
	query += ` ORDER BY last_verification_attempt ASC NULLS FIRST, id ASC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	creds, err := s.queryCredentials(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list retryable credentials: %w", err)
	}
	return creds, nil
}

// Get returns one credential.
func (s *SQLStore) Get(ctx context.Context, id string) (*credential.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`
	c, err := scanCredential(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	return c, nil
}

// Create inserts cred.
func (s *SQLStore) Create(ctx context.Context, cred *credential.Credential) error {
	now := s.now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = now
	}
	if cred.Status == "" {
		cred.Status = credential.StatusPending
	}

	const query = `INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		cred.ID, cred.OwnerID, cred.Name, string(cred.Type), string(cred.Status), cred.EncryptedPayload,
		cred.Host, cred.Port, cred.Username, nullTime(cred.VerifiedAt), nullTime(cred.LastVerificationAttempt),
		cred.VerificationError, cred.FailureCount, cred.CreatedAt.UTC(), cred.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create credential %q: %w", cred.ID, err)
	}
	return nil
}

// UpdateVerification records a verification outcome. verified_at is only
// overwritten on success.
func (s *SQLStore) UpdateVerification(ctx context.Context, id string, u VerificationUpdate) error {
	const query = `UPDATE credentials SET status = ?, verification_error = ?, last_verification_attempt = ?,
		verified_at = COALESCE(?, verified_at), failure_count = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		string(u.Status), u.Error, u.AttemptedAt.UTC(), nullTime(u.VerifiedAt), u.FailureCount, s.now(), id)
	if err != nil {
		return fmt.Errorf("update credential %q: %w", id, err)
	}
	return expectRow(res, id)
}

// Requeue resets a credential to pending.
func (s *SQLStore) Requeue(ctx context.Context, id string) error {
	const query = `UPDATE credentials SET status = ?, verification_error = '', failure_count = 0, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query), string(credential.StatusPending), s.now(), id)
	if err != nil {
		return fmt.Errorf("requeue credential %q: %w", id, err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// CountByStatusAndType aggregates credentials.
func (s *SQLStore) CountByStatusAndType(ctx context.Context) ([]Count, error) {
	const query = `SELECT status, type, COUNT(*) FROM credentials GROUP BY status, type ORDER BY status, type`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Count
	for rows.Next() {
		var c Count
		var status, typ string
		if err := rows.Scan(&status, &typ, &c.N); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		c.Status = credential.Status(status)
		c.Type = credential.Type(typ)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// ClearStaleAttempts clears attempt fields on long-failed credentials.
func (s *SQLStore) ClearStaleAttempts(ctx context.Context, before time.Time) (int64, error) {
	const query = `UPDATE credentials SET verification_error = '', last_verification_attempt = NULL, updated_at = ?
		WHERE status = ? AND last_verification_attempt < ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query), s.now(), string(credential.StatusFailed), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("clear stale attempts: %w", err)
	}
	return res.RowsAffected()
}

// InsertAuditEntry appends an audit row.
func (s *SQLStore) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}
	const query = `INSERT INTO audit_log (id, user_id, credential_id, action, resource, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		e.ID, nullString(e.UserID), nullString(e.CredentialID), e.Action, e.Resource, string(meta), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// DeleteAuditEntriesBefore removes old audit rows.
func (s *SQLStore) DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM audit_log WHERE created_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return res.RowsAffected()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
