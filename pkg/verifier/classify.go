package verifier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Category is the normalized failure classification shared by all verifiers.
type Category string

const (
	CategoryNone               Category = ""
	CategoryTimeout            Category = "timeout"
	CategoryConnectionRefused  Category = "connection_refused"
	CategoryHostNotFound       Category = "host_not_found"
	CategoryAuthentication     Category = "authentication"
	CategoryPermissionDenied   Category = "permission_denied"
	CategorySSLError           Category = "ssl_error"
	CategoryCertificateInvalid Category = "certificate_invalid"
	CategoryCertificateExpired Category = "certificate_expired"
	CategoryConfiguration      Category = "configuration"
	CategoryDependencyMissing  Category = "dependency_missing"
	CategoryUnknown            Category = "unknown"

	// CategoryRateLimited marks a non-fatal 429; the token is presumed valid.
	CategoryRateLimited Category = "rate_limited"
)

// Categories lists every failure category.
var Categories = []Category{
	CategoryTimeout,
	CategoryConnectionRefused,
	CategoryHostNotFound,
	CategoryAuthentication,
	CategoryPermissionDenied,
	CategorySSLError,
	CategoryCertificateInvalid,
	CategoryCertificateExpired,
	CategoryConfiguration,
	CategoryDependencyMissing,
	CategoryUnknown,
	CategoryRateLimited,
}

// informativeness ranks failures for FirstSuccess. A rejection by the
// target says more about the credential than a transport failure.
var informativeness = map[Category]int{
	CategoryAuthentication:     10,
	CategoryPermissionDenied:   9,
	CategoryCertificateExpired: 8,
	CategoryCertificateInvalid: 7,
	CategorySSLError:           6,
	CategoryConfiguration:      5,
	CategoryHostNotFound:       4,
	CategoryConnectionRefused:  3,
	CategoryTimeout:            2,
	CategoryDependencyMissing:  1,
	CategoryUnknown:            0,
}

var patterns = []struct {
	category Category
	needles  []string
}{
	{CategoryAuthentication, []string{
		"unable to authenticate", "authentication failed", "auth failed", "access denied for user",
		"password authentication failed", "login failed", "invalid password", "invalid credentials",
		"logon failure", "status_logon_failure", "the attempted logon is invalid", "wrongpass",
		"noauth", "ora-01017", "ora-28000", "unauthorized", "response error: 401",
	}},
	{CategoryPermissionDenied, []string{
		"permission denied", "forbidden", "not authorized", "insufficient privilege",
		"access is denied", "status_access_denied", "response error: 403",
	}},
	{CategoryHostNotFound, []string{"no such host", "could not resolve", "name resolution", "unknown host"}},
	{CategoryConnectionRefused, []string{"connection refused", "actively refused", "econnrefused"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryCertificateExpired, []string{"certificate has expired", "certificate expired"}},
	{CategoryCertificateInvalid, []string{"x509:", "certificate is not valid", "bad certificate", "unknown authority"}},
	{CategorySSLError, []string{"tls:", "ssl", "handshake failure", "first record does not look like a tls handshake"}},
	{CategoryDependencyMissing, []string{"unknown driver", "not compiled", "dependency missing"}},
}

// Classify maps an error from any protocol client onto a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CategoryTimeout
		}
		return CategoryHostNotFound
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return CategoryConnectionRefused
	}

	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		if invalid.Reason == x509.Expired {
			return CategoryCertificateExpired
		}
		return CategoryCertificateInvalid
	}
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &verifyErr) {
		return CategoryCertificateInvalid
	}

	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError
	if errors.As(err, &recordErr) || errors.As(err, &alertErr) {
		return CategorySSLError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.category
			}
		}
	}
	return CategoryUnknown
}

// moreInformative reports whether a should replace b as the best failure.
// Ties go to a, the later attempt.
func moreInformative(a, b Category) bool {
	return informativeness[a] >= informativeness[b]
}
