package verifier

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

// Certificate roles.
const (
	RoleCA          = "ca"
	RoleCodeSigning = "code_signing"
	RoleServer      = "server"
	RoleClient      = "client"
)

// ExpiryHorizon is how close to NotAfter a certificate is flagged expires_soon.
const ExpiryHorizon = 30 * 24 * time.Hour

var certificateAliases = aliases{
	"certificate":      {"cert", "certificate_pem", "pem"},
	"certificate_path": {"cert_path", "path"},
	"private_key":      {"key", "private_key_pem"},
}

// CertificateVerifier checks X.509 validity and, for server and client
// certificates, live TLS acceptance.
type CertificateVerifier struct {
	decryptor Decryptor
	prober    protocol.TLSProber
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewCertificateVerifier creates a certificate verifier.
func NewCertificateVerifier(d Decryptor, prober protocol.TLSProber, timeout time.Duration, logger *logging.Logger) *CertificateVerifier {
	if prober == nil {
		prober = protocol.DefaultTLSProber{}
	}
	return &CertificateVerifier{decryptor: d, prober: prober, timeout: timeout, logger: logger, now: time.Now}
}

// Type returns credential.TypeCertificate.
func (v *CertificateVerifier) Type() credential.Type { return credential.TypeCertificate }

// ValidateCredential checks that certificate data is present and parses.
func (v *CertificateVerifier) ValidateCredential(cred *credential.Credential) ValidationResult {
	p, err := prepare(v.decryptor, cred, "certificate", certificateAliases)
	res := validatePrepared(p, err, certificateSchema)
	if !res.Valid {
		return res
	}
	if raw := p.String("certificate"); raw != "" {
		if _, err := protocol.ParseCertificates([]byte(raw)); err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, err.Error())
		}
	}
	return res
}

type certTarget struct {
	chain      []*x509.Certificate
	certPEM    []byte
	privateKey []byte
	role       string
	host       string
	port       int
	serverName string
}

func (v *CertificateVerifier) target(cred *credential.Credential) (certTarget, error) {
	p, err := prepare(v.decryptor, cred, "certificate", certificateAliases)
	if err != nil {
		return certTarget{}, err
	}
	if res := certificateSchema.validate(p.Fields); !res.Valid {
		return certTarget{}, fmt.Errorf("invalid certificate payload: %s", strings.Join(res.Errors, "; "))
	}

	raw := []byte(p.String("certificate"))
	if len(raw) == 0 {
		path := p.String("certificate_path")
		raw, err = os.ReadFile(path)
		if err != nil {
			return certTarget{}, fmt.Errorf("failed to read certificate %s: %w", path, err)
		}
	}
	chain, err := protocol.ParseCertificates(raw)
	if err != nil {
		return certTarget{}, err
	}

	t := certTarget{
		chain:      chain,
		certPEM:    encodeChain(chain),
		privateKey: []byte(p.String("private_key")),
		role:       p.String("role"),
		host:       p.String("host"),
		port:       p.Int("port"),
		serverName: p.String("server_name"),
	}
	if t.role == "" {
		t.role = InferRole(chain[0])
	}
	if t.port == 0 {
		t.port = 443
	}
	if t.serverName == "" {
		t.serverName = t.host
	}
	return t, nil
}

func encodeChain(chain []*x509.Certificate) []byte {
	var out []byte
	for _, c := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// InferRole derives the certificate's role from its key usages.
func InferRole(cert *x509.Certificate) string {
	if cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign != 0 {
		return RoleCA
	}
	var server, client bool
	for _, u := range cert.ExtKeyUsage {
		switch u {
		case x509.ExtKeyUsageCodeSigning:
			return RoleCodeSigning
		case x509.ExtKeyUsageServerAuth:
			server = true
		case x509.ExtKeyUsageClientAuth:
			client = true
		}
	}
	if client && !server {
		return RoleClient
	}
	return RoleServer
}

// Fingerprint returns the hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Verify checks the validity window and, for server and client roles with
// a host, performs a live handshake.
func (v *CertificateVerifier) Verify(ctx context.Context, cred *credential.Credential) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	t, err := v.target(cred)
	if err != nil {
		return finish(ctx, start, Failed("x509", CategoryConfiguration, err.Error())), nil
	}

	leaf := t.chain[0]
	details := map[string]interface{}{
		"role":        t.role,
		"subject":     leaf.Subject.String(),
		"issuer":      leaf.Issuer.String(),
		"serial":      leaf.SerialNumber.String(),
		"not_before":  leaf.NotBefore.UTC().Format(time.RFC3339),
		"not_after":   leaf.NotAfter.UTC().Format(time.RFC3339),
		"fingerprint": Fingerprint(leaf),
	}

	if r, ok := v.checkValidity(leaf, details); !ok {
		return finish(ctx, start, r), nil
	}

	var keyPair *tls.Certificate
	if len(t.privateKey) > 0 {
		pair, err := tls.X509KeyPair(t.certPEM, t.privateKey)
		if err != nil {
			return finish(ctx, start, Failed("x509", CategoryCertificateInvalid,
				fmt.Sprintf("private key does not match certificate: %v", err))), nil
		}
		keyPair = &pair
		details["private_key_match"] = true
	}

	if t.host == "" || (t.role != RoleServer && t.role != RoleClient) {
		details["live_check"] = false
		return finish(ctx, start, Succeeded("x509", "certificate is within its validity window", details)), nil
	}

	var r Result
	if t.role == RoleServer {
		r = v.checkServer(ctx, t, leaf, details)
	} else {
		r = v.checkClient(ctx, t, keyPair, details)
	}
	if r.Details == nil {
		r.Details = details
	}
	return finish(ctx, start, r), nil
}

func (v *CertificateVerifier) checkValidity(leaf *x509.Certificate, details map[string]interface{}) (Result, bool) {
	now := v.now()
	if now.Before(leaf.NotBefore) {
		return Result{
			Method:   "x509",
			Category: CategoryCertificateInvalid,
			Message:  fmt.Sprintf("certificate is not valid until %s", leaf.NotBefore.UTC().Format(time.RFC3339)),
			Details:  details,
		}, false
	}
	if now.After(leaf.NotAfter) {
		return Result{
			Method:   "x509",
			Category: CategoryCertificateExpired,
			Message:  fmt.Sprintf("certificate expired on %s", leaf.NotAfter.UTC().Format(time.RFC3339)),
			Details:  details,
		}, false
	}
	remaining := leaf.NotAfter.Sub(now)
	details["days_remaining"] = int(remaining.Hours() / 24)
	if remaining < ExpiryHorizon {
		details["expires_soon"] = true
	}
	return Result{}, true
}

func (v *CertificateVerifier) checkServer(ctx context.Context, t certTarget, leaf *x509.Certificate, details map[string]interface{}) Result {
	if !protocol.MatchHostname(leaf, t.serverName) {
		return Result{
			Method:   "tls",
			Category: CategoryCertificateInvalid,
			Message:  fmt.Sprintf("certificate does not cover host %s", t.serverName),
			Details:  details,
		}
	}
	details["hostname_match"] = true

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	// The stored certificate is judged on its own; chain trust is not required.
	state, err := v.prober.Handshake(ctx, addr, &tls.Config{
		ServerName:         t.serverName,
		InsecureSkipVerify: true, //nolint:gosec
	}, v.timeout)
	if err != nil {
		return FailedWith("tls", err)
	}
	details["live_check"] = true
	details["tls_version"] = tls.VersionName(state.Version)
	if len(state.PeerCertificates) > 0 {
		details["fingerprint_match"] = Fingerprint(state.PeerCertificates[0]) == Fingerprint(leaf)
	}
	return Succeeded("tls", fmt.Sprintf("certificate valid and %s completed a TLS handshake", addr), details)
}

func (v *CertificateVerifier) checkClient(ctx context.Context, t certTarget, keyPair *tls.Certificate, details map[string]interface{}) Result {
	if keyPair == nil {
		details["live_check"] = false
		return Succeeded("x509", "certificate is within its validity window; no private key for mutual TLS", details)
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	state, err := v.prober.Handshake(ctx, addr, &tls.Config{
		ServerName:         t.serverName,
		Certificates:       []tls.Certificate{*keyPair},
		InsecureSkipVerify: true, //nolint:gosec
	}, v.timeout)
	if err != nil {
		if clientRejected(err) {
			return Failed("mtls", CategoryAuthentication, fmt.Sprintf("server rejected the client certificate: %v", err))
		}
		return FailedWith("mtls", err)
	}
	details["live_check"] = true
	details["tls_version"] = tls.VersionName(state.Version)
	return Succeeded("mtls", fmt.Sprintf("%s accepted the client certificate", addr), details)
}

func clientRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"bad certificate", "certificate required", "unknown certificate authority", "certificate unknown"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
