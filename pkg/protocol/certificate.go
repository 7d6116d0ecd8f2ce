package protocol

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ParseCertificates reads one or more certificates from PEM, base64 DER or
// raw DER. The leaf is first.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	trimmed := []byte(strings.TrimSpace(string(data)))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no certificate data")
	}

	var certs []*x509.Certificate
	rest := trimmed
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	der := trimmed
	if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil {
		der = decoded
	}
	parsed, err := x509.ParseCertificates(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no certificate data")
	}
	return parsed, nil
}

// TLSProber performs a TLS handshake against a live endpoint.
type TLSProber interface {
	Handshake(ctx context.Context, addr string, cfg *tls.Config, timeout time.Duration) (tls.ConnectionState, error)
}

// DefaultTLSProber dials TCP and runs a client handshake.
type DefaultTLSProber struct{}

// Handshake connects to addr and completes the handshake with cfg.
func (DefaultTLSProber) Handshake(ctx context.Context, addr string, cfg *tls.Config, timeout time.Duration) (tls.ConnectionState, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    cfg,
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer func() { _ = conn.Close() }()

	tlsConn := conn.(*tls.Conn)
	if len(cfg.Certificates) > 0 {
		// TLS 1.3 servers reject a client certificate after the handshake.
		if err := awaitRejection(tlsConn); err != nil {
			return tls.ConnectionState{}, err
		}
	}
	return tlsConn.ConnectionState(), nil
}

const rejectionWindow = 300 * time.Millisecond

func awaitRejection(conn *tls.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(rejectionWindow)); err != nil {
		return nil
	}
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

// MatchHostname reports whether cert names host. DNS SANs are checked
// first; the subject CN is used only when there are no SANs. A wildcard
// matches exactly one leftmost label.
func MatchHostname(cert *x509.Certificate, host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ip := net.ParseIP(host); ip != nil {
		for _, candidate := range cert.IPAddresses {
			if candidate.Equal(ip) {
				return true
			}
		}
		return false
	}

	names := cert.DNSNames
	if len(names) == 0 && len(cert.IPAddresses) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}
	for _, name := range names {
		if matchPattern(strings.ToLower(strings.TrimSuffix(name, ".")), host) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	dot := strings.IndexByte(host, '.')
	if dot <= 0 {
		return false
	}
	return host[dot+1:] == pattern[2:]
}
