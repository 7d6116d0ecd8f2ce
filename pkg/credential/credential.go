// Package credential defines the privileged credential record that the
// verification engine scans, verifies and updates.
package credential

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the protocol family a credential authenticates against.
type Type string

const (
	// TypeSSH is an SSH login (password or private key).
	TypeSSH Type = "ssh"

	// TypeWindows is a Windows account reachable over WinRM, SMB or RDP.
	TypeWindows Type = "windows"

	// TypeDatabase is a database login (SQL or NoSQL engines).
	TypeDatabase Type = "database"

	// TypeWebsite is a website login (basic, form, bearer, ...).
	TypeWebsite Type = "website"

	// TypeCertificate is an X.509 certificate, optionally with its private key.
	TypeCertificate Type = "certificate"

	// TypeAPIToken is a token used against an HTTP API.
	TypeAPIToken Type = "api_token"

	// TypePassword is a generic password whose protocol is inferred from the port.
	TypePassword Type = "password"
)

// VerifiableTypes lists the concrete protocol families that have a verifier.
// TypePassword is resolved to one of these before verification.
var VerifiableTypes = []Type{
	TypeSSH,
	TypeWindows,
	TypeDatabase,
	TypeWebsite,
	TypeCertificate,
	TypeAPIToken,
}

// ParseType converts a string to a Type. Common aliases are accepted.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ssh":
		return TypeSSH, nil
	case "windows", "rdp", "winrm":
		return TypeWindows, nil
	case "database", "db":
		return TypeDatabase, nil
	case "website", "web":
		return TypeWebsite, nil
	case "certificate", "cert", "x509":
		return TypeCertificate, nil
	case "api_token", "api-token", "apitoken", "token":
		return TypeAPIToken, nil
	case "password", "generic", "generic-password":
		return TypePassword, nil
	default:
		return "", fmt.Errorf("unknown credential type %q", s)
	}
}

// Status is the verification lifecycle state of a credential.
type Status string

const (
	// StatusPending means the credential awaits its first (or a requeued) verification.
	StatusPending Status = "pending"

	// StatusVerified means the last verification succeeded.
	StatusVerified Status = "verified"

	// StatusFailed means the last verification failed for any reason.
	StatusFailed Status = "failed"

	// StatusExpired means the secret itself is past its validity window.
	StatusExpired Status = "expired"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusVerified, StatusFailed, StatusExpired}

// Credential is a stored secret plus the connection metadata needed to check it.
//
// EncryptedPayload is opaque ciphertext. It is decrypted only inside a
// verifier call; the plaintext is never written back. Host, Port and Username
// are plaintext side-channel fields kept for display and protocol inference.
type Credential struct {
	ID                      string     `json:"id"`
	OwnerID                 string     `json:"owner_id,omitempty"`
	Name                    string     `json:"name,omitempty"`
	Type                    Type       `json:"type"`
	Status                  Status     `json:"status"`
	EncryptedPayload        string     `json:"-"`
	Host                    string     `json:"host,omitempty"`
	Port                    int        `json:"port,omitempty"`
	Username                string     `json:"username,omitempty"`
	VerifiedAt              *time.Time `json:"verified_at,omitempty"`
	LastVerificationAttempt *time.Time `json:"last_verification_attempt,omitempty"`
	VerificationError       string     `json:"verification_error,omitempty"`
	FailureCount            int        `json:"failure_count"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Label returns a human-readable identifier for logs and audit metadata.
func (c *Credential) Label() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.ID)
	}
	return c.ID
}

// Address returns host:port from the side-channel fields, or just the host
// when no port is recorded.
func (c *Credential) Address() string {
	if c.Port > 0 {
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	return c.Host
}
