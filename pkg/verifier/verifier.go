// Package verifier confirms that stored credentials still authenticate
// against their targets.
//
// Every verifier resolves expected failures (bad password, unreachable
// host, timeout) into a Result with Success false and a Category. The
// error return is reserved for internal faults.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/systmms/credsentry/pkg/credential"
)

// Verifier checks one credential type.
type Verifier interface {
	// Type returns the credential type this verifier handles.
	Type() credential.Type

	// Verify authenticates against the target described by cred.
	Verify(ctx context.Context, cred *credential.Credential) (Result, error)

	// ValidateCredential checks the decrypted payload without network I/O.
	ValidateCredential(cred *credential.Credential) ValidationResult
}

// Result is the outcome of one verification.
type Result struct {
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	Category Category               `json:"error_category,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Duration time.Duration          `json:"duration"`
	Method   string                 `json:"method,omitempty"`
}

// ValidationResult is the outcome of a structural payload check.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Decryptor turns EncryptedPayload into plaintext held in locked memory.
type Decryptor interface {
	Decrypt(encoded string) (*memguard.LockedBuffer, error)
}

// Succeeded builds a successful result.
func Succeeded(method, message string, details map[string]interface{}) Result {
	return Result{Success: true, Method: method, Message: message, Details: details}
}

// Failed builds a failed result.
func Failed(method string, category Category, message string) Result {
	return Result{Method: method, Category: category, Message: message}
}

// FailedWith builds a failed result from err, classifying it.
func FailedWith(method string, err error) Result {
	return Failed(method, Classify(err), err.Error())
}

// openPayload decrypts the payload once and parses it.
func openPayload(d Decryptor, cred *credential.Credential) (credential.Payload, error) {
	if d == nil {
		return credential.Payload{}, fmt.Errorf("no decryptor configured")
	}
	if cred.EncryptedPayload == "" {
		return credential.Payload{}, fmt.Errorf("credential has no payload")
	}
	locked, err := d.Decrypt(cred.EncryptedPayload)
	if err != nil {
		return credential.Payload{}, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	defer locked.Destroy()
	return credential.ParsePayload(locked.Bytes()), nil
}

// mergedFields overlays the payload on the credential's side-channel host,
// port and username. A bare secret is stored under secretKey.
func mergedFields(cred *credential.Credential, p credential.Payload, secretKey string) credential.Payload {
	fields := make(map[string]interface{}, len(p.Fields)+4)
	for k, v := range p.Fields {
		fields[k] = v
	}
	if !p.Structured() && secretKey != "" {
		fields[secretKey] = p.Secret
	}
	if _, ok := fields["host"]; !ok && cred.Host != "" {
		fields["host"] = cred.Host
	}
	if _, ok := fields["port"]; !ok && cred.Port > 0 {
		fields["port"] = float64(cred.Port)
	}
	if _, ok := fields["username"]; !ok && cred.Username != "" {
		fields["username"] = cred.Username
	}
	return credential.Payload{Fields: fields}
}

// aliases maps a canonical payload key to accepted alternatives.
type aliases map[string][]string

// enumKeys hold selector values matched case-insensitively.
var enumKeys = []string{"method", "database_type", "auth_type", "role"}

// prepare decrypts, merges side-channel fields, folds aliases into
// their canonical keys and lowercases enumKeys.
func prepare(d Decryptor, cred *credential.Credential, secretKey string, al aliases) (credential.Payload, error) {
	p, err := openPayload(d, cred)
	if err != nil {
		return credential.Payload{}, err
	}
	merged := mergedFields(cred, p, secretKey)
	for canonical, alts := range al {
		if merged.Has(canonical) {
			continue
		}
		for _, alt := range alts {
			if v, ok := merged.Fields[alt]; ok && v != nil {
				merged.Fields[canonical] = v
				break
			}
		}
	}
	for _, k := range enumKeys {
		if v, ok := merged.Fields[k].(string); ok {
			merged.Fields[k] = strings.ToLower(strings.TrimSpace(v))
		}
	}
	return merged, nil
}

// validatePrepared runs the schema over a prepared payload.
func validatePrepared(p credential.Payload, err error, s *schema) ValidationResult {
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return s.validate(p.Fields)
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// finish stamps the duration and, when ctx expired first, reports a timeout.
func finish(ctx context.Context, start time.Time, r Result) Result {
	r.Duration = time.Since(start)
	if !r.Success && ctx.Err() == context.DeadlineExceeded && r.Category != CategoryConfiguration {
		r.Category = CategoryTimeout
	}
	return r
}
