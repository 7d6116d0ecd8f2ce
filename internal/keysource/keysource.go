// Package keysource resolves the shared payload encryption key and IV.
//
// Key material can come from configuration (env or YAML), the OS keyring,
// AWS Secrets Manager, GCP Secret Manager or Azure Key Vault. Remote
// secrets hold either a JSON object {"key": "<hex>", "iv": "<hex>"} or
// the string "<hex key>:<hex iv>".
package keysource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cserrors "github.com/systmms/credsentry/internal/errors"
)

// Source names accepted by New.
const (
	SourceEnv         = "env"
	SourceKeyring     = "keyring"
	SourceAWS         = "aws-secretsmanager"
	SourceGCP         = "gcp-secretmanager"
	SourceAzure       = "azure-keyvault"
	defaultAWSRegion  = "us-east-1"
	keyringAccountKey = "payload-key"
)

// Sources lists every supported source name.
var Sources = []string{SourceEnv, SourceKeyring, SourceAWS, SourceGCP, SourceAzure}

// Material is a hex key and IV pair.
type Material struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

// Options selects and configures a key source.
type Options struct {
	// Source is one of Sources. Empty means env.
	Source string

	// Ref identifies the remote secret: a secret id (AWS), a resource name
	// (GCP), a secret URL or name (Azure) or service[/account] (keyring).
	Ref string

	// Key and IV are used as-is by the env source.
	Key string
	IV  string

	// Region, Endpoint and the static access key apply to AWS.
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	// CredentialsFile applies to GCP.
	CredentialsFile string

	// VaultURL applies to Azure when Ref is a bare secret name.
	VaultURL string
}

// Source fetches key material.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Material, error)
}

// New builds the configured source.
func New(ctx context.Context, opts Options) (Source, error) {
	switch strings.ToLower(opts.Source) {
	case "", SourceEnv:
		return staticSource{material: Material{Key: opts.Key, IV: opts.IV}}, nil
	case SourceKeyring:
		return newKeyringSource(opts.Ref)
	case SourceAWS:
		return newAWSSource(ctx, opts)
	case SourceGCP:
		return newGCPSource(ctx, opts)
	case SourceAzure:
		return newAzureSource(opts)
	default:
		return nil, cserrors.ConfigError{
			Field:      "encryption.source",
			Value:      opts.Source,
			Message:    "unknown key source",
			Suggestion: "Use one of: " + strings.Join(Sources, ", "),
		}
	}
}

// Resolve builds the source and fetches from it, adding key-source context
// to any failure.
func Resolve(ctx context.Context, opts Options) (Material, error) {
	src, err := New(ctx, opts)
	if err != nil {
		return Material{}, err
	}
	m, err := src.Fetch(ctx)
	if err != nil {
		return Material{}, cserrors.KeySourceError(src.Name(), "fetch", err)
	}
	return m, nil
}

type staticSource struct {
	material Material
}

func (s staticSource) Name() string { return SourceEnv }

func (s staticSource) Fetch(context.Context) (Material, error) {
	if s.material.Key == "" || s.material.IV == "" {
		return Material{}, fmt.Errorf("encryption key and iv must both be set")
	}
	return s.material, nil
}

// parseMaterial accepts JSON {"key","iv"} or "key:iv".
func parseMaterial(raw string) (Material, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var m Material
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Material{}, fmt.Errorf("invalid key material JSON: %w", err)
		}
		if m.Key == "" || m.IV == "" {
			return Material{}, fmt.Errorf("key material JSON must contain key and iv")
		}
		return m, nil
	}
	key, iv, ok := strings.Cut(raw, ":")
	if !ok || key == "" || iv == "" {
		return Material{}, fmt.Errorf("key material must be JSON {\"key\",\"iv\"} or \"key:iv\"")
	}
	return Material{Key: strings.TrimSpace(key), IV: strings.TrimSpace(iv)}, nil
}
