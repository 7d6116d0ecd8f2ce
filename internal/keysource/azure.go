package keysource

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// KeyVaultAPI is the subset of the Key Vault client we use.
type KeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

type azureSource struct {
	client KeyVaultAPI
	secret string
}

func newAzureSource(opts Options) (*azureSource, error) {
	vaultURL, secret, err := splitVaultRef(opts.Ref, opts.VaultURL)
	if err != nil {
		return nil, err
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return &azureSource{client: client, secret: secret}, nil
}

// splitVaultRef accepts https://<vault>.vault.azure.net/secrets/<name> or a
// bare name combined with vaultURL.
func splitVaultRef(ref, vaultURL string) (string, string, error) {
	if strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", "", fmt.Errorf("invalid Key Vault secret URL: %w", err)
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		name := parts[len(parts)-1]
		if len(parts) >= 2 && parts[0] == "secrets" {
			name = parts[1]
		}
		if name == "" {
			return "", "", fmt.Errorf("key vault secret URL has no secret name")
		}
		return u.Scheme + "://" + u.Host, name, nil
	}
	if ref == "" || vaultURL == "" {
		return "", "", fmt.Errorf("encryption.ref must be a Key Vault secret URL, or a name with encryption.vault_url")
	}
	return vaultURL, ref, nil
}

func (a *azureSource) Name() string { return SourceAzure }

func (a *azureSource) Fetch(ctx context.Context) (Material, error) {
	resp, err := a.client.GetSecret(ctx, a.secret, "", nil)
	if err != nil {
		return Material{}, err
	}
	if resp.Value == nil {
		return Material{}, fmt.Errorf("secret %s has no value", a.secret)
	}
	return parseMaterial(*resp.Value)
}
