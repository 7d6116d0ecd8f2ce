package keysource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringSource reads "service/account" from the OS keyring.
type keyringSource struct {
	service string
	account string
}

func newKeyringSource(ref string) (*keyringSource, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = "credsentry"
	}
	service, account, ok := strings.Cut(ref, "/")
	if !ok || account == "" {
		account = keyringAccountKey
	}
	return &keyringSource{service: service, account: account}, nil
}

func (k *keyringSource) Name() string { return SourceKeyring }

func (k *keyringSource) Fetch(_ context.Context) (Material, error) {
	secret, err := keyring.Get(k.service, k.account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Material{}, fmt.Errorf("secret not found in keyring: service=%s account=%s", k.service, k.account)
		}
		return Material{}, fmt.Errorf("keyring access failed: %w", err)
	}
	return parseMaterial(secret)
}
