package verifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/pkg/credential"
)

func TestInferTypeFromPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		port int
		want credential.Type
		ok   bool
	}{
		{22, credential.TypeSSH, true},
		{3389, credential.TypeWindows, true},
		{5432, credential.TypeDatabase, true},
		{6379, credential.TypeDatabase, true},
		{8443, credential.TypeWebsite, true},
		{12345, "", false},
	}
	for _, tt := range tests {
		got, ok := InferTypeFromPort(tt.port)
		assert.Equal(t, tt.ok, ok, "port %d", tt.port)
		assert.Equal(t, tt.want, got, "port %d", tt.port)
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	ssh := NewSSHVerifier(nil, nil, 0, nil)
	api := NewAPITokenVerifier(nil, nil, "", 0, nil)
	r, err := NewRegistry(ssh, api)
	require.NoError(t, err)

	assert.Equal(t, []credential.Type{credential.TypeAPIToken, credential.TypeSSH}, r.Types())

	v, typ, err := r.Resolve(&credential.Credential{Type: credential.TypeSSH})
	require.NoError(t, err)
	assert.Same(t, ssh, v)
	assert.Equal(t, credential.TypeSSH, typ)

	v, typ, err = r.Resolve(&credential.Credential{Type: credential.TypePassword, Port: 22})
	require.NoError(t, err)
	assert.Same(t, ssh, v)
	assert.Equal(t, credential.TypeSSH, typ)

	_, _, err = r.Resolve(&credential.Credential{Type: credential.TypePassword, Port: 9999})
	assert.True(t, errors.Is(err, ErrNoVerifier))

	_, typ, err = r.Resolve(&credential.Credential{Type: credential.TypeWindows})
	assert.True(t, errors.Is(err, ErrNoVerifier))
	assert.Equal(t, credential.TypeWindows, typ)

	assert.Error(t, r.Register(NewSSHVerifier(nil, nil, 0, nil)))
	assert.Error(t, r.Register(nil))
}
