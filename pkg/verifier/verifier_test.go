package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/pkg/credential"
)

func TestPrepareMergesSideChannelAndAliases(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	cred := sealed(t, c, credential.TypeSSH, map[string]interface{}{"hostname": "h1", "user": "admin", "password": "pw"})
	cred.Host = "ignored-when-payload-has-host"
	cred.Port = 2200

	p, err := prepare(c, cred, "password", sshAliases)
	require.NoError(t, err)
	assert.Equal(t, "h1", p.String("host"))
	assert.Equal(t, "admin", p.String("username"))
	assert.Equal(t, 2200, p.Int("port"))

	bare := sealed(t, c, credential.TypeSSH, "just-a-password")
	bare.Host, bare.Username = "h2", "root"
	p, err = prepare(c, bare, "password", sshAliases)
	require.NoError(t, err)
	assert.Equal(t, "just-a-password", p.String("password"))
	assert.Equal(t, "h2", p.String("host"))
	assert.Equal(t, "root", p.String("username"))
}

func TestPrepareErrors(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	_, err := prepare(nil, &credential.Credential{EncryptedPayload: "00"}, "", nil)
	assert.Error(t, err)

	_, err = prepare(c, &credential.Credential{}, "", nil)
	assert.ErrorContains(t, err, "no payload")

	_, err = prepare(c, &credential.Credential{EncryptedPayload: "not-ciphertext"}, "", nil)
	assert.ErrorContains(t, err, "decrypt")
}

func TestFinishConvertsDeadlineToTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	r := finish(ctx, time.Now(), Failed("ssh", CategoryConnectionRefused, "refused"))
	assert.Equal(t, CategoryTimeout, r.Category)

	r = finish(ctx, time.Now(), Failed("ssh", CategoryConfiguration, "bad payload"))
	assert.Equal(t, CategoryConfiguration, r.Category)

	r = finish(context.Background(), time.Now(), Failed("ssh", CategoryConnectionRefused, "refused"))
	assert.Equal(t, CategoryConnectionRefused, r.Category)
}
