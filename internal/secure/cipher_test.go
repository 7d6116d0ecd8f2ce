package secure

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testIV  = "0f0e0d0c0b0a09080706050403020100"
)

func newTestCipher(t *testing.T) *PayloadCipher {
	t.Helper()
	c, err := NewPayloadCipher(testKey, testIV)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func TestNewPayloadCipherValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		iv   string
		want string
	}{
		{name: "valid", key: testKey, iv: testIV},
		{name: "short key", key: testKey[:62], iv: testIV, want: "must be 32 bytes"},
		{name: "non-hex key", key: strings.Repeat("z", 64), iv: testIV, want: "decode encryption key"},
		{name: "short iv", key: testKey, iv: testIV[:30], want: "must be 16 bytes"},
		{name: "missing iv", key: testKey, iv: "", want: "must be 16 bytes"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewPayloadCipher(tt.key, tt.iv)
			if tt.want == "" {
				require.NoError(t, err)
				c.Destroy()
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPayloadCipherRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	for _, plaintext := range []string{
		`{"host":"10.0.0.5","username":"root","password":"hunter2"}`,
		"exactly16bytes!!",
		"x",
	} {
		enc, err := c.Encrypt([]byte(plaintext))
		require.NoError(t, err)

		plain, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(plain.Bytes()))
		plain.Destroy()
	}
}

func TestPayloadCipherAcceptsBase64(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	enc, err := c.Encrypt([]byte("s3cr3t"))
	require.NoError(t, err)
	raw, err := hex.DecodeString(enc)
	require.NoError(t, err)

	plain, err := c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	defer plain.Destroy()
	assert.Equal(t, "s3cr3t", string(plain.Bytes()))
}

func TestPayloadCipherRejectsMalformed(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	for name, input := range map[string]string{
		"empty":       "",
		"not encoded": "%%%",
		"short block": "abcdef",
	} {
		_, err := c.Decrypt(input)
		assert.ErrorIs(t, err, ErrMalformedCiphertext, name)
	}
}

func TestGenerateKeyMaterial(t *testing.T) {
	t.Parallel()

	key, iv, err := GenerateKeyMaterial()
	require.NoError(t, err)
	assert.Len(t, key, 64)
	assert.Len(t, iv, 32)

	c, err := NewPayloadCipher(key, iv)
	require.NoError(t, err)
	c.Destroy()
}
