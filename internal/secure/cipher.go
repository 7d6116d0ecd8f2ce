package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

// ErrMalformedCiphertext is returned when a payload cannot be decoded or unpadded.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// PayloadCipher is AES-256-CBC with PKCS#7 padding under one shared key and IV.
type PayloadCipher struct {
	material *SecureBuffer
}

// NewPayloadCipher creates a cipher from a 64-char hex key and a 32-char hex IV.
func NewPayloadCipher(hexKey, hexIV string) (*PayloadCipher, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	iv, err := hex.DecodeString(strings.TrimSpace(hexIV))
	if err != nil {
		return nil, fmt.Errorf("decode encryption iv: %w", err)
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("encryption iv must be %d bytes, got %d", ivSize, len(iv))
	}

	material, err := NewSecureBuffer(append(key, iv...))
	memguard.WipeBytes(key)
	memguard.WipeBytes(iv)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{material: material}, nil
}

// GenerateKeyMaterial returns a random hex key and IV suitable for NewPayloadCipher.
func GenerateKeyMaterial() (hexKey, hexIV string, err error) {
	buf := make([]byte, keySize+ivSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", "", fmt.Errorf("generate key material: %w", err)
	}
	defer memguard.WipeBytes(buf)
	return hex.EncodeToString(buf[:keySize]), hex.EncodeToString(buf[keySize:]), nil
}

// Decrypt decodes hex or base64 ciphertext and returns the plaintext in a
// locked buffer.
func (c *PayloadCipher) Decrypt(encoded string) (*memguard.LockedBuffer, error) {
	ciphertext, err := decodeCiphertext(encoded)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of the block size", ErrMalformedCiphertext, len(ciphertext))
	}

	mode, err := c.mode(false)
	if err != nil {
		return nil, err
	}

	plain := memguard.NewBuffer(len(ciphertext))
	mode.CryptBlocks(plain.Bytes(), ciphertext)

	n, err := unpad(plain.Bytes())
	if err != nil {
		plain.Destroy()
		return nil, err
	}
	if n == 0 {
		plain.Destroy()
		return memguard.NewBufferFromBytes([]byte{}), nil
	}
	out := memguard.NewBufferFromBytes(plain.Bytes()[:n])
	plain.Destroy()
	return out, nil
}

// Encrypt pads and encrypts plaintext, returning hex ciphertext.
func (c *PayloadCipher) Encrypt(plaintext []byte) (string, error) {
	mode, err := c.mode(true)
	if err != nil {
		return "", err
	}
	padded := pad(plaintext)
	defer memguard.WipeBytes(padded)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

// Destroy releases the key material.
func (c *PayloadCipher) Destroy() {
	c.material.Destroy()
}

func (c *PayloadCipher) mode(encrypt bool) (cipher.BlockMode, error) {
	locked, err := c.material.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()

	raw := locked.Bytes()
	block, err := aes.NewCipher(raw[:keySize])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	iv := make([]byte, ivSize)
	copy(iv, raw[keySize:])
	if encrypt {
		return cipher.NewCBCEncrypter(block, iv), nil
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

func decodeCiphertext(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedCiphertext)
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: payload is neither hex nor base64", ErrMalformedCiphertext)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty block", ErrMalformedCiphertext)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return 0, fmt.Errorf("%w: bad padding", ErrMalformedCiphertext)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return 0, fmt.Errorf("%w: bad padding", ErrMalformedCiphertext)
		}
	}
	return len(b) - n, nil
}
