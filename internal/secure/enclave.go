package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed buffer is opened.
var ErrDestroyed = errors.New("secure buffer destroyed")

// SecureBuffer keeps secret bytes encrypted in a memguard enclave.
type SecureBuffer struct {
	enclave   *memguard.Enclave
	size      int
	mu        sync.RWMutex
	destroyed bool
}

// NewSecureBuffer moves data into an enclave. memguard wipes the source slice.
func NewSecureBuffer(data []byte) (*SecureBuffer, error) {
	if len(data) == 0 {
		return nil, errors.New("secure buffer requires non-empty data")
	}
	size := len(data)
	return &SecureBuffer{
		enclave: memguard.NewEnclave(data),
		size:    size,
	}, nil
}

// Size is the length of the protected data.
func (s *SecureBuffer) Size() int {
	return s.size
}

// Open decrypts the enclave into a locked buffer. The caller must Destroy it.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}
	return s.enclave.Open()
}

// Destroy drops the enclave. Safe to call more than once.
func (s *SecureBuffer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enclave = nil
	s.destroyed = true
}
