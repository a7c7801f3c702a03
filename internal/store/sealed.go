package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrSealed is returned when a stored value cannot be opened: it was written
// with another secret, for another key, or was tampered with.
var ErrSealed = errors.New("store: cannot open sealed value")

// Sealed encrypts every value of the wrapped store with AES-256-GCM. The key
// is derived per session from a master secret with HKDF-SHA256, and the
// store key is bound as additional data so values cannot be moved between
// keys.
//
// The stored value is nonce || ciphertext.
type Sealed struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealed wraps inner. secret must be at least 32 bytes.
func NewSealed(inner Store, secret []byte, sessionID string) (*Sealed, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("store: sealing secret must be at least 32 bytes, got %d", len(secret))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, []byte(sessionID), []byte("parley conversation cache v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: create GCM: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("%w: %s is too short", ErrSealed, key)
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealed, key)
	}
	return plain, nil
}

func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("store: generate nonce: %w", err)
	}
	return s.inner.Set(ctx, key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}

func (s *Sealed) Close() error {
	return s.inner.Close()
}

// PurgeStale forwards to the wrapped store when it supports purging.
func (s *Sealed) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if p, ok := s.inner.(Purger); ok {
		return p.PurgeStale(ctx, olderThan)
	}
	return 0, nil
}
