package dag

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	blake2b "github.com/minio/blake2b-simd"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/merkledb/merkledb/internal/cid"
)

const (
	// KeySize is the secretbox key length.
	KeySize = 32

	nonceSize = 24
)

var (
	// ErrDecrypt is returned when a sealed object fails authentication.
	ErrDecrypt = errors.New("dag: decryption failed")

	// ErrKeyRequired is returned when an encrypted schema is used without a key.
	ErrKeyRequired = errors.New("dag: encryption key required")
)

// Sealed encrypts objects with XSalsa20-Poly1305 before handing them to the
// wrapped DAG. The nonce is derived from the key and the plaintext, so equal
// plaintexts still produce equal ciphertexts and equal CIDs.
type Sealed struct {
	inner DAG
	key   [KeySize]byte
}

// NewSealed wraps inner with key.
func NewSealed(inner DAG, key [KeySize]byte) *Sealed {
	return &Sealed{inner: inner, key: key}
}

func (s *Sealed) nonce(plaintext []byte) *[nonceSize]byte {
	h := blake2b.New256()
	h.Write(s.key[:])
	h.Write(plaintext)
	var n [nonceSize]byte
	copy(n[:], h.Sum(nil))
	return &n
}

// Store implements DAG.
func (s *Sealed) Store(ctx context.Context, data []byte) (cid.CID, error) {
	n := s.nonce(data)
	box := secretbox.Seal(append([]byte(nil), n[:]...), data, n, &s.key)
	return s.inner.Store(ctx, box)
}

// Load implements DAG.
func (s *Sealed) Load(ctx context.Context, id cid.CID) ([]byte, error) {
	box, err := s.inner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: %s is too short", ErrDecrypt, id)
	}
	var n [nonceSize]byte
	copy(n[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &n, &s.key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, id)
	}
	return plain, nil
}

// Has implements Haser.
func (s *Sealed) Has(ctx context.Context, id cid.CID) (bool, error) {
	return Has(ctx, s.inner, id)
}

// ParseKey decodes a hex encoded 32 byte key.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("dag: invalid key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("dag: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// ReadKeyFile reads a hex encoded key from path.
func ReadKeyFile(path string) ([KeySize]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return [KeySize]byte{}, fmt.Errorf("dag: read key file: %w", err)
	}
	return ParseKey(string(raw))
}
