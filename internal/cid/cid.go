// Package cid implements the content identifiers that name every persisted
// object. A CID is the blake2b-256 digest of the encoded object, prefixed with
// a version byte and a codec byte and rendered in base58.
package cid

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	blake2b "github.com/minio/blake2b-simd"
)

const (
	// Version is the only CID version produced.
	Version byte = 0x01

	// CodecMerkleDB tags digests of merkledb envelopes.
	CodecMerkleDB byte = 0x71

	// DigestSize is the length of the blake2b-256 digest.
	DigestSize = 32
)

// ErrInvalid is returned when a string is not a well-formed CID.
var ErrInvalid = errors.New("cid: invalid content identifier")

// CID identifies a stored object by the hash of its bytes.
// The zero value is Undef.
type CID struct {
	digest  [DigestSize]byte
	defined bool
}

// Undef is the undefined CID, used for "no previous block" and "never sealed".
var Undef = CID{}

// Sum computes the CID of data.
func Sum(data []byte) CID {
	return CID{digest: blake2b.Sum256(data), defined: true}
}

// FromDigest builds a CID from a raw digest.
func FromDigest(d [DigestSize]byte) CID {
	return CID{digest: d, defined: true}
}

// IsUndef reports whether c is the undefined CID.
func (c CID) IsUndef() bool {
	return !c.defined
}

// Digest returns the raw digest.
func (c CID) Digest() [DigestSize]byte {
	return c.digest
}

// Bytes returns the binary form: version | codec | digest.
func (c CID) Bytes() []byte {
	if !c.defined {
		return nil
	}
	b := make([]byte, 0, 2+DigestSize)
	b = append(b, Version, CodecMerkleDB)
	return append(b, c.digest[:]...)
}

// String returns the base58 text form, or "" for Undef.
func (c CID) String() string {
	if !c.defined {
		return ""
	}
	return base58.Encode(c.Bytes())
}

// Equals reports whether two CIDs name the same object.
func (c CID) Equals(o CID) bool {
	return c == o
}

// Parse decodes the text form produced by String. The empty string parses to Undef.
func Parse(s string) (CID, error) {
	if s == "" {
		return Undef, nil
	}
	raw := base58.Decode(s)
	if len(raw) != 2+DigestSize {
		return Undef, fmt.Errorf("%w: %q has %d bytes", ErrInvalid, s, len(raw))
	}
	if raw[0] != Version || raw[1] != CodecMerkleDB {
		return Undef, fmt.Errorf("%w: %q has prefix %x%x", ErrInvalid, s, raw[0], raw[1])
	}
	var d [DigestSize]byte
	copy(d[:], raw[2:])
	return FromDigest(d), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) CID {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Verify reports whether data hashes to c.
func (c CID) Verify(data []byte) bool {
	return c.defined && blake2b.Sum256(data) == c.digest
}

// MarshalText implements encoding.TextMarshaler.
func (c CID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
