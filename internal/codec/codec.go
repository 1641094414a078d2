// Package codec implements the versioned envelope every persisted object is
// written in.
//
// Layout:
//
//	offset size  field
//	0      4     magic "MDB1"
//	4      1     kind  (1=block, 2=schema root, 3=cache dump)
//	5      1     flags (bit0 = snappy compressed body)
//	6      n     body, canonical MessagePack
//
// Canonical MessagePack sorts map keys and always writes integers as signed,
// so equal values always produce equal bytes and therefore equal CIDs.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/golang/snappy"
	ugcodec "github.com/ugorji/go/codec"
)

// Kind tags the object stored in an envelope.
type Kind byte

const (
	KindBlock      Kind = 1
	KindSchemaRoot Kind = 2
	KindCacheDump  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindSchemaRoot:
		return "schema-root"
	case KindCacheDump:
		return "cache-dump"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const (
	// FlagSnappy marks a snappy compressed body.
	FlagSnappy byte = 1 << 0

	// HeaderSize is the fixed envelope header length.
	HeaderSize = 6
)

// Magic opens every envelope.
var Magic = []byte("MDB1")

var (
	// ErrBadMagic is returned when data does not start with Magic.
	ErrBadMagic = errors.New("codec: bad magic")

	// ErrKindMismatch is returned when the envelope holds a different kind than expected.
	ErrKindMismatch = errors.New("codec: kind mismatch")

	// ErrTruncated is returned when data is shorter than the header.
	ErrTruncated = errors.New("codec: truncated envelope")
)

var (
	msgpackHandle = newMsgpackHandle()
	jsonHandle    = newJSONHandle()
)

func newMsgpackHandle() *ugcodec.MsgpackHandle {
	h := &ugcodec.MsgpackHandle{
		WriteExt: true,
	}
	h.Canonical = true
	h.SignedInteger = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

func newJSONHandle() *ugcodec.JsonHandle {
	h := &ugcodec.JsonHandle{}
	h.Canonical = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

// EncodeMsgPack encodes v as canonical MessagePack.
func EncodeMsgPack(v interface{}) ([]byte, error) {
	var out []byte
	enc := ugcodec.NewEncoderBytes(&out, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeMsgPack reverses EncodeMsgPack.
func DecodeMsgPack(buf []byte, out interface{}) error {
	dec := ugcodec.NewDecoder(bytes.NewReader(buf), msgpackHandle)
	return dec.Decode(out)
}

// Encode wraps the canonical encoding of v in an envelope of the given kind.
// The body is compressed when that makes it smaller.
func Encode(kind Kind, v interface{}) ([]byte, error) {
	body, err := EncodeMsgPack(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", kind, err)
	}

	var flags byte
	if compressed := snappy.Encode(nil, body); len(compressed) < len(body) {
		body = compressed
		flags |= FlagSnappy
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, Magic...)
	out = append(out, byte(kind), flags)
	return append(out, body...), nil
}

// Peek returns the kind of an envelope without decoding its body.
func Peek(data []byte) (Kind, error) {
	if len(data) < HeaderSize {
		return 0, ErrTruncated
	}
	if !bytes.Equal(data[:len(Magic)], Magic) {
		return 0, ErrBadMagic
	}
	return Kind(data[4]), nil
}

// Decode unwraps an envelope of the expected kind into out.
func Decode(data []byte, want Kind, out interface{}) error {
	kind, err := Peek(data)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, want, kind)
	}

	body := data[HeaderSize:]
	if data[5]&FlagSnappy != 0 {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("codec: decompress %s: %w", kind, err)
		}
	}
	if err := DecodeMsgPack(body, out); err != nil {
		return fmt.Errorf("codec: decode %s: %w", kind, err)
	}
	return nil
}

// CanonicalJSON renders v as JSON with sorted map keys. Used to build stable
// cache keys from query instructions.
func CanonicalJSON(v interface{}) (string, error) {
	var out []byte
	enc := ugcodec.NewEncoderBytes(&out, jsonHandle)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(out), nil
}
