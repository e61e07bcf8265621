package traitable

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Digest is a consistent hash (i.e., content address) over a snapshot of stored
// trait values. Two snapshots of the same collection with equal values have the
// same Digest, irrespective of key order, of nested struct field order, or of
// whether numbers went through a document store that widened them to floats.
//
// A Digest is independent of the document store: it is computed over the values
// themselves, never over store metadata such as _rev or driver revisions.
type Digest contentAddress

func (h Digest) MarshalText() ([]byte, error)     { return contentAddress(h).MarshalText() }
func (h *Digest) UnmarshalText(text []byte) error { return (*contentAddress)(h).UnmarshalText(text) }
func (h Digest) String() string                   { return "snapshot(" + contentAddress(h).String() + ")" }
func (h Digest) IsZero() bool                     { return contentAddress(h).IsZero() }

// DigestSnapshot computes the Digest of a snapshot stored under collection.
//
// The snapshot is first rendered in canonical JSON: it is encoded, decoded back
// into generic maps (numbers kept as their literal text) and encoded again, so
// that every map, including nested structs, is written with sorted keys.
func DigestSnapshot(collection string, snapshot map[string]any) (Digest, error) {
	canonical, err := canonicalJSON(snapshot)
	if err != nil {
		return Digest{}, fmt.Errorf("canonical form: %w", err)
	}
	h := sha1.New()
	h.Write([]byte(collection)) // collection-preamble
	h.Write([]byte{0})
	h.Write(canonical)
	return Digest(h.Sum(nil)), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// contentAddress is the raw SHA-1 sum behind typed hashes such as Digest. Its
// text form is lowercase hex.
type contentAddress [sha1.Size]byte

func (h contentAddress) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *contentAddress) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(h) {
		return fmt.Errorf("decode hex: want %d characters, got %d: %w", hex.EncodedLen(len(h)), len(text), io.ErrUnexpectedEOF)
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	return nil
}

func (h contentAddress) String() string { return hex.EncodeToString(h[:]) }

func (h contentAddress) IsZero() bool { return h == contentAddress{} }
