package vts

import (
	"encoding/hex"
	"errors"
)

// DigestSize is the full, untruncated digest length in bytes (sha256).
const DigestSize = 32

// Digest is the opaque deterministic fingerprint of a Transaction — the
// protocol's identity key everywhere (prepared/committed/aborted indices,
// dependency edges, interested-client sets). A Digest is always compared
// and hashed as the fixed-size array, never the (possibly truncated)
// string it renders to, so two replicas configured with different
// HashDigest truncation lengths can still exchange Transactions without
// their Digest type changing shape.
type Digest struct {
	bytes [DigestSize]byte
	n     int // number of meaningful leading bytes; DigestSize unless truncated
}

// NewDigest wraps a full 32-byte sha256 sum, truncating to n bytes when
// n is in (0, DigestSize). n<=0 or n>=DigestSize means "no truncation".
func NewDigest(sum [DigestSize]byte, n int) Digest {
	if n <= 0 || n >= DigestSize {
		n = DigestSize
	}
	d := Digest{bytes: sum, n: n}
	for i := n; i < DigestSize; i++ {
		d.bytes[i] = 0
	}
	return d
}

// Bytes returns the meaningful prefix of the digest.
func (d Digest) Bytes() []byte {
	return d.bytes[:d.n]
}

func (d Digest) String() string {
	return hex.EncodeToString(d.Bytes())
}

// GobEncode implements gob.GobEncoder: Digest's fields are unexported, so
// gob (transaction digests, net/rpc transport) encodes its meaningful bytes.
func (d Digest) GobEncode() ([]byte, error) { return d.Bytes(), nil }

// GobDecode implements gob.GobDecoder, the inverse of GobEncode.
func (d *Digest) GobDecode(b []byte) error {
	if len(b) > DigestSize {
		return errors.New("vts: encoded digest longer than DigestSize")
	}
	*d = Digest{n: len(b)}
	copy(d.bytes[:], b)
	return nil
}

// FirstByte is used by the fallback subsystem's logging-shard and
// coordinator selection (spec.md section 4.7): "the first byte of d".
func (d Digest) FirstByte() byte {
	if d.n == 0 {
		return 0
	}
	return d.bytes[0]
}

// Zero reports whether d is the zero-value Digest (never a real digest,
// since a real sha256 sum of any encoding is vanishingly unlikely to be
// all-zero; used as a "not set" sentinel in maps keyed by Digest where a
// bool-ok return is less convenient than a direct comparison).
func (d Digest) Zero() bool {
	return d == Digest{}
}
