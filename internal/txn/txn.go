// Package txn holds the wire-level Transaction data model (spec.md section
// 3): the immutable value every protocol message carries or references by
// digest.
package txn

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"sort"

	"github.com/shardguard/shardguard/internal/vts"
)

// GroupID names one shard group (replica set) in the partitioning scheme.
type GroupID uint64

// ReadEntry is one (key, read-version) pair in a transaction's read-set.
type ReadEntry struct {
	Key         string
	ReadVersion vts.Timestamp
}

// WriteEntry is one (key, value) pair in a transaction's write-set.
type WriteEntry struct {
	Key   string
	Value []byte
}

// PreparedWrite is the witness a Dependency carries for the prepared write
// it names: spec.md section 3's "{key, value, timestamp, txn-digest}".
type PreparedWrite struct {
	Key       string
	Value     []byte
	Timestamp vts.Timestamp
	TxnDigest vts.Digest
}

// Signature is one signer's signature over some canonical byte string; the
// process-id identifies signer within a group (spec.md section 6: process
// ids are group_index*n + replica_index).
type Signature struct {
	ProcessID uint64
	Bytes     []byte
}

// Dependency is one entry in Transaction.Deps: the involved group the
// dependency was prepared in, the prepared write itself, and an optional
// signature quorum over that witness (required when verifyDeps is on).
type Dependency struct {
	InvolvedGroup GroupID
	PreparedWrite PreparedWrite
	Signatures    []Signature
}

// Transaction is immutable once seen by a replica (spec.md section 3).
type Transaction struct {
	ClientID       uint64
	ClientSeq      uint64
	Timestamp      vts.Timestamp
	ReadSet        []ReadEntry
	WriteSet       []WriteEntry
	Deps           []Dependency
	InvolvedGroups []GroupID
}

// ReadKeys returns the keys in the read-set, in the order stored.
func (t *Transaction) ReadKeys() []string {
	keys := make([]string, len(t.ReadSet))
	for i, r := range t.ReadSet {
		keys[i] = r.Key
	}
	return keys
}

// WriteKeys returns the keys in the write-set, in the order stored.
func (t *Transaction) WriteKeys() []string {
	keys := make([]string, len(t.WriteSet))
	for i, w := range t.WriteSet {
		keys[i] = w.Key
	}
	return keys
}

// sortedGroups returns InvolvedGroups deduplicated and sorted, so that
// digest computation and logging-shard selection never depend on the
// order a Partitioner happened to append groups in.
func (t *Transaction) sortedGroups() []GroupID {
	seen := make(map[GroupID]struct{}, len(t.InvolvedGroups))
	out := make([]GroupID, 0, len(t.InvolvedGroups))
	for _, g := range t.InvolvedGroups {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// canonicalEncoding is a deterministic byte encoding of t suitable for
// hashing: gob over a value with InvolvedGroups normalized. This
// generalizes the teacher's calculateDigest (sha256 of fmt.Sprintf("%v",
// request)) into something that doesn't depend on Go's %v formatting of
// nested structs, which is not guaranteed stable across field reordering.
func (t *Transaction) canonicalEncoding() []byte {
	canon := *t
	canon.InvolvedGroups = t.sortedGroups()

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	// gob.Encoder errors only on unsupported types (channels, funcs) or
	// write failures on a bytes.Buffer, neither of which Transaction can
	// trigger; a panic here would indicate a programming error in this
	// type, not a runtime condition callers should handle.
	if err := enc.Encode(canon); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Digest computes the transaction's deterministic fingerprint, truncated
// to hashDigestBytes when > 0 (spec.md section 6's hashDigest option).
func (t *Transaction) Digest(hashDigestBytes int) vts.Digest {
	sum := sha256.Sum256(t.canonicalEncoding())
	return vts.NewDigest(sum, hashDigestBytes)
}
