// Package store implements the replica's versioned key-value store
// (spec.md section 4.1): a map from key to an ordered map from Timestamp
// to Value, backed by github.com/google/btree the way the pack's
// talent-plan-tinykv keeps its ordered region/peer indices in a btree
// rather than a hand-rolled skip list.
package store

import (
	"github.com/google/btree"

	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// version is one committed (Timestamp, Value) pair stored in a key's
// btree, ordered by its embedded Timestamp.
type version struct {
	ts    vts.Timestamp
	value []byte
}

func (v version) Less(than btree.Item) bool {
	return v.ts.Less(than.(version).ts)
}

// readMark is one observed read against a key: the timestamp of the
// reader, and — once subsumed by a later commit via commitGet — the
// commit that subsumed it.
type readMark struct {
	readTs   vts.Timestamp
	commitTs vts.Timestamp // vts.Zero until commitGet is called
	proof    *txn.CommittedProof
}

func (r readMark) Less(than btree.Item) bool {
	return r.readTs.Less(than.(readMark).readTs)
}

// VersionedStore holds one ordered tree of committed versions and one
// ordered tree of read marks per key. Invariant 1 (no overwrites) is
// enforced by Put refusing to insert at a Timestamp already present.
type VersionedStore struct {
	versions map[string]*btree.BTree
	reads    map[string]*btree.BTree
	lastRead map[string]vts.Timestamp
}

// New returns an empty VersionedStore.
func New() *VersionedStore {
	return &VersionedStore{
		versions: make(map[string]*btree.BTree),
		reads:    make(map[string]*btree.BTree),
		lastRead: make(map[string]vts.Timestamp),
	}
}

const btreeDegree = 32

func (s *VersionedStore) versionTree(key string) *btree.BTree {
	t, ok := s.versions[key]
	if !ok {
		t = btree.New(btreeDegree)
		s.versions[key] = t
	}
	return t
}

func (s *VersionedStore) readTree(key string) *btree.BTree {
	t, ok := s.reads[key]
	if !ok {
		t = btree.New(btreeDegree)
		s.reads[key] = t
	}
	return t
}

// Put inserts value at ts for key. Overwriting an existing version is a
// programming error (invariant 1) — callers (Writeback) must never
// attempt it, so this reports it via a bool rather than an error the
// single-threaded loop would otherwise have to decide how to surface.
func (s *VersionedStore) Put(key string, value []byte, ts vts.Timestamp) bool {
	tree := s.versionTree(key)
	if tree.Has(version{ts: ts}) {
		return false
	}
	tree.ReplaceOrInsert(version{ts: ts, value: value})
	return true
}

// Get returns the greatest committed version of key with timestamp <= ts,
// or ok=false on a miss (not a failure — spec.md section 4.1's contract).
func (s *VersionedStore) Get(key string, asOf vts.Timestamp) (ts vts.Timestamp, value []byte, ok bool) {
	tree, present := s.versions[key]
	if !present {
		return vts.Timestamp{}, nil, false
	}
	var found version
	hit := false
	tree.DescendLessOrEqual(version{ts: asOf}, func(item btree.Item) bool {
		found = item.(version)
		hit = true
		return false
	})
	if !hit {
		return vts.Timestamp{}, nil, false
	}
	return found.ts, found.value, true
}

// GetLastRead returns the greatest read timestamp currently recorded
// against key (RemoveRTS and PurgeRTSUpTo lower it), or ok=false if none
// is recorded.
func (s *VersionedStore) GetLastRead(key string) (ts vts.Timestamp, ok bool) {
	ts, ok = s.lastRead[key]
	return ts, ok
}

// RecordRead records that key was read at readTs, for GetLastRead and for
// the RTS bookkeeping layered on top of this store by the replica's read
// path (spec.md section 4.2 step 3).
func (s *VersionedStore) RecordRead(key string, readTs vts.Timestamp) {
	if cur, ok := s.lastRead[key]; !ok || cur.Compare(readTs) < 0 {
		s.lastRead[key] = readTs
	}
	s.readTree(key).ReplaceOrInsert(readMark{readTs: readTs})
}

// GetRange returns the committed window (low, high) containing readTs:
// low is the version's own commit timestamp, high is the next version's
// commit timestamp, or vts.PositiveInfinity if readTs falls in the
// currently-latest version. ok is false if key has no version <= readTs.
func (s *VersionedStore) GetRange(key string, readTs vts.Timestamp) (low, high vts.Timestamp, ok bool) {
	tree, present := s.versions[key]
	if !present {
		return vts.Timestamp{}, vts.Timestamp{}, false
	}
	var lowV version
	hit := false
	tree.DescendLessOrEqual(version{ts: readTs}, func(item btree.Item) bool {
		lowV = item.(version)
		hit = true
		return false
	})
	if !hit {
		return vts.Timestamp{}, vts.Timestamp{}, false
	}
	high = vts.PositiveInfinity
	tree.AscendGreaterOrEqual(version{ts: vts.Timestamp{Logical: lowV.ts.Logical, ClientID: lowV.ts.ClientID + 1}}, func(item btree.Item) bool {
		high = item.(version).ts
		return false
	})
	return lowV.ts, high, true
}

// GetCommittedAfter returns every version of key committed strictly after
// ts, in ascending commit-timestamp order.
func (s *VersionedStore) GetCommittedAfter(key string, ts vts.Timestamp) []CommittedVersion {
	tree, present := s.versions[key]
	if !present {
		return nil
	}
	var out []CommittedVersion
	tree.AscendGreaterOrEqual(version{ts: vts.Timestamp{Logical: ts.Logical, ClientID: ts.ClientID + 1}}, func(item btree.Item) bool {
		v := item.(version)
		out = append(out, CommittedVersion{Timestamp: v.ts, Value: v.value})
		return true
	})
	return out
}

// CommittedVersion is one (Timestamp, Value) pair returned by
// GetCommittedAfter.
type CommittedVersion struct {
	Timestamp vts.Timestamp
	Value     []byte
}

// CommitGet annotates that the read of key at readTs is subsumed by the
// commit of a transaction at commitTs, attaching proof for later
// committedReads-conflict checks (spec.md section 4.3's "Committed-read
// conflict" scan).
func (s *VersionedStore) CommitGet(key string, readTs, commitTs vts.Timestamp, proof *txn.CommittedProof) {
	tree := s.readTree(key)
	item := tree.Get(readMark{readTs: readTs})
	mark := readMark{readTs: readTs}
	if item != nil {
		mark = item.(readMark)
	}
	mark.commitTs = commitTs
	mark.proof = proof
	tree.ReplaceOrInsert(mark)
}

// RTSExceeds reports whether any read recorded against key strictly
// exceeds ts — the write-set "RTS conflict" check (spec.md section 4.3).
// Equivalent to GetLastRead(key) > ts, since the greatest recorded read
// exceeding ts is a necessary and sufficient witness.
func (s *VersionedStore) RTSExceeds(key string, ts vts.Timestamp) bool {
	last, ok := s.GetLastRead(key)
	return ok && ts.Compare(last) < 0
}

// RemoveRTS deletes the read-timestamp entry for (key, readTs), used by
// Abort to undo the RTS bookkeeping a transaction's read-set installed
// (DESIGN.md's resolution of spec.md section 4.8's "remove RTS" Open
// Question: iterate exactly the given read-set, no-op on an empty one).
func (s *VersionedStore) RemoveRTS(key string, readTs vts.Timestamp) {
	tree, present := s.reads[key]
	if !present {
		return
	}
	tree.Delete(readMark{readTs: readTs})
	if tree.Len() == 0 {
		delete(s.reads, key)
		delete(s.lastRead, key)
		return
	}
	var newest version
	found := false
	tree.Descend(func(item btree.Item) bool {
		m := item.(readMark)
		newest = version{ts: m.readTs}
		found = true
		return false
	})
	if found {
		s.lastRead[key] = newest.ts
	}
}

// PurgeRTSUpTo deletes every read-timestamp entry for key with readTs <=
// ts, the write-path cleanup Writeback's commit branch performs (spec.md
// section 4.6: "purge rts[k] entries <= ts").
func (s *VersionedStore) PurgeRTSUpTo(key string, ts vts.Timestamp) {
	tree, present := s.reads[key]
	if !present {
		return
	}
	var stale []btree.Item
	tree.AscendLessThan(readMark{readTs: vts.Timestamp{Logical: ts.Logical, ClientID: ts.ClientID + 1}}, func(item btree.Item) bool {
		stale = append(stale, item)
		return true
	})
	for _, item := range stale {
		tree.Delete(item)
	}
	if tree.Len() == 0 {
		delete(s.reads, key)
		delete(s.lastRead, key)
		return
	}
	var newest version
	tree.Descend(func(item btree.Item) bool {
		newest = version{ts: item.(readMark).readTs}
		return false
	})
	s.lastRead[key] = newest.ts
}

// CommittedReadConflict implements the write-set "committed-read
// conflict" scan (spec.md section 4.3): traversing the key's commitGet-
// annotated read marks from the largest read timestamp downward, reports
// the first (commitTs, readVer, proof) with ts <= commitTs and readVer <
// ts, if any.
func (s *VersionedStore) CommittedReadConflict(key string, ts vts.Timestamp) (commitTs, readVer vts.Timestamp, proof *txn.CommittedProof, found bool) {
	tree, present := s.reads[key]
	if !present {
		return vts.Timestamp{}, vts.Timestamp{}, nil, false
	}
	tree.Descend(func(item btree.Item) bool {
		m := item.(readMark)
		if m.commitTs == vts.Zero {
			return true // not yet committed-read-annotated
		}
		if ts.Compare(m.commitTs) <= 0 && m.readTs.Compare(ts) < 0 {
			commitTs, readVer, proof, found = m.commitTs, m.readTs, m.proof, true
			return false
		}
		return true
	})
	return commitTs, readVer, proof, found
}
