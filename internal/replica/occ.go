package replica

import (
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// occVerdict is DoMVTSOOCCCheck/DoTAPIROCCCheck's result: either a final
// decision (Prepared=false, Result/Conflict set) or a signal to proceed
// to the prepared-indices write and dependency-wait step (Prepared=true).
type occVerdict struct {
	Prepared bool
	Result   txn.CCResult
	Conflict *txn.CommittedProof
	RetryTs  *vts.Timestamp // TAPIR only
}

// DoMVTSOOCCCheck implements spec.md section 4.3's MVTSO concurrency
// check: high-watermark abstain, read-set commit/prepared conflicts,
// write-set committed-read/prepared-read/RTS conflicts, else prepare.
func (r *Replica) DoMVTSOOCCCheck(t *txn.Transaction, digest vts.Digest) occVerdict {
	if t.Timestamp.Compare(r.highWatermark()) > 0 {
		return occVerdict{Result: txn.CCAbstain}
	}

	for _, read := range t.ReadSet {
		if conflict, ok := r.committedWriteConflict(read.Key, read.ReadVersion, t.Timestamp); ok {
			return occVerdict{Result: txn.CCAbort, Conflict: conflict}
		}
		if r.preparedWriteConflict(read.Key, read.ReadVersion, t.Timestamp) {
			return occVerdict{Result: txn.CCAbstain}
		}
	}

	for _, write := range t.WriteSet {
		if commitTs, readVer, proof, found := r.store.CommittedReadConflict(write.Key, t.Timestamp); found {
			_ = commitTs
			_ = readVer
			return occVerdict{Result: txn.CCAbort, Conflict: proof}
		}
		if r.preparedReadConflict(write.Key, t.Timestamp, digest) {
			return occVerdict{Result: txn.CCAbstain}
		}
		if r.store.RTSExceeds(write.Key, t.Timestamp) {
			return occVerdict{Result: txn.CCAbstain}
		}
	}

	r.prepare(t, digest)
	return occVerdict{Prepared: true}
}

// DoTAPIROCCCheck implements the TAPIR occType variant named in spec.md
// section 6's option table: strict read-version matching against the
// current latest committed version plus the write-set RTS check, no
// prepared-conflict checks, returning a retry timestamp on conflict
// instead of WAIT. Grounded on the OCCType{TAPIR,
// MVTSO} enum original_source/src/store/indicusstore/server.h exposes.
func (r *Replica) DoTAPIROCCCheck(t *txn.Transaction, digest vts.Digest) occVerdict {
	for _, read := range t.ReadSet {
		latestTs, _, ok := r.store.Get(read.Key, vts.PositiveInfinity)
		if ok && latestTs.Compare(read.ReadVersion) != 0 {
			retry := r.highWatermark()
			return occVerdict{Result: txn.CCAbstain, RetryTs: &retry}
		}
	}
	for _, write := range t.WriteSet {
		if r.store.RTSExceeds(write.Key, t.Timestamp) {
			retry := r.highWatermark()
			return occVerdict{Result: txn.CCAbstain, RetryTs: &retry}
		}
	}
	r.prepare(t, digest)
	return occVerdict{Prepared: true}
}

// committedWriteConflict reports whether a committed write to key lands
// strictly between readVer and ts (the read-set "commit conflict" check).
func (r *Replica) committedWriteConflict(key string, readVer, ts vts.Timestamp) (*txn.CommittedProof, bool) {
	for _, v := range r.store.GetCommittedAfter(key, readVer) {
		if v.Timestamp.Compare(ts) < 0 {
			if entry, ok := r.committedEntryFor(key, v.Timestamp); ok {
				return entry.proof, true
			}
			return nil, true
		}
	}
	return nil, false
}

// preparedWriteConflict reports whether a prepared (not yet committed)
// write to key lands strictly between readVer and ts.
func (r *Replica) preparedWriteConflict(key string, readVer, ts vts.Timestamp) bool {
	for _, d := range r.preparedWrites[key] {
		other, ok := r.ongoing[d]
		if !ok {
			continue
		}
		if readVer.Compare(other.Timestamp) < 0 && other.Timestamp.Compare(ts) < 0 {
			return true
		}
	}
	return false
}

// preparedReadConflict reports whether some prepared reader R of key has
// a read-version strictly below ts and ts <= R's own timestamp, without
// ts being listed as one of R's dependencies (spec.md section 4.3's
// write-set "prepared-read conflict" check).
func (r *Replica) preparedReadConflict(key string, ts vts.Timestamp, digest vts.Digest) bool {
	for _, d := range r.preparedReads[key] {
		other, ok := r.ongoing[d]
		if !ok {
			continue
		}
		var readVer vts.Timestamp
		found := false
		for _, rd := range other.ReadSet {
			if rd.Key == key {
				readVer = rd.ReadVersion
				found = true
				break
			}
		}
		if !found {
			continue
		}
		if !(readVer.Compare(ts) < 0 && ts.Compare(other.Timestamp) <= 0) {
			continue
		}
		if dependencyListsDigest(other, digest) {
			continue
		}
		return true
	}
	return false
}

func dependencyListsDigest(t *txn.Transaction, digest vts.Digest) bool {
	for _, dep := range t.Deps {
		if dep.PreparedWrite.TxnDigest == digest {
			return true
		}
	}
	return false
}

// prepare records t's digest into the prepared-write/prepared-read
// indices for every key it touches.
func (r *Replica) prepare(t *txn.Transaction, digest vts.Digest) {
	for _, k := range t.WriteKeys() {
		r.preparedWrites[k] = append(r.preparedWrites[k], digest)
	}
	for _, k := range t.ReadKeys() {
		r.preparedReads[k] = append(r.preparedReads[k], digest)
	}
}
