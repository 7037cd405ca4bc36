package replica

import (
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// handleWriteback implements spec.md section 4.6: exactly one of the
// three validation branches must succeed, else the message is dropped
// silently; on success the decision is materialized and every dependent
// notified.
func (r *Replica) handleWriteback(wb message.Writeback) Outcome {
	if _, ok := r.committed[wb.Digest]; ok {
		return Decision(txn.CCCommit) // spec.md section 8 idempotence: already applied
	}
	if _, ok := r.aborted[wb.Digest]; ok {
		return Decision(txn.CCAbort)
	}

	t, haveTxn := r.ongoing[wb.Digest]
	if !haveTxn {
		if entry, ok := r.committed[wb.Digest]; ok {
			t = &entry.txn
			haveTxn = true
		}
	}

	switch {
	case wb.Decision == txn.DecisionCommit && len(wb.P1Sigs) > 0:
		if !haveTxn || !r.validateFastCommitQuorum(wb.Digest, t, wb.P1Sigs) {
			return Dropped()
		}
	case len(wb.P2Sigs) > 0:
		data := txn.Phase2VoteSignatureData(wb.Digest, wb.Decision, wb.View)
		if txn.CountValidSignatures(r.km, data, wb.P2Sigs) < r.sizes.SlowQuorumThreshold() {
			return Dropped()
		}
	case wb.Decision == txn.DecisionAbort && wb.Conflict != nil:
		if !haveTxn || !conflicts(t, wb.Conflict) {
			return Dropped()
		}
	default:
		return Dropped()
	}

	r.writebackMessages[wb.Digest] = &wb

	if wb.Decision == txn.DecisionCommit {
		r.applyCommit(wb.Digest, t, &wb)
	} else {
		r.applyAbort(wb.Digest)
	}
	return Decision(ccResultOf(wb.Decision))
}

func (r *Replica) validateFastCommitQuorum(digest vts.Digest, t *txn.Transaction, p1Sigs []message.GroupedP1Sigs) bool {
	byGroup := make(map[txn.GroupID][]txn.Signature, len(p1Sigs))
	for _, g := range p1Sigs {
		byGroup[g.Group] = g.Sigs
	}
	groups := t.InvolvedGroups
	if len(groups) == 0 {
		groups = r.part.InvolvedGroups(t)
	}
	data := txn.Phase1VoteSignatureData(digest, txn.CCCommit)
	for _, group := range groups {
		sigs, ok := byGroup[group]
		if !ok || txn.CountValidSignatures(r.km, data, sigs) < r.sizes.FastCommitThreshold() {
			return false
		}
	}
	return true
}

// conflicts reports whether candidate actually conflicts with t: writes a
// key t read, at a timestamp strictly between t's read-version and t's own
// timestamp, the minimal check needed to validate a fast-abort conflict
// witness.
func conflicts(t, candidate *txn.Transaction) bool {
	writes := make(map[string]struct{}, len(candidate.WriteSet))
	for _, w := range candidate.WriteSet {
		writes[w.Key] = struct{}{}
	}
	for _, read := range t.ReadSet {
		if _, ok := writes[read.Key]; !ok {
			continue
		}
		if read.ReadVersion.Compare(candidate.Timestamp) < 0 && candidate.Timestamp.Compare(t.Timestamp) < 0 {
			return true
		}
	}
	return false
}

func (r *Replica) applyCommit(digest vts.Digest, t *txn.Transaction, wb *message.Writeback) {
	if t == nil {
		Fatal("writeback commit of digest not in ongoing: " + digest.String())
	}

	proof := &txn.CommittedProof{Txn: *t, Phase1Sigs: toGroupSignatures(wb.P1Sigs), Phase2Sigs: wb.P2Sigs}
	r.committed[digest] = committedEntry{txn: *t, proof: proof}

	for _, read := range t.ReadSet {
		if r.part.Owns(r.group, read.Key) {
			r.store.CommitGet(read.Key, read.ReadVersion, t.Timestamp, proof)
		}
	}
	for _, write := range t.WriteSet {
		if r.part.Owns(r.group, write.Key) {
			r.store.Put(write.Key, write.Value, t.Timestamp)
			r.store.PurgeRTSUpTo(write.Key, t.Timestamp)
		}
	}

	// resolveDependents reads dependents[digest] (who's waiting on this
	// digest); clean deletes that same entry, so it must run first.
	r.resolveDependents(digest)
	r.clean(digest)
}

func (r *Replica) applyAbort(digest vts.Digest) {
	r.aborted[digest] = struct{}{}
	r.resolveDependents(digest)
	r.clean(digest)
}

func toGroupSignatures(grouped []message.GroupedP1Sigs) []txn.GroupSignatures {
	out := make([]txn.GroupSignatures, len(grouped))
	for i, g := range grouped {
		out[i] = txn.GroupSignatures{Group: g.Group, Signatures: g.Sigs}
	}
	return out
}
