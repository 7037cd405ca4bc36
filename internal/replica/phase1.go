package replica

import (
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// handlePhase1 implements spec.md section 4.3.
func (r *Replica) handlePhase1(from message.Address, req message.Phase1) Outcome {
	t := req.Txn
	digest := r.digestOf(&t)

	// clean() drops p1Decisions[digest] once a final Writeback lands, so a
	// Phase1 replayed after that point must be answered from
	// committed/aborted membership instead of re-running OCC (spec.md
	// section 8 idempotence; see DESIGN.md).
	if _, ok := r.committed[digest]; ok {
		r.addInterestedClient(digest, from)
		r.emitPhase1Reply(from, digest, txn.CCCommit)
		return Decision(txn.CCCommit)
	}
	if _, ok := r.aborted[digest]; ok {
		r.addInterestedClient(digest, from)
		r.emitPhase1Reply(from, digest, txn.CCAbort)
		return Decision(txn.CCAbort)
	}

	if result, done := r.p1Decisions[digest]; done {
		r.addInterestedClient(digest, from)
		if result != txn.CCWait {
			r.emitPhase1Reply(from, digest, result)
		}
		return Decision(result)
	}

	if r.cfg.VerifyDeps {
		for _, dep := range t.Deps {
			if !txn.VerifyGroupSignatures(r.km, depWitnessData(dep), dep.Signatures, r.cfg.ReadDepSize) {
				return Invalid("phase1: dependency witness missing signature quorum")
			}
		}
	}

	r.currentViews[digest] = 0
	r.addInterestedClient(digest, from)
	r.ongoing[digest] = &t

	verdict := r.runOCC(&t, digest)
	if !verdict.Prepared {
		return r.finishPhase1(from, digest, verdict.Result, verdict.Conflict)
	}

	result, allResolved := r.beginDependencyWait(&t, digest, from, req.ReqID)
	if !allResolved {
		// waiting on at least one dep: no reply yet, the eventual
		// dependency resolution (section 4.4) emits the delayed reply.
		return Decision(txn.CCWait)
	}
	return r.finishPhase1(from, digest, result, nil)
}

// runOCC dispatches to the configured occType's check.
func (r *Replica) runOCC(t *txn.Transaction, digest vts.Digest) occVerdict {
	if r.cfg.OCCType == "TAPIR" {
		return r.DoTAPIROCCCheck(t, digest)
	}
	return r.DoMVTSOOCCCheck(t, digest)
}

// finishPhase1 persists a final (non-WAIT-pending) Phase-1 decision and
// emits the reply.
func (r *Replica) finishPhase1(from message.Address, digest vts.Digest, result txn.CCResult, conflict *txn.CommittedProof) Outcome {
	r.p1Decisions[digest] = result
	if result == txn.CCAbort {
		r.p1Conflicts[digest] = conflict
	}
	if result != txn.CCWait {
		r.startClientTimer(digest)
		r.emitPhase1Reply(from, digest, result)
	}
	return Decision(result)
}

func (r *Replica) emitPhase1Reply(to message.Address, digest vts.Digest, result txn.CCResult) {
	reply := message.Phase1Reply{Digest: digest, Result: result}
	if result == txn.CCAbort {
		reply.Conflict = r.p1Conflicts[digest]
	}
	if r.cfg.SignedMessages {
		if sig, err := r.km.Sign(r.self, txn.Phase1VoteSignatureData(digest, result)); err == nil {
			reply.Sig = txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
		}
	}
	r.trans.Send(to, message.Envelope{Kind: message.KindPhase1Reply, Payload: reply})
}

func depWitnessData(dep txn.Dependency) []byte {
	return []byte("<DEP-WITNESS," + dep.PreparedWrite.Key + "," + dep.PreparedWrite.Timestamp.String() + "," + dep.PreparedWrite.TxnDigest.String() + ">")
}
