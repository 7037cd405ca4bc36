package replica

import (
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// beginDependencyWait implements spec.md section 4.3 step 4: inspect
// every dep whose involved group matches this replica, deciding per-dep
// whether it's already satisfied, a stale dep (ABSTAIN), or something to
// wait on. Returns (result, allResolved); when allResolved is false the
// caller must not reply yet — the eventual dependency resolution (section
// 4.4) will emit the delayed Phase1Reply.
func (r *Replica) beginDependencyWait(t *txn.Transaction, digest vts.Digest, requester message.Address, reqID string) (txn.CCResult, bool) {
	waiting := false
	for _, dep := range t.Deps {
		if dep.InvolvedGroup != r.group {
			continue
		}
		depDigest := dep.PreparedWrite.TxnDigest

		if _, ok := r.aborted[depDigest]; ok {
			continue // satisfied
		}
		if _, ok := r.committed[depDigest]; ok {
			continue // satisfied
		}

		if !r.cfg.VerifyDeps && !r.hasPreparedWrite(depDigest, dep.PreparedWrite.Key) {
			return txn.CCAbstain, true
		}

		waiting = true
		if r.dependents[depDigest] == nil {
			r.dependents[depDigest] = make(map[vts.Digest]struct{})
		}
		r.dependents[depDigest][digest] = struct{}{}

		ws, ok := r.waitingDependencies[digest]
		if !ok {
			ws = &waitState{deps: make(map[vts.Digest]struct{}), requester: requester, reqID: reqID}
			r.waitingDependencies[digest] = ws
		}
		ws.deps[depDigest] = struct{}{}

		if _, known := r.ongoing[depDigest]; !known {
			r.trans.Send(requester, message.Envelope{
				Kind: message.KindRelayP1,
				Payload: message.RelayP1{Digest: depDigest, Blocking: dep.PreparedWrite},
			})
		}
	}

	if waiting {
		return txn.CCWait, false
	}
	return r.checkDependencies(t), true
}

// hasPreparedWrite reports whether digest appears in this replica's
// prepared-write index for key — the "locally prepared" test spec.md
// section 4.3 step 4 uses to distinguish a stale dep from a genuinely
// outstanding one.
func (r *Replica) hasPreparedWrite(digest vts.Digest, key string) bool {
	for _, d := range r.preparedWrites[key] {
		if d == digest {
			return true
		}
	}
	return false
}

// checkDependencies implements spec.md section 4.3 step 5 / section
// 4.4's re-check: any aborted dep -> ABSTAIN; any committed dep whose
// timestamp exceeds t's own -> ABSTAIN; else COMMIT.
func (r *Replica) checkDependencies(t *txn.Transaction) txn.CCResult {
	for _, dep := range t.Deps {
		depDigest := dep.PreparedWrite.TxnDigest
		if _, ok := r.aborted[depDigest]; ok {
			return txn.CCAbstain
		}
		if entry, ok := r.committed[depDigest]; ok {
			if entry.txn.Timestamp.Compare(t.Timestamp) > 0 {
				return txn.CCAbstain
			}
		}
	}
	return txn.CCCommit
}

// resolveDependents implements spec.md section 4.4: when digest
// transitions to committed or aborted, every transaction waiting on it
// has it removed from its remaining-deps set; once a waiter's deps are
// empty, recheck and emit the delayed Phase1Reply. The resulting decision
// may only ever be COMMIT or ABSTAIN — ABORT here is a program invariant
// violation (invariant 5), checked by Fatal, not silently allowed.
func (r *Replica) resolveDependents(resolved vts.Digest) {
	waiters := r.dependents[resolved]
	delete(r.dependents, resolved)
	for waiterDigest := range waiters {
		ws, ok := r.waitingDependencies[waiterDigest]
		if !ok {
			continue
		}
		delete(ws.deps, resolved)
		if len(ws.deps) > 0 {
			continue
		}

		t, ok := r.ongoing[waiterDigest]
		if !ok {
			continue
		}
		result := r.checkDependencies(t)
		if result == txn.CCAbort {
			Fatal("dependency resolution yielded ABORT for digest " + waiterDigest.String())
		}

		delete(r.waitingDependencies, waiterDigest)
		r.p1Decisions[waiterDigest] = result
		r.startClientTimer(waiterDigest)
		r.emitPhase1Reply(ws.requester, waiterDigest, result)
	}
}
