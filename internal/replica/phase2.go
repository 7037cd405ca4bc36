package replica

import (
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// handlePhase2 implements spec.md section 4.5.
func (r *Replica) handlePhase2(from message.Address, req message.Phase2) Outcome {
	if decision, ok := r.p2Decisions[req.Digest]; ok {
		r.emitPhase2Reply(from, req.Digest, decision, r.currentViews[req.Digest])
		return Decision(ccResultOf(decision))
	}

	t := req.Txn
	if t == nil {
		if ongoing, ok := r.ongoing[req.Digest]; ok {
			t = ongoing
		}
	}
	if t == nil {
		return Invalid("phase2: no transaction context for digest")
	}

	if !r.validateGroupedSigs(req.Digest, t, req.GroupedSigs, req.Decision) {
		return Invalid("phase2: grouped P1 signature quorum failed")
	}

	r.p2Decisions[req.Digest] = req.Decision
	r.currentViews[req.Digest] = 0
	r.decisionViews[req.Digest] = 0

	r.emitPhase2Reply(from, req.Digest, req.Decision, 0)
	return Decision(ccResultOf(req.Decision))
}

func ccResultOf(d txn.Decision) txn.CCResult {
	if d == txn.DecisionCommit {
		return txn.CCCommit
	}
	return txn.CCAbort
}

func (r *Replica) emitPhase2Reply(to message.Address, digest vts.Digest, decision txn.Decision, view uint64) {
	reply := message.Phase2Reply{Digest: digest, Decision: decision, View: view}
	if r.cfg.SignedMessages {
		if sig, err := r.km.Sign(r.self, txn.Phase2VoteSignatureData(digest, decision, view)); err == nil {
			reply.Sig = txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
		}
	}
	r.trans.Send(to, message.Envelope{Kind: message.KindPhase2Reply, Payload: reply})
}

// validateGroupedSigs implements spec.md section 4.5 step 2: across every
// involved group of t, a quorum of Phase-1 votes supports decision. Phase-2
// is itself the slow path's second round (the fast path, witnessed by the
// larger n-f threshold, finalizes via Writeback without ever reaching
// here), so the quorum required per group is the slow-path threshold
// (2f+1) regardless of decision.
func (r *Replica) validateGroupedSigs(digest vts.Digest, t *txn.Transaction, grouped []message.GroupedP1Sigs, decision txn.Decision) bool {
	byGroup := make(map[txn.GroupID][]txn.Signature, len(grouped))
	for _, g := range grouped {
		byGroup[g.Group] = g.Sigs
	}

	groups := t.InvolvedGroups
	if len(groups) == 0 {
		groups = r.part.InvolvedGroups(t)
	}

	for _, group := range groups {
		sigs, ok := byGroup[group]
		if !ok {
			return false
		}
		data := txn.Phase1VoteSignatureData(digest, ccResultOf(decision))
		count := txn.CountValidSignatures(r.km, data, sigs)
		if count < r.sizes.SlowQuorumThreshold() {
			return false
		}
	}
	return true
}
