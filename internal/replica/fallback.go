// Fallback subsystem (spec.md section 4.7): progress for a digest stuck
// on an unresolved dependency, driven by any interested party rather than
// only the original client, since that client may itself be Byzantine or
// crashed. A view-based coordinator is elected deterministically per
// digest; this is the furthest this package gets from the teacher's
// single fixed per-cluster leader, grounded instead on the ViewNumber
// field present (if unused) on every one of the teacher's message
// structs, generalized into a real view-change.
package replica

import (
	"fmt"
	"time"

	"github.com/shardguard/shardguard/internal/crypto"
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// loggingShard returns the unique group responsible for digest's
// fallback: the first byte of digest modulo the number of involved
// groups selects an index into them (spec.md section 4.7).
func (r *Replica) loggingShard(t *txn.Transaction, digest vts.Digest) txn.GroupID {
	groups := t.InvolvedGroups
	if len(groups) == 0 {
		groups = r.part.InvolvedGroups(t)
	}
	if len(groups) == 0 {
		return r.group
	}
	idx := int(digest.FirstByte()) % len(groups)
	return groups[idx]
}

func (r *Replica) isInLoggingShard(t *txn.Transaction, digest vts.Digest) bool {
	return r.group == r.loggingShard(t, digest)
}

// coordinatorForView returns the logging shard's coordinator replica
// index for view v on digest d: (v + d[0]) mod n.
func (r *Replica) coordinatorForView(view uint64, digest vts.Digest) uint64 {
	return (view + uint64(digest.FirstByte())) % uint64(r.cfg.GroupSize)
}

func (r *Replica) attachedView(digest vts.Digest) message.AttachedView {
	view := message.AttachedView{CurrentView: r.currentViews[digest], ReplicaID: r.cfg.ReplicaIndex, Digest: digest}
	if r.cfg.SignedMessages {
		if sig, err := r.km.Sign(r.self, attachedViewSignatureData(digest, view.CurrentView, r.cfg.ReplicaIndex)); err == nil {
			view.Sig = txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
		}
	}
	return view
}

func attachedViewSignatureData(digest vts.Digest, view, replicaID uint64) []byte {
	return []byte(fmt.Sprintf("<VIEW,%s,%d,%d>", digest.String(), view, replicaID))
}

func electSignatureData(digest vts.Digest, decision txn.Decision, view uint64) []byte {
	return []byte(fmt.Sprintf("<ELECT,%s,%s,%d>", digest.String(), decision.String(), view))
}

// handlePhase1FB implements spec.md section 4.7's Phase1FB: report
// whatever progress this replica already has on digest so a peer
// orchestrating a fallback can catch up, re-running Phase-1 only as a
// last resort.
func (r *Replica) handlePhase1FB(from message.Address, req message.Phase1FB) Outcome {
	digest := req.Digest
	view := r.attachedView(digest)

	if wb, ok := r.writebackMessages[digest]; ok {
		r.sendPhase1FBReply(from, req.ReqID, digest, view, phase1FBCase{writeback: wb})
		return Decision(ccResultOf(wb.Decision))
	}

	p1, haveP1 := r.p1Decisions[digest]
	p2, haveP2 := r.p2Decisions[digest]

	switch {
	case haveP1 && p1 != txn.CCWait && haveP2:
		r.sendPhase1FBReply(from, req.ReqID, digest, view, phase1FBCase{p1Result: &p1, p2Decision: &p2})
	case haveP2:
		r.sendPhase1FBReply(from, req.ReqID, digest, view, phase1FBCase{p2Decision: &p2})
	case haveP1 && p1 != txn.CCWait:
		r.sendPhase1FBReply(from, req.ReqID, digest, view, phase1FBCase{p1Result: &p1})
	default:
		t := req.Txn
		if _, exists := r.ongoing[digest]; !exists {
			r.ongoing[digest] = &t
		}
		owned := r.ongoing[digest]
		verdict := r.runOCC(owned, digest)
		var result txn.CCResult
		if verdict.Prepared {
			result, _ = r.beginDependencyWait(owned, digest, from, req.ReqID)
		} else {
			result = verdict.Result
			if result == txn.CCAbort {
				r.p1Conflicts[digest] = verdict.Conflict
			}
		}
		r.p1Decisions[digest] = result
		r.sendPhase1FBReply(from, req.ReqID, digest, view, phase1FBCase{p1Result: &result})
	}
	return Decision(txn.CCWait)
}

type phase1FBCase struct {
	writeback  *message.Writeback
	p1Result   *txn.CCResult
	p1Conflict *txn.CommittedProof
	p2Decision *txn.Decision
}

func (r *Replica) sendPhase1FBReply(to message.Address, reqID string, digest vts.Digest, view message.AttachedView, c phase1FBCase) {
	reply := message.Phase1FBReply{
		ReqID: reqID, Digest: digest, View: view,
		Writeback: c.writeback, P1Result: c.p1Result, P1Conflict: c.p1Conflict, P2Decision: c.p2Decision,
	}
	r.trans.Send(to, message.Envelope{Kind: message.KindPhase1FBReply, Payload: reply})
}

// installPhase2Decision tries to establish p2Decisions[digest] from
// whichever evidence is present: a quorum of agreeing Phase2Replies from
// the logging shard, or a valid grouped Phase-1 signature quorum (same
// validation as Phase-2). Shared by Phase2FB and InvokeFB's step 5.
func (r *Replica) installPhase2Decision(digest vts.Digest, t *txn.Transaction, p2Replies []message.Phase2Reply, groupedSigs []message.GroupedP1Sigs) bool {
	if _, ok := r.p2Decisions[digest]; ok {
		return true
	}
	if len(p2Replies) > 0 {
		if decision, ok := r.agreeingP2Replies(digest, p2Replies); ok {
			r.p2Decisions[digest] = decision
			r.decisionViews[digest] = 0
			return true
		}
	}
	if t != nil && len(groupedSigs) > 0 {
		if r.validateGroupedSigs(digest, t, groupedSigs, txn.DecisionCommit) {
			r.p2Decisions[digest] = txn.DecisionCommit
			r.decisionViews[digest] = 0
			return true
		}
	}
	return false
}

// agreeingP2Replies implements Phase2FB's p2_replies acceptance: at
// least f+1 distinct signers agreeing on the same (decision, digest).
// DESIGN.md's resolution of the VerifyP2FB Open Question applies: distinct
// signer ids, not message count. Which group a signer belongs to is not
// checked.
func (r *Replica) agreeingP2Replies(digest vts.Digest, replies []message.Phase2Reply) (txn.Decision, bool) {
	counts := map[txn.Decision]map[uint64]struct{}{}
	for _, reply := range replies {
		if reply.Digest != digest {
			continue
		}
		data := txn.Phase2VoteSignatureData(digest, reply.Decision, reply.View)
		if r.cfg.SignedMessages && !r.km.Verify(crypto.ProcessID(reply.Sig.ProcessID), data, reply.Sig.Bytes) {
			continue
		}
		signers, ok := counts[reply.Decision]
		if !ok {
			signers = make(map[uint64]struct{})
			counts[reply.Decision] = signers
		}
		signers[reply.Sig.ProcessID] = struct{}{}
	}
	for decision, signers := range counts {
		if r.sizes.HasSmallQuorum(len(signers)) {
			return decision, true
		}
	}
	return txn.DecisionAbort, false
}

// handlePhase2FB implements spec.md section 4.7's Phase2FB, gated by
// CLIENTTIMEOUT.
func (r *Replica) handlePhase2FB(from message.Address, req message.Phase2FB) Outcome {
	digest := req.Digest
	if start, ok := r.clientStartTime[digest]; ok && time.Since(start) < r.cfg.ClientTimeoutDuration() {
		return Invalid("phase2fb: deferred until client timeout elapses")
	}

	var t *txn.Transaction
	if ongoing, ok := r.ongoing[digest]; ok {
		t = ongoing
	}
	if !r.installPhase2Decision(digest, t, req.P2Replies, req.GroupedSigs) {
		return Dropped()
	}

	decision := r.p2Decisions[digest]
	view := r.attachedView(digest)
	reply := message.Phase2FBReply{ReqID: req.ReqID, Digest: digest, Decision: decision, View: view}
	if r.cfg.SignedMessages {
		if sig, err := r.km.Sign(r.self, txn.Phase2VoteSignatureData(digest, decision, view.CurrentView)); err == nil {
			reply.Sig = txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
		}
	}
	r.trans.Send(from, message.Envelope{Kind: message.KindPhase2FBReply, Payload: reply})
	return Decision(ccResultOf(decision))
}

// handleInvokeFB implements spec.md section 4.7's InvokeFB gating
// cascade.
func (r *Replica) handleInvokeFB(req message.InvokeFB) Outcome {
	digest := req.Digest

	if req.NewView <= r.currentViews[digest] {
		return Dropped() // step 1: obsolete view
	}
	if start, ok := r.clientStartTime[digest]; !ok || time.Since(start) < r.cfg.ClientTimeoutDuration() {
		return Invalid("invoke_fb: deferred, client_starttime not aged past CLIENTTIMEOUT") // step 2
	}
	if started, ok := r.fbTimeoutsStart[digest]; ok {
		if time.Since(started) < r.expTimeouts[digest] {
			return Invalid("invoke_fb: deferred, exp_timeouts not elapsed") // step 3
		}
	}

	var t *txn.Transaction
	if ongoing, ok := r.ongoing[digest]; ok {
		t = ongoing
	} else if entry, ok := r.committed[digest]; ok {
		tt := entry.txn
		t = &tt
	}
	if t == nil || !r.isInLoggingShard(t, digest) {
		return Dropped() // step 4
	}

	if !r.installPhase2Decision(digest, t, req.P2Replies, req.GroupedSigs) {
		return Dropped() // step 5: still no P2 decision available
	}

	required := r.sizes.SmallQuorumThreshold() // catchup: f+1
	minView := req.NewView
	if !req.Catchup {
		required = 3*r.sizes.F + 1
		if req.NewView > 0 {
			minView = req.NewView - 1
		}
	}
	if !r.verifyViewCerts(digest, minView, req.ViewCerts, required) {
		return Invalid("invoke_fb: insufficient view certificates") // step 6
	}

	r.currentViews[digest] = req.NewView // step 7
	elect := message.ElectMessage{Digest: digest, Decision: r.p2Decisions[digest], View: req.NewView}
	if r.cfg.SignedMessages {
		if sig, err := r.km.Sign(r.self, electSignatureData(digest, elect.Decision, elect.View)); err == nil {
			elect.Sig = txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
		}
	}
	coordinator := r.coordinatorForView(req.NewView, digest)
	r.trans.SendReplica(r.loggingShard(t, digest), coordinator, message.Envelope{Kind: message.KindElectFB, Payload: message.ElectFB{Elect: elect}})

	if _, ok := r.expTimeouts[digest]; !ok { // step 8: exponential backoff
		r.expTimeouts[digest] = r.cfg.ClientTimeoutDuration()
	} else {
		r.expTimeouts[digest] *= 2
	}
	r.fbTimeoutsStart[digest] = time.Now()

	return Decision(ccResultOf(elect.Decision))
}

func (r *Replica) verifyViewCerts(digest vts.Digest, minView uint64, certs []message.CurrentViewCert, required int) bool {
	seen := make(map[uint64]struct{}, len(certs))
	for _, c := range certs {
		if c.Digest != digest || c.View < minView {
			continue
		}
		data := currentViewCertSignatureData(digest, c.View)
		if r.cfg.SignedMessages && !r.km.Verify(crypto.ProcessID(c.Sig.ProcessID), data, c.Sig.Bytes) {
			continue
		}
		seen[c.Sig.ProcessID] = struct{}{}
	}
	return len(seen) >= required
}

func currentViewCertSignatureData(digest vts.Digest, view uint64) []byte {
	return []byte(fmt.Sprintf("<CURRENT-VIEW,%s,%d>", digest.String(), view))
}

// handleElectFB implements spec.md section 4.7's ElectFB: only the
// coordinator for the claimed view participates; quorum collection is
// reset whenever a higher view arrives.
func (r *Replica) handleElectFB(req message.ElectFB) Outcome {
	elect := req.Elect
	if r.cfg.ReplicaIndex != r.coordinatorForView(elect.View, elect.Digest) {
		return Dropped()
	}
	if r.cfg.SignedMessages && !r.km.Verify(crypto.ProcessID(elect.Sig.ProcessID), electSignatureData(elect.Digest, elect.Decision, elect.View), elect.Sig.Bytes) {
		return Invalid("elect_fb: bad signature")
	}

	curView := r.electQuorumView[elect.Digest]
	if elect.View < curView {
		return Dropped()
	}
	if elect.View > curView {
		r.electQuorum[elect.Digest] = nil
		r.electQuorumView[elect.Digest] = elect.View
	}

	q := r.electQuorum[elect.Digest]
	for _, e := range q {
		if e.Sig.ProcessID == elect.Sig.ProcessID {
			return Decision(txn.CCWait) // already counted this signer
		}
	}
	q = append(q, elect)
	r.electQuorum[elect.Digest] = q

	if len(q) < r.sizes.ElectQuorumSize() {
		return Decision(txn.CCWait)
	}

	commitVotes := 0
	for _, e := range q {
		if e.Decision == txn.DecisionCommit {
			commitVotes++
		}
	}
	decision := txn.DecisionAbort
	if r.sizes.HasElectMajority(commitVotes) {
		decision = txn.DecisionCommit
	}

	db := message.DecisionFB{Digest: elect.Digest, Decision: decision, View: elect.View, Elects: q}
	r.trans.SendGroup(r.group, message.Envelope{Kind: message.KindDecisionFB, Payload: db})
	return Decision(ccResultOf(decision))
}

// handleDecisionFB implements spec.md section 4.7's DecisionFB.
func (r *Replica) handleDecisionFB(req message.DecisionFB) Outcome {
	digest := req.Digest
	if req.View < r.decisionViews[digest] {
		return Dropped()
	}

	seen := make(map[uint64]struct{}, len(req.Elects))
	for _, e := range req.Elects {
		if e.Decision != req.Decision || e.View != req.View {
			continue
		}
		if r.cfg.SignedMessages && !r.km.Verify(crypto.ProcessID(e.Sig.ProcessID), electSignatureData(digest, e.Decision, e.View), e.Sig.Bytes) {
			continue
		}
		seen[e.Sig.ProcessID] = struct{}{}
	}
	if !r.sizes.HasSlowQuorum(len(seen)) {
		return Dropped()
	}

	if req.View > r.decisionViews[digest] {
		r.decisionViews[digest] = req.View
		r.p2Decisions[digest] = req.Decision
	}

	view := r.attachedView(digest)
	for _, addr := range r.interestedAddrs(digest) {
		reply := message.Phase2FBReply{Digest: digest, Decision: r.p2Decisions[digest], View: view}
		if r.cfg.SignedMessages {
			if sig, err := r.km.Sign(r.self, txn.Phase2VoteSignatureData(digest, reply.Decision, view.CurrentView)); err == nil {
				reply.Sig = txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
			}
		}
		r.trans.Send(addr, message.Envelope{Kind: message.KindPhase2FBReply, Payload: reply})
	}
	return Decision(ccResultOf(r.p2Decisions[digest]))
}
