package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

func viewCerts(digest vts.Digest, view uint64, n int) []message.CurrentViewCert {
	out := make([]message.CurrentViewCert, n)
	for i := range out {
		out[i] = message.CurrentViewCert{
			ReplicaID: uint64(i), View: view, Digest: digest,
			Sig: txn.Signature{ProcessID: uint64(i)},
		}
	}
	return out
}

func TestHandleInvokeFBAdoptsNewViewAndBacksOff(t *testing.T) {
	cfg := testConfig(4, 1) // 2f+1=3, f+1=2, 3f+1=4
	cfg.ClientTimeout = 1000
	r, trans := newTestReplica(t, cfg)

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.ongoing[digest] = &tx
	r.clientStartTime[digest] = time.Now().Add(-time.Hour)
	r.p2Decisions[digest] = txn.DecisionCommit

	req := message.InvokeFB{Digest: digest, NewView: 1, Catchup: true, ViewCerts: viewCerts(digest, 1, 2)}
	outcome := r.handleInvokeFB(req)

	require.True(t, outcome.IsDecision())
	assert.Equal(t, uint64(1), r.currentViews[digest])
	require.NotEmpty(t, trans.sent)
	assert.Equal(t, message.KindElectFB, trans.last().env.Kind)
	firstBackoff := r.expTimeouts[digest]
	assert.Equal(t, r.cfg.ClientTimeoutDuration(), firstBackoff)

	r.fbTimeoutsStart[digest] = time.Now().Add(-time.Hour)
	req2 := message.InvokeFB{Digest: digest, NewView: 2, Catchup: true, ViewCerts: viewCerts(digest, 2, 2)}
	r.handleInvokeFB(req2)

	assert.Equal(t, firstBackoff*2, r.expTimeouts[digest], "repeated invoke doubles the backoff")
}

func TestHandleInvokeFBDropsUnripeBackoff(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.ongoing[digest] = &tx
	r.clientStartTime[digest] = time.Now().Add(-time.Hour)
	r.p2Decisions[digest] = txn.DecisionCommit
	r.fbTimeoutsStart[digest] = time.Now()
	r.expTimeouts[digest] = time.Hour

	outcome := r.handleInvokeFB(message.InvokeFB{Digest: digest, NewView: 1, Catchup: true, ViewCerts: viewCerts(digest, 1, 2)})

	assert.True(t, outcome.IsInvalid())
}

func TestHandleElectFBFormsCommitMajorityAndBroadcasts(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1)) // elect quorum n-f=3, majority 2f+1=3

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.cfg.ReplicaIndex = r.coordinatorForView(1, digest)

	for i := 0; i < 3; i++ {
		outcome := r.handleElectFB(message.ElectFB{Elect: message.ElectMessage{
			Digest: digest, Decision: txn.DecisionCommit, View: 1,
			Sig: txn.Signature{ProcessID: uint64(i)},
		}})
		if i < 2 {
			assert.Equal(t, txn.CCWait, outcome.Result())
		} else {
			assert.Equal(t, txn.CCCommit, outcome.Result())
		}
	}

	require.NotEmpty(t, trans.sent)
	db := trans.last().env.Payload.(message.DecisionFB)
	assert.Equal(t, txn.DecisionCommit, db.Decision)
	assert.Len(t, db.Elects, 3)
}

func TestHandleElectFBIgnoresNonCoordinator(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	coordinator := r.coordinatorForView(0, digest)
	r.cfg.ReplicaIndex = (coordinator + 1) % uint64(r.cfg.GroupSize)

	outcome := r.handleElectFB(message.ElectFB{Elect: message.ElectMessage{Digest: digest, View: 0}})

	assert.True(t, outcome.IsDropped())
	assert.Empty(t, trans.sent)
}

func TestHandlePhase1FBRunsOCCWhenNothingCachedLocally(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)

	outcome := r.handlePhase1FB(addr("peer"), message.Phase1FB{ReqID: "1", Digest: digest, Txn: tx})

	require.True(t, outcome.IsDecision())
	require.NotEmpty(t, trans.sent)
	reply := trans.last().env.Payload.(message.Phase1FBReply)
	require.NotNil(t, reply.P1Result)
	assert.Equal(t, txn.CCCommit, *reply.P1Result)
	assert.Equal(t, txn.CCCommit, r.p1Decisions[digest])
}

func TestHandlePhase1FBForwardsCachedWriteback(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	wb := &message.Writeback{Digest: digest, Decision: txn.DecisionCommit}
	r.writebackMessages[digest] = wb

	outcome := r.handlePhase1FB(addr("peer"), message.Phase1FB{ReqID: "1", Digest: digest})

	require.True(t, outcome.IsDecision())
	assert.Equal(t, txn.CCCommit, outcome.Result())
	reply := trans.last().env.Payload.(message.Phase1FBReply)
	assert.Same(t, wb, reply.Writeback)
}

func TestHandlePhase2FBDeferredBeforeClientTimeout(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.ClientTimeout = 1000
	r, _ := newTestReplica(t, cfg)

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.clientStartTime[digest] = time.Now()

	outcome := r.handlePhase2FB(addr("peer"), message.Phase2FB{ReqID: "1", Digest: digest})

	assert.True(t, outcome.IsInvalid())
}

func TestHandlePhase2FBAdoptsAgreeingRepliesFromSmallQuorum(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1)) // f+1=2

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.ongoing[digest] = &tx
	r.clientStartTime[digest] = time.Now().Add(-time.Hour)

	replies := []message.Phase2Reply{
		{Digest: digest, Decision: txn.DecisionCommit, View: 0, Sig: txn.Signature{ProcessID: 0}},
		{Digest: digest, Decision: txn.DecisionCommit, View: 0, Sig: txn.Signature{ProcessID: 1}},
	}

	outcome := r.handlePhase2FB(addr("peer"), message.Phase2FB{ReqID: "1", Digest: digest, P2Replies: replies})

	require.True(t, outcome.IsDecision())
	assert.Equal(t, txn.CCCommit, outcome.Result())
	assert.Equal(t, txn.DecisionCommit, r.p2Decisions[digest])
	reply := trans.last().env.Payload.(message.Phase2FBReply)
	assert.Equal(t, txn.DecisionCommit, reply.Decision)
}

func TestHandlePhase2FBDropsWithoutEnoughEvidence(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.ongoing[digest] = &tx
	r.clientStartTime[digest] = time.Now().Add(-time.Hour)

	replies := []message.Phase2Reply{
		{Digest: digest, Decision: txn.DecisionCommit, View: 0, Sig: txn.Signature{ProcessID: 0}},
	}

	outcome := r.handlePhase2FB(addr("peer"), message.Phase2FB{ReqID: "1", Digest: digest, P2Replies: replies})

	assert.True(t, outcome.IsDropped())
	_, ok := r.p2Decisions[digest]
	assert.False(t, ok)
}

func TestHandleDecisionFBAdoptsNewerViewAndNotifiesInterestedClients(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1)) // slow quorum 2f+1=3

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	r.addInterestedClient(digest, addr("client"))

	elects := []message.ElectMessage{
		{Digest: digest, Decision: txn.DecisionCommit, View: 1, Sig: txn.Signature{ProcessID: 0}},
		{Digest: digest, Decision: txn.DecisionCommit, View: 1, Sig: txn.Signature{ProcessID: 1}},
		{Digest: digest, Decision: txn.DecisionCommit, View: 1, Sig: txn.Signature{ProcessID: 2}},
	}

	outcome := r.handleDecisionFB(message.DecisionFB{Digest: digest, Decision: txn.DecisionCommit, View: 1, Elects: elects})

	require.True(t, outcome.IsDecision())
	assert.Equal(t, txn.CCCommit, outcome.Result())
	assert.Equal(t, uint64(1), r.decisionViews[digest])
	require.NotEmpty(t, trans.sent)
	reply := trans.last().env.Payload.(message.Phase2FBReply)
	assert.Equal(t, txn.DecisionCommit, reply.Decision)
}
