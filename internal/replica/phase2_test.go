package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
)

func sigs(n int) []txn.Signature {
	out := make([]txn.Signature, n)
	for i := range out {
		out[i] = txn.Signature{ProcessID: uint64(i)}
	}
	return out
}

func TestHandlePhase2CommitsWithSlowQuorum(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1)) // n=4,f=1 -> slow quorum 2f+1=3

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	grouped := []message.GroupedP1Sigs{{Group: 0, Sigs: sigs(3)}}

	outcome := r.handlePhase2(addr("coord"), message.Phase2{
		ReqID: "1", Digest: digest, Txn: &tx, Decision: txn.DecisionCommit, GroupedSigs: grouped,
	})

	require.True(t, outcome.IsDecision())
	assert.Equal(t, txn.CCCommit, outcome.Result())
	assert.Equal(t, txn.DecisionCommit, r.p2Decisions[digest])
	reply := trans.last().env.Payload.(message.Phase2Reply)
	assert.Equal(t, txn.DecisionCommit, reply.Decision)
}

func TestHandlePhase2RejectsInsufficientSignatureQuorum(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	grouped := []message.GroupedP1Sigs{{Group: 0, Sigs: sigs(2)}} // short of 2f+1=3

	outcome := r.handlePhase2(addr("coord"), message.Phase2{
		ReqID: "1", Digest: digest, Txn: &tx, Decision: txn.DecisionCommit, GroupedSigs: grouped,
	})

	assert.True(t, outcome.IsInvalid())
	_, ok := r.p2Decisions[digest]
	assert.False(t, ok)
}

func TestHandlePhase2IsIdempotentForKnownDigest(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)
	grouped := []message.GroupedP1Sigs{{Group: 0, Sigs: sigs(3)}}

	r.handlePhase2(addr("coord1"), message.Phase2{ReqID: "1", Digest: digest, Txn: &tx, Decision: txn.DecisionCommit, GroupedSigs: grouped})
	outcome := r.handlePhase2(addr("coord2"), message.Phase2{ReqID: "2", Digest: digest})

	require.True(t, outcome.IsDecision())
	assert.Equal(t, txn.CCCommit, outcome.Result())
	assert.Len(t, trans.sent, 2)
}
