package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
)

func TestHandleReadReturnsGreatestVersionAtOrBelowTs(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	r.store.Put("a", []byte("v1"), ts(10, 1))
	r.store.Put("a", []byte("v2"), ts(20, 1))

	outcome := r.handleRead(addr("client"), message.Read{ReqID: "1", Key: "a", Ts: ts(15, 0)})

	require.True(t, outcome.IsDecision())
	assert.Equal(t, txn.CCCommit, outcome.Result())
	require.Len(t, trans.sent, 1)
	reply := trans.last().env.Payload.(message.ReadReply)
	assert.True(t, reply.Found)
	assert.Equal(t, []byte("v1"), reply.Value)
	assert.Equal(t, ts(10, 1), reply.Ts)
}

func TestHandleReadMissReturnsNotFound(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	r.handleRead(addr("client"), message.Read{ReqID: "1", Key: "missing", Ts: ts(15, 0)})

	reply := trans.last().env.Payload.(message.ReadReply)
	assert.False(t, reply.Found)
}

func TestHandleReadAboveHighWatermarkIsDropped(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.TimeDeltaMS = 0
	r, trans := newTestReplica(t, cfg)

	outcome := r.handleRead(addr("client"), message.Read{ReqID: "1", Key: "a", Ts: ts(999_999_999, 0)})

	assert.True(t, outcome.IsDropped())
	assert.Empty(t, trans.sent)
}

func TestHandleReadSignsReplyWhenSignedMessagesOn(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.SignedMessages = true
	r, trans := newTestReplica(t, cfg)

	r.store.Put("a", []byte("v1"), ts(10, 1))

	outcome := r.handleRead(addr("client"), message.Read{ReqID: "1", Key: "a", Ts: ts(15, 0)})

	require.True(t, outcome.IsDecision())
	reply := trans.last().env.Payload.(message.ReadReply)
	require.NotNil(t, reply.Sig)
	assert.Equal(t, uint64(r.self), reply.Sig.ProcessID)
}

func TestHandleReadUnsignedReplyHasNoSigWhenSignedMessagesOff(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	r.store.Put("a", []byte("v1"), ts(10, 1))
	r.handleRead(addr("client"), message.Read{ReqID: "1", Key: "a", Ts: ts(15, 0)})

	reply := trans.last().env.Payload.(message.ReadReply)
	assert.Nil(t, reply.Sig)
}

func TestHandleReadPiggybacksLatestPreparedWrite(t *testing.T) {
	r, trans := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(7, ts(50, 7), nil, []txn.WriteEntry{{Key: "a", Value: []byte("prepared")}})
	digest := r.digestOf(&tx)
	r.ongoing[digest] = &tx
	r.prepare(&tx, digest)

	outcome := r.handleRead(addr("client"), message.Read{ReqID: "1", Key: "a", Ts: ts(15, 0)})
	require.True(t, outcome.IsDecision())

	reply := trans.last().env.Payload.(message.ReadReply)
	require.NotNil(t, reply.Prepared)
	assert.Equal(t, []byte("prepared"), reply.Prepared.Value)
	assert.Equal(t, digest, reply.Prepared.TxnDigest)
}
