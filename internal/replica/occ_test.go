package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardguard/shardguard/internal/txn"
)

func TestMVTSOOCCCheckPreparesCleanTransaction(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	tx := makeTxn(1, ts(100, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)

	verdict := r.DoMVTSOOCCCheck(&tx, digest)

	require.True(t, verdict.Prepared)
	assert.Contains(t, r.preparedWrites["a"], digest)
}

func TestMVTSOOCCCheckAbortsOnCommittedWriteBetweenReadAndTs(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	r.store.Put("a", []byte("v1"), ts(10, 1))
	winner := makeTxn(2, ts(20, 2), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v2")}})
	r.committed[r.digestOf(&winner)] = committedEntry{txn: winner, proof: &txn.CommittedProof{Txn: winner}}
	r.store.Put("a", []byte("v2"), ts(20, 2))

	tx := makeTxn(3, ts(30, 3), []txn.ReadEntry{{Key: "a", ReadVersion: ts(10, 1)}}, nil)
	digest := r.digestOf(&tx)

	verdict := r.DoMVTSOOCCCheck(&tx, digest)

	require.False(t, verdict.Prepared)
	assert.Equal(t, txn.CCAbort, verdict.Result)
	require.NotNil(t, verdict.Conflict)
}

func TestMVTSOOCCCheckAbstainsOnRTSConflict(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	r.store.RecordRead("a", ts(50, 9))

	tx := makeTxn(1, ts(10, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)

	verdict := r.DoMVTSOOCCCheck(&tx, digest)

	require.False(t, verdict.Prepared)
	assert.Equal(t, txn.CCAbstain, verdict.Result)
}

func TestMVTSOOCCCheckAbortsOnCommittedReadConflict(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	r.store.Put("a", []byte("v1"), ts(10, 1))
	r.store.CommitGet("a", ts(10, 1), ts(20, 2), &txn.CommittedProof{})

	tx := makeTxn(3, ts(15, 3), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v2")}})
	digest := r.digestOf(&tx)

	verdict := r.DoMVTSOOCCCheck(&tx, digest)

	require.False(t, verdict.Prepared)
	assert.Equal(t, txn.CCAbort, verdict.Result)
}

func TestMVTSOOCCCheckHighWatermarkAbstain(t *testing.T) {
	cfg := testConfig(4, 1)
	cfg.TimeDeltaMS = 0
	r, _ := newTestReplica(t, cfg)

	tx := makeTxn(1, ts(999_999_999, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	verdict := r.DoMVTSOOCCCheck(&tx, r.digestOf(&tx))

	assert.Equal(t, txn.CCAbstain, verdict.Result)
	assert.False(t, verdict.Prepared)
}

func TestTAPIROCCCheckPreparesOnMatchingReadVersion(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	r.store.Put("a", []byte("v1"), ts(10, 1))
	tx := makeTxn(1, ts(20, 1), []txn.ReadEntry{{Key: "a", ReadVersion: ts(10, 1)}}, []txn.WriteEntry{{Key: "b", Value: []byte("v")}})
	digest := r.digestOf(&tx)

	verdict := r.DoTAPIROCCCheck(&tx, digest)

	require.True(t, verdict.Prepared)
	assert.Contains(t, r.preparedWrites["b"], digest)
	assert.Contains(t, r.preparedReads["a"], digest)
}

func TestTAPIROCCCheckAbstainsOnStaleReadVersion(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	r.store.Put("a", []byte("v1"), ts(10, 1))
	r.store.Put("a", []byte("v2"), ts(15, 2))
	tx := makeTxn(1, ts(20, 1), []txn.ReadEntry{{Key: "a", ReadVersion: ts(10, 1)}}, nil)
	digest := r.digestOf(&tx)

	verdict := r.DoTAPIROCCCheck(&tx, digest)

	require.False(t, verdict.Prepared)
	assert.Equal(t, txn.CCAbstain, verdict.Result)
	require.NotNil(t, verdict.RetryTs)
}

func TestTAPIROCCCheckAbstainsOnRTSConflict(t *testing.T) {
	r, _ := newTestReplica(t, testConfig(4, 1))

	r.store.RecordRead("a", ts(50, 9))
	tx := makeTxn(1, ts(10, 1), nil, []txn.WriteEntry{{Key: "a", Value: []byte("v")}})
	digest := r.digestOf(&tx)

	verdict := r.DoTAPIROCCCheck(&tx, digest)

	require.False(t, verdict.Prepared)
	assert.Equal(t, txn.CCAbstain, verdict.Result)
	require.NotNil(t, verdict.RetryTs)
}
